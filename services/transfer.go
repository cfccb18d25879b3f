package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/ferreirogomes/splpay/blockchain_listener"
	"github.com/ferreirogomes/splpay/logger"
	"github.com/ferreirogomes/splpay/models"
)

var commitmentRank = map[string]int{
	string(rpc.CommitmentProcessed): 0,
	string(rpc.CommitmentConfirmed): 1,
	string(rpc.CommitmentFinalized): 2,
}

func reached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	got, ok := commitmentRank[string(status)]
	if !ok {
		return false
	}
	return got >= commitmentRank[string(want)]
}

// TransferToken transfere req.Amount unidades base de req.Source para req.Destination
// e aguarda o commitment "confirmed". Não faz retry.
func (c *ChainClient) TransferToken(ctx context.Context, req models.TransferRequest) (models.TransactionReceipt, error) {
	tx, sub, err := c.PrepareTransfer(ctx, req)
	if err != nil {
		return models.TransactionReceipt{}, err
	}
	if err := c.SendTransaction(ctx, tx, sub); err != nil {
		return models.TransactionReceipt{}, err
	}
	receipt, err := c.AwaitConfirmation(ctx, sub, rpc.CommitmentConfirmed)
	if err != nil {
		return models.TransactionReceipt{}, err
	}
	c.logConfirmed(req, receipt)
	return receipt, nil
}

// PrepareTransfer valida o pedido, monta e assina a transação sem enviá-la.
// A assinatura já é conhecida aqui, o que permite registrá-la antes do envio.
func (c *ChainClient) PrepareTransfer(ctx context.Context, req models.TransferRequest) (*solana.Transaction, models.Submission, error) {
	if req.Amount == 0 {
		return nil, models.Submission{}, &TransferError{Kind: KindInvalid, Err: ErrInvalidAmount}
	}
	if req.Source.Equals(req.Destination) {
		return nil, models.Submission{}, &TransferError{Kind: KindInvalid, Err: ErrSameAccount}
	}

	owner := req.Signer.PublicKey()
	var ixs []solana.Instruction
	if c.cfg.ComputeUnitPrice > 0 {
		ixs = append(ixs, computebudget.NewSetComputeUnitPriceInstruction(c.cfg.ComputeUnitPrice).Build())
	}
	if c.cfg.ComputeUnitLimit > 0 {
		ixs = append(ixs, computebudget.NewSetComputeUnitLimitInstruction(c.cfg.ComputeUnitLimit).Build())
	}
	ixs = append(ixs, token.NewTransferCheckedInstruction(
		req.Amount,
		req.Decimals,
		req.Source,
		req.Mint,
		req.Destination,
		owner,
		[]solana.PublicKey{},
	).Build())

	return c.buildTransaction(ctx, req.Signer, ixs...)
}

// SendTransaction envia a transação com preflight. Um erro aqui não garante que a
// transação não tenha chegado ao líder.
func (c *ChainClient) SendTransaction(ctx context.Context, tx *solana.Transaction, sub models.Submission) error {
	sig, err := c.RPCClient.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.cfg.Commitment,
	})
	if err != nil {
		return newTransferError(sub.Signature, fmt.Errorf("falha ao enviar transação: %w", err))
	}
	if !sig.Equals(sub.Signature) {
		c.log.Warn("assinatura devolvida pelo RPC difere da local", zap.Stringer("local", sub.Signature), zap.Stringer("rpc", sig))
	}
	c.log.Info("transação enviada",
		logger.Event("transfer.submitted"),
		zap.Stringer("signature", sub.Signature),
		zap.Uint64("last_valid_block_height", sub.LastValidBlockHeight),
	)
	return nil
}

// AwaitConfirmation espera a assinatura atingir o commitment pedido, o blockhash expirar
// ou o tempo de confirmação acabar.
func (c *ChainClient) AwaitConfirmation(ctx context.Context, sub models.Submission, commitment rpc.CommitmentType) (models.TransactionReceipt, error) {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	if c.Listener != nil && !c.settled(wctx, sub.Signature, commitment) {
		// O websocket não avisa sobre o que aconteceu antes da inscrição, então o
		// polling fica com a outra metade do prazo.
		lctx, lcancel := context.WithTimeout(wctx, c.cfg.ConfirmTimeout/2)
		err := c.Listener.Wait(lctx, sub.Signature, commitment)
		lcancel()
		switch {
		case err == nil:
			return c.receipt(wctx, sub, commitment, 0), nil
		case errors.Is(err, blockchain_listener.ErrTransactionFailed):
			return models.TransactionReceipt{}, &TransferError{Kind: KindOnChain, Signature: sub.Signature, Err: err}
		case ctx.Err() != nil:
			return models.TransactionReceipt{}, newTransferError(sub.Signature, ctx.Err())
		}
		c.log.Debug("listener falhou, usando polling", zap.Stringer("signature", sub.Signature), zap.Error(err))
	}

	return c.poll(ctx, wctx, sub, commitment)
}

// settled indica se a assinatura já tem resultado final para o commitment pedido.
func (c *ChainClient) settled(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) bool {
	status, err := c.SignatureStatus(ctx, sig)
	if err != nil || status == nil {
		return false
	}
	return status.Err != nil || reached(status.ConfirmationStatus, commitment)
}

func (c *ChainClient) poll(ctx, wctx context.Context, sub models.Submission, commitment rpc.CommitmentType) (models.TransactionReceipt, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := c.SignatureStatus(wctx, sub.Signature)
		switch {
		case err != nil:
			c.log.Debug("falha ao consultar status, tentando de novo", zap.Stringer("signature", sub.Signature), zap.Error(err))
		case status != nil && status.Err != nil:
			return models.TransactionReceipt{}, &TransferError{
				Kind:      KindOnChain,
				Signature: sub.Signature,
				Err:       fmt.Errorf("transação falhou na rede: %v", status.Err),
			}
		case status != nil && reached(status.ConfirmationStatus, commitment):
			return c.receipt(wctx, sub, commitment, status.Slot), nil
		case status == nil:
			height, herr := c.BlockHeight(wctx)
			if herr == nil && height > sub.LastValidBlockHeight {
				return models.TransactionReceipt{}, &TransferError{Kind: KindStaleBlockhash, Signature: sub.Signature, Err: ErrBlockhashExpired}
			}
		}

		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return models.TransactionReceipt{}, newTransferError(sub.Signature, ctx.Err())
			}
			return models.TransactionReceipt{}, &TransferError{Kind: KindTimeout, Signature: sub.Signature, Err: ErrConfirmationTimeout}
		case <-ticker.C:
		}
	}
}

func (c *ChainClient) receipt(ctx context.Context, sub models.Submission, commitment rpc.CommitmentType, slot uint64) models.TransactionReceipt {
	if slot == 0 {
		if status, err := c.SignatureStatus(ctx, sub.Signature); err == nil && status != nil {
			slot = status.Slot
		}
	}
	return models.TransactionReceipt{
		Signature:            sub.Signature,
		Blockhash:            sub.Blockhash,
		LastValidBlockHeight: sub.LastValidBlockHeight,
		Slot:                 slot,
		Commitment:           commitment,
		Elapsed:              time.Since(sub.Started),
	}
}

// TransferNativeFee envia ao destinatário o mínimo isento de aluguel de uma conta sem dados.
func (c *ChainClient) TransferNativeFee(ctx context.Context, payer models.Wallet, payee solana.PublicKey) (models.TransactionReceipt, error) {
	lamports, err := c.RPCClient.GetMinimumBalanceForRentExemption(ctx, 0, c.cfg.Commitment)
	if err != nil {
		return models.TransactionReceipt{}, newTransferError(solana.Signature{}, fmt.Errorf("falha ao obter mínimo de aluguel: %w", err))
	}

	ix := system.NewTransferInstruction(lamports, payer.PublicKey(), payee).Build()
	receipt, err := c.submit(ctx, payer, rpc.CommitmentFinalized, ix)
	if err != nil {
		return models.TransactionReceipt{}, err
	}
	c.log.Info("taxa nativa transferida",
		logger.Event("fee.transferred"),
		zap.Stringer("payee", payee),
		zap.Uint64("lamports", lamports),
		zap.Stringer("signature", receipt.Signature),
	)
	return receipt, nil
}

// submit assina, envia e confirma instruções pagas pelo signer.
func (c *ChainClient) submit(ctx context.Context, signer models.Wallet, commitment rpc.CommitmentType, ixs ...solana.Instruction) (models.TransactionReceipt, error) {
	tx, sub, err := c.buildTransaction(ctx, signer, ixs...)
	if err != nil {
		return models.TransactionReceipt{}, err
	}
	if err := c.SendTransaction(ctx, tx, sub); err != nil {
		return models.TransactionReceipt{}, err
	}
	return c.AwaitConfirmation(ctx, sub, commitment)
}

func (c *ChainClient) buildTransaction(ctx context.Context, signer models.Wallet, ixs ...solana.Instruction) (*solana.Transaction, models.Submission, error) {
	latest, err := c.RPCClient.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, models.Submission{}, newTransferError(solana.Signature{}, fmt.Errorf("falha ao obter blockhash: %w", err))
	}
	if latest == nil || latest.Value == nil {
		return nil, models.Submission{}, &TransferError{Kind: KindRPC, Err: errors.New("blockhash não retornado pelo RPC")}
	}

	tx, err := solana.NewTransaction(ixs, latest.Value.Blockhash, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return nil, models.Submission{}, &TransferError{Kind: KindInvalid, Err: fmt.Errorf("falha ao criar transação: %w", err)}
	}

	key := signer.PrivateKey
	_, err = tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	})
	if err != nil {
		return nil, models.Submission{}, &TransferError{Kind: KindInvalid, Err: fmt.Errorf("falha ao assinar transação: %w", err)}
	}

	return tx, models.Submission{
		Signature:            tx.Signatures[0],
		Blockhash:            latest.Value.Blockhash,
		LastValidBlockHeight: latest.Value.LastValidBlockHeight,
		Started:              time.Now(),
	}, nil
}

func (c *ChainClient) logConfirmed(req models.TransferRequest, receipt models.TransactionReceipt) {
	c.log.Info("transferência confirmada",
		logger.Event("transfer.confirmed"),
		zap.Stringer("signature", receipt.Signature),
		zap.Stringer("source", req.Source),
		zap.Stringer("destination", req.Destination),
		zap.Uint64("amount", req.Amount),
		zap.String("amount_ui", FormatAmount(req.Amount, req.Decimals)),
		zap.Uint64("slot", receipt.Slot),
		zap.Duration("elapsed", receipt.Elapsed),
		zap.String("explorer", c.explorerLink(receipt.Signature)),
	)
}
