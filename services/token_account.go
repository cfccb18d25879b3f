package services

import (
	"context"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/ferreirogomes/splpay/logger"
	"github.com/ferreirogomes/splpay/models"
)

// GetOrCreateTokenAccount devolve a conta de token associada da carteira para o mint,
// criando-a (paga pela própria carteira) quando ainda não existe.
func (c *ChainClient) GetOrCreateTokenAccount(ctx context.Context, wallet models.Wallet, mint solana.PublicKey) (models.TokenAccount, error) {
	owner := wallet.PublicKey()
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return models.TokenAccount{}, &AccountResolutionError{Owner: owner, Mint: mint, Err: err}
	}

	account := models.TokenAccount{Address: ata, Owner: owner, Mint: mint}

	exists, err := c.checkTokenAccount(ctx, account)
	if err != nil {
		return models.TokenAccount{}, &AccountResolutionError{Owner: owner, Mint: mint, Err: err}
	}
	if exists {
		c.log.Info("conta de token encontrada",
			logger.Event("account.resolved"),
			zap.Stringer("owner", owner),
			zap.Stringer("account", ata),
		)
		return account, nil
	}

	c.log.Info("conta de token não existe, criando", zap.Stringer("owner", owner), zap.Stringer("account", ata))

	create := associatedtokenaccount.NewCreateInstruction(owner, owner, mint).Build()
	receipt, err := c.submit(ctx, wallet, rpc.CommitmentFinalized, create)
	if err != nil {
		// Outra transação pode ter criado a conta no meio tempo.
		if again, checkErr := c.checkTokenAccount(ctx, account); checkErr == nil && again {
			c.log.Info("conta de token criada por outra transação", logger.Event("account.resolved"), zap.Stringer("account", ata))
			return account, nil
		}
		return models.TokenAccount{}, &AccountResolutionError{Owner: owner, Mint: mint, Err: err}
	}

	account.Created = true
	c.log.Info("conta de token criada",
		logger.Event("account.created"),
		zap.Stringer("owner", owner),
		zap.Stringer("account", ata),
		zap.Stringer("signature", receipt.Signature),
		zap.String("explorer", c.explorerLink(receipt.Signature)),
	)
	return account, nil
}

// checkTokenAccount confirma que a conta existe e pertence ao dono e ao mint esperados.
func (c *ChainClient) checkTokenAccount(ctx context.Context, account models.TokenAccount) (bool, error) {
	data, programOwner, err := c.accountData(ctx, account.Address)
	if err != nil {
		return false, fmt.Errorf("falha ao consultar conta %s: %w", account.Address, err)
	}
	if data == nil {
		return false, nil
	}
	if !programOwner.Equals(token.ProgramID) {
		return false, fmt.Errorf("conta %s pertence ao programa %s: %w", account.Address, programOwner, ErrAccountMismatch)
	}

	var state token.Account
	if err := bin.NewBinDecoder(data).Decode(&state); err != nil {
		return false, fmt.Errorf("falha ao decodificar conta de token %s: %w", account.Address, err)
	}
	if !state.Mint.Equals(account.Mint) || !state.Owner.Equals(account.Owner) {
		return false, fmt.Errorf("conta %s tem mint %s e dono %s: %w", account.Address, state.Mint, state.Owner, ErrAccountMismatch)
	}
	return true, nil
}
