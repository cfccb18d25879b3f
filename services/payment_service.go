package services

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ferreirogomes/splpay/logger"
	"github.com/ferreirogomes/splpay/models"
	"github.com/ferreirogomes/splpay/storage"
)

// Chain é o que o PaymentService precisa da rede. *ChainClient implementa.
type Chain interface {
	LoadWallet(source string) (models.Wallet, error)
	GetBalance(ctx context.Context, address solana.PublicKey) models.BalanceResult
	GetTokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
	GetOrCreateTokenAccount(ctx context.Context, wallet models.Wallet, mint solana.PublicKey) (models.TokenAccount, error)
	PrepareTransfer(ctx context.Context, req models.TransferRequest) (*solana.Transaction, models.Submission, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction, sub models.Submission) error
	AwaitConfirmation(ctx context.Context, sub models.Submission, commitment rpc.CommitmentType) (models.TransactionReceipt, error)
	TransferNativeFee(ctx context.Context, payer models.Wallet, payee solana.PublicKey) (models.TransactionReceipt, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error)
	BlockHeight(ctx context.Context) (uint64, error)
}

// PaymentConfig descreve a transferência e a política de retry.
type PaymentConfig struct {
	Payer       string // arquivo de chave ou base58
	Payee       string
	Mint        solana.PublicKey
	Decimals    uint8  // 0 aceita o valor do mint
	Amount      uint64 // unidades base
	AmountUI    string // alternativa a Amount, escalado pelos decimais do mint
	NativeFee   bool
	MaxAttempts int
	Backoff     time.Duration
}

// PaymentService executa o fluxo saldo → contas → transferência com retry limitado.
type PaymentService struct {
	Chain   Chain
	Journal storage.Journal
	cfg     PaymentConfig
	log     *zap.Logger
}

// NewPaymentService cria o orquestrador. Sem journal, usa um em memória.
func NewPaymentService(chain Chain, journal storage.Journal, cfg PaymentConfig, log *zap.Logger) *PaymentService {
	if journal == nil {
		journal = storage.NewMemoryJournal()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentService{
		Chain:   chain,
		Journal: journal,
		cfg:     cfg,
		log:     log.Named("payment"),
	}
}

// run guarda o estado compartilhado entre as tentativas de uma execução.
type run struct {
	id      string
	payer   models.Wallet
	payee   models.Wallet
	feePaid bool
}

// Run carrega as carteiras e executa a transferência. Falha ao carregar carteira aborta
// antes de qualquer tentativa.
func (s *PaymentService) Run(ctx context.Context) (models.TransactionReceipt, error) {
	r := &run{id: uuid.NewString()}
	log := s.log.With(zap.String("run_id", r.id))

	var err error
	if r.payer, err = s.Chain.LoadWallet(s.cfg.Payer); err != nil {
		log.Error("falha ao carregar carteira pagadora", logger.Event("run.failed"), zap.Error(err))
		return models.TransactionReceipt{}, fmt.Errorf("carteira pagadora: %w", err)
	}
	if r.payee, err = s.Chain.LoadWallet(s.cfg.Payee); err != nil {
		log.Error("falha ao carregar carteira recebedora", logger.Event("run.failed"), zap.Error(err))
		return models.TransactionReceipt{}, fmt.Errorf("carteira recebedora: %w", err)
	}

	attempts := 0
	operation := func() (models.TransactionReceipt, error) {
		attempts++
		receipt, err := s.attempt(ctx, r, attempts)
		if err == nil {
			return receipt, nil
		}

		retryable := IsRetryable(err)
		log.Warn("tentativa falhou",
			logger.Event("attempt.failed"),
			zap.Int("attempt", attempts),
			zap.String("kind", Classify(err).String()),
			zap.Bool("retryable", retryable),
			zap.Error(err),
		)
		if !retryable {
			return models.TransactionReceipt{}, backoff.Permanent(err)
		}
		return models.TransactionReceipt{}, err
	}

	receipt, err := backoff.RetryNotifyWithData(operation, s.policy(ctx), func(_ error, next time.Duration) {
		log.Debug("nova tentativa agendada", zap.Int("next_attempt", attempts+1), zap.Duration("backoff", next))
	})
	if err != nil {
		log.Error("transferência não concluída", logger.Event("run.failed"), zap.Int("attempts", attempts), zap.Error(err))
		return models.TransactionReceipt{}, fmt.Errorf("transferência falhou após %d tentativa(s): %w", attempts, err)
	}

	log.Info("execução concluída",
		logger.Event("run.completed"),
		zap.Int("attempts", attempts),
		zap.Stringer("signature", receipt.Signature),
	)
	return receipt, nil
}

// policy limita a execução a MaxAttempts tentativas com intervalo fixo, parando se ctx
// for cancelado.
func (s *PaymentService) policy(ctx context.Context) backoff.BackOffContext {
	retries := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.Backoff), uint64(s.cfg.MaxAttempts-1))
	return backoff.WithContext(retries, ctx)
}

func (s *PaymentService) attempt(ctx context.Context, r *run, n int) (models.TransactionReceipt, error) {
	if n > 1 {
		receipt, done, err := s.reconcile(ctx, r)
		if err != nil {
			return models.TransactionReceipt{}, err
		}
		if done {
			return receipt, nil
		}
	}

	// Falha aqui só deixa o saldo como desconhecido.
	for _, w := range []models.Wallet{r.payer, r.payee} {
		if b := s.Chain.GetBalance(ctx, w.PublicKey()); !b.OK() {
			s.log.Debug("saldo desconhecido", zap.String("wallet", w.Label), zap.Error(b.Err))
		}
	}

	if s.cfg.NativeFee && !r.feePaid {
		if _, err := s.Chain.TransferNativeFee(ctx, r.payer, r.payee.PublicKey()); err != nil {
			return models.TransactionReceipt{}, err
		}
		r.feePaid = true
	}

	decimals, err := s.Chain.MintDecimals(ctx, s.cfg.Mint)
	if err != nil {
		return models.TransactionReceipt{}, err
	}
	if s.cfg.Decimals > 0 && s.cfg.Decimals != decimals {
		return models.TransactionReceipt{}, fmt.Errorf("%w: configurado %d, mint %d", ErrDecimalsMismatch, s.cfg.Decimals, decimals)
	}

	amount, err := s.amount(decimals)
	if err != nil {
		return models.TransactionReceipt{}, err
	}

	source, err := s.Chain.GetOrCreateTokenAccount(ctx, r.payer, s.cfg.Mint)
	if err != nil {
		return models.TransactionReceipt{}, err
	}
	destination, err := s.Chain.GetOrCreateTokenAccount(ctx, r.payee, s.cfg.Mint)
	if err != nil {
		return models.TransactionReceipt{}, err
	}

	balance, err := s.Chain.GetTokenBalance(ctx, source.Address)
	switch {
	case err != nil:
		s.log.Debug("saldo de token desconhecido, seguindo sem verificação", zap.Error(err))
	case balance < amount:
		return models.TransactionReceipt{}, &TransferError{
			Kind: KindInsufficientFunds,
			Err:  fmt.Errorf("%w: saldo %s, necessário %s", ErrInsufficientFunds, FormatAmount(balance, decimals), FormatAmount(amount, decimals)),
		}
	}

	req := models.TransferRequest{
		Signer:      r.payer,
		Source:      source.Address,
		Destination: destination.Address,
		Mint:        s.cfg.Mint,
		Amount:      amount,
		Decimals:    decimals,
	}

	// Uma execução anterior pode ter caído com esta mesma transferência em voo.
	receipt, done, err := s.resume(ctx, r, req.Key())
	if err != nil || done {
		return receipt, err
	}
	return s.submit(ctx, r, n, req)
}

// submit registra a tentativa com a assinatura antes de enviar, para que uma próxima
// tentativa possa descobrir se a transação chegou à rede.
func (s *PaymentService) submit(ctx context.Context, r *run, n int, req models.TransferRequest) (models.TransactionReceipt, error) {
	tx, sub, err := s.Chain.PrepareTransfer(ctx, req)
	if err != nil {
		return models.TransactionReceipt{}, err
	}

	now := time.Now().UTC()
	rec := models.TransferAttempt{
		ID:                   uuid.NewString(),
		RunID:                r.id,
		TransferKey:          req.Key(),
		Attempt:              n,
		Amount:               req.Amount,
		Signature:            sub.Signature.String(),
		Blockhash:            sub.Blockhash.String(),
		LastValidBlockHeight: sub.LastValidBlockHeight,
		Status:               models.AttemptPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.Journal.SaveAttempt(ctx, rec); err != nil {
		return models.TransactionReceipt{}, fmt.Errorf("%w: falha ao registrar tentativa: %v", ErrJournal, err)
	}

	if err := s.Chain.SendTransaction(ctx, tx, sub); err != nil {
		// Erro de transporte é ambíguo: a transação pode ter chegado.
		status := models.AttemptFailed
		if k := Classify(err); k == KindRPC || k == KindTimeout || k == KindCanceled {
			status = models.AttemptSubmitted
		}
		s.update(ctx, rec, status, err)
		return models.TransactionReceipt{}, err
	}
	rec = s.update(ctx, rec, models.AttemptSubmitted, nil)

	receipt, err := s.Chain.AwaitConfirmation(ctx, sub, rpc.CommitmentConfirmed)
	if err != nil {
		s.update(ctx, rec, statusFor(err), err)
		return models.TransactionReceipt{}, err
	}
	s.update(ctx, rec, models.AttemptConfirmed, nil)

	s.log.Info("transferência confirmada",
		logger.Event("transfer.confirmed"),
		zap.String("run_id", r.id),
		zap.Int("attempt", n),
		zap.Stringer("signature", receipt.Signature),
		zap.Uint64("amount", req.Amount),
		zap.String("amount_ui", FormatAmount(req.Amount, req.Decimals)),
		zap.Uint64("slot", receipt.Slot),
	)
	return receipt, nil
}

// reconcile olha a última tentativa desta execução antes de uma nova. Devolve done=true
// quando ela já entrou na rede, e nesse caso nada é reenviado.
func (s *PaymentService) reconcile(ctx context.Context, r *run) (models.TransactionReceipt, bool, error) {
	prev, found, err := s.Journal.LatestAttempt(ctx, r.id)
	if err != nil {
		return models.TransactionReceipt{}, false, fmt.Errorf("%w: falha ao ler journal: %v", ErrJournal, err)
	}
	if !found {
		return models.TransactionReceipt{}, false, nil
	}
	return s.settle(ctx, r, prev)
}

// resume faz o mesmo para a tentativa mais recente da transferência vinda de outra
// execução. Tentativas já confirmadas de outras execuções não bloqueiam um novo envio.
func (s *PaymentService) resume(ctx context.Context, r *run, key string) (models.TransactionReceipt, bool, error) {
	prev, found, err := s.Journal.LatestByKey(ctx, key)
	if err != nil {
		return models.TransactionReceipt{}, false, fmt.Errorf("%w: falha ao ler journal: %v", ErrJournal, err)
	}
	if !found || prev.RunID == r.id {
		return models.TransactionReceipt{}, false, nil
	}
	return s.settle(ctx, r, prev)
}

// settle resolve uma tentativa não terminal contra o estado da rede.
func (s *PaymentService) settle(ctx context.Context, r *run, prev models.TransferAttempt) (models.TransactionReceipt, bool, error) {
	if prev.Terminal() || prev.Signature == "" {
		return models.TransactionReceipt{}, false, nil
	}

	sig, err := solana.SignatureFromBase58(prev.Signature)
	if err != nil {
		s.update(ctx, prev, models.AttemptFailed, err)
		return models.TransactionReceipt{}, false, nil
	}
	blockhash, _ := solana.HashFromBase58(prev.Blockhash)
	sub := models.Submission{
		Signature:            sig,
		Blockhash:            blockhash,
		LastValidBlockHeight: prev.LastValidBlockHeight,
		Started:              prev.CreatedAt,
	}

	status, err := s.Chain.SignatureStatus(ctx, sig)
	if err != nil {
		return models.TransactionReceipt{}, false, err
	}
	if status != nil && status.Err != nil {
		s.update(ctx, prev, models.AttemptFailed, fmt.Errorf("transação falhou na rede: %v", status.Err))
		return models.TransactionReceipt{}, false, nil
	}
	if status == nil {
		height, err := s.Chain.BlockHeight(ctx)
		if err != nil {
			return models.TransactionReceipt{}, false, err
		}
		if height > prev.LastValidBlockHeight {
			s.update(ctx, prev, models.AttemptExpired, ErrBlockhashExpired)
			return models.TransactionReceipt{}, false, nil
		}
	}

	receipt, err := s.Chain.AwaitConfirmation(ctx, sub, rpc.CommitmentConfirmed)
	if err != nil {
		status := statusFor(err)
		s.update(ctx, prev, status, err)
		if status == models.AttemptExpired || status == models.AttemptFailed {
			return models.TransactionReceipt{}, false, nil
		}
		return models.TransactionReceipt{}, false, err
	}
	s.update(ctx, prev, models.AttemptConfirmed, nil)

	s.log.Info("tentativa anterior já confirmada, nada reenviado",
		logger.Event("attempt.reconciled"),
		zap.String("run_id", r.id),
		zap.String("from_run", prev.RunID),
		zap.Int("attempt", prev.Attempt),
		zap.Stringer("signature", sig),
	)
	return receipt, true, nil
}

func (s *PaymentService) amount(decimals uint8) (uint64, error) {
	if s.cfg.AmountUI != "" {
		return ParseAmount(s.cfg.AmountUI, decimals)
	}
	if s.cfg.Amount == 0 {
		return 0, ErrInvalidAmount
	}
	return s.cfg.Amount, nil
}

// update grava o novo estado. Falha do journal é só registrada: o estado na rede manda.
func (s *PaymentService) update(ctx context.Context, rec models.TransferAttempt, status models.AttemptStatus, cause error) models.TransferAttempt {
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := s.Journal.SaveAttempt(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Warn("falha ao atualizar journal", zap.String("attempt_id", rec.ID), zap.Error(err))
	}
	return rec
}

func statusFor(err error) models.AttemptStatus {
	switch Classify(err) {
	case KindStaleBlockhash:
		return models.AttemptExpired
	case KindOnChain, KindRejected, KindInsufficientFunds, KindInvalid:
		return models.AttemptFailed
	}
	return models.AttemptSubmitted
}

var _ Chain = (*ChainClient)(nil)
