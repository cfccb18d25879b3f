package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	ErrInvalidAmount       = errors.New("valor da transferência deve ser maior que zero")
	ErrSameAccount         = errors.New("conta de origem e destino são a mesma")
	ErrInsufficientFunds   = errors.New("saldo insuficiente para transferência")
	ErrBlockhashExpired    = errors.New("blockhash expirou antes da confirmação")
	ErrConfirmationTimeout = errors.New("tempo esgotado aguardando confirmação")
	ErrDecimalsMismatch    = errors.New("decimais configurados não conferem com o mint")
	ErrAccountMismatch     = errors.New("conta de token não pertence à carteira ou ao mint esperado")
	ErrInvalidMint         = errors.New("mint inválido")
	ErrJournal             = errors.New("falha no journal de tentativas")
)

// WalletLoadError indica que a fonte não é um arquivo JSON válido nem uma chave base58.
type WalletLoadError struct {
	Source    string
	FileErr   error
	Base58Err error
}

func (e *WalletLoadError) Error() string {
	return fmt.Sprintf("falha ao carregar carteira %q: arquivo JSON: %v; base58: %v", e.Source, e.FileErr, e.Base58Err)
}

func (e *WalletLoadError) Unwrap() []error {
	return []error{e.FileErr, e.Base58Err}
}

// BalanceQueryError é tolerado pelo orquestrador: o saldo fica como desconhecido.
type BalanceQueryError struct {
	Address solana.PublicKey
	Err     error
}

func (e *BalanceQueryError) Error() string {
	return fmt.Sprintf("falha ao obter saldo de %s: %v", e.Address, e.Err)
}

func (e *BalanceQueryError) Unwrap() error { return e.Err }

// AccountResolutionError aborta a tentativa atual.
type AccountResolutionError struct {
	Owner solana.PublicKey
	Mint  solana.PublicKey
	Err   error
}

func (e *AccountResolutionError) Error() string {
	return fmt.Sprintf("falha ao resolver conta de token de %s (mint %s): %v", e.Owner, e.Mint, e.Err)
}

func (e *AccountResolutionError) Unwrap() error { return e.Err }

// TransferErrorKind classifica a falha de uma transação para a política de retry.
type TransferErrorKind int

const (
	KindRPC TransferErrorKind = iota
	KindStaleBlockhash
	KindTimeout
	KindInsufficientFunds
	KindRejected
	KindOnChain
	KindInvalid
	KindCanceled
	KindJournal
)

func (k TransferErrorKind) String() string {
	switch k {
	case KindRPC:
		return "rpc"
	case KindStaleBlockhash:
		return "stale_blockhash"
	case KindTimeout:
		return "timeout"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindRejected:
		return "rejected"
	case KindOnChain:
		return "on_chain"
	case KindInvalid:
		return "invalid"
	case KindCanceled:
		return "canceled"
	case KindJournal:
		return "journal"
	}
	return "unknown"
}

// Retryable indica se repetir o fluxo pode dar certo.
func (k TransferErrorKind) Retryable() bool {
	return k == KindRPC || k == KindStaleBlockhash || k == KindTimeout
}

// TransferError cobre montagem, assinatura, envio e confirmação de uma transação.
type TransferError struct {
	Kind      TransferErrorKind
	Signature solana.Signature
	Err       error
}

func (e *TransferError) Error() string {
	if e.Signature == (solana.Signature{}) {
		return fmt.Sprintf("falha na transferência (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("falha na transferência %s (%s): %v", e.Signature, e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func newTransferError(sig solana.Signature, err error) *TransferError {
	var te *TransferError
	if errors.As(err, &te) {
		if te.Signature == (solana.Signature{}) {
			te.Signature = sig
		}
		return te
	}
	return &TransferError{Kind: Classify(err), Signature: sig, Err: err}
}

// Classify mapeia um erro de RPC, transporte ou confirmação para um TransferErrorKind.
func Classify(err error) TransferErrorKind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrBlockhashExpired):
		return KindStaleBlockhash
	case errors.Is(err, ErrConfirmationTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameAccount),
		errors.Is(err, ErrDecimalsMismatch), errors.Is(err, ErrAccountMismatch),
		errors.Is(err, ErrInvalidMint):
		return KindInvalid
	case errors.Is(err, ErrJournal):
		return KindJournal
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return classifyRPCMessage(rpcErr.Code, rpcErr.Message+" "+fmt.Sprint(rpcErr.Data))
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindRPC
	}
	return KindRPC
}

// Códigos JSON-RPC do validador.
const (
	rpcCodeSendTransactionPreflightFailure = -32002
	rpcCodeBlockhashNotFound               = -32008 // usado por alguns provedores
	rpcCodeSignatureVerificationFailure    = -32003
)

// 0x1 é TokenError::InsufficientFunds no programa SPL Token.
var insufficientFundsProgramError = regexp.MustCompile(`custom program error: 0x1\b`)

func classifyRPCMessage(code int, msg string) TransferErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "blockhash not found"),
		strings.Contains(lower, "block height exceeded"),
		code == rpcCodeBlockhashNotFound:
		return KindStaleBlockhash
	case strings.Contains(lower, "insufficient funds"),
		strings.Contains(lower, "insufficient lamports"),
		insufficientFundsProgramError.MatchString(lower):
		return KindInsufficientFunds
	case code == rpcCodeSignatureVerificationFailure,
		strings.Contains(lower, "signature verification"),
		strings.Contains(lower, "missing signature"):
		return KindRejected
	case code == rpcCodeSendTransactionPreflightFailure:
		return KindOnChain
	}
	return KindRPC
}

// IsRetryable decide se o orquestrador deve tentar de novo após err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var wl *WalletLoadError
	if errors.As(err, &wl) {
		return false
	}
	return Classify(err).Retryable()
}
