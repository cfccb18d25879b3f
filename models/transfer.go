package models

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// TransferRequest descreve uma transferência de tokens SPL. Amount está em unidades base do token.
type TransferRequest struct {
	Signer      Wallet           `json:"-"`
	Source      solana.PublicKey `json:"source"`
	Destination solana.PublicKey `json:"destination"`
	Mint        solana.PublicKey `json:"mint"`
	Amount      uint64           `json:"amount"`
	Decimals    uint8            `json:"decimals"`
}

// Key identifica a transferência no journal, independente da tentativa.
func (r TransferRequest) Key() string {
	return fmt.Sprintf("%s:%s:%s:%d", r.Mint, r.Source, r.Destination, r.Amount)
}

// TransactionReceipt é o resultado de uma transação enviada e confirmada.
type TransactionReceipt struct {
	Signature            solana.Signature   `json:"signature"`
	Blockhash            solana.Hash        `json:"blockhash"`
	LastValidBlockHeight uint64             `json:"last_valid_block_height"`
	Slot                 uint64             `json:"slot"`
	Commitment           rpc.CommitmentType `json:"commitment"`
	Elapsed              time.Duration      `json:"elapsed"`
}

// Submission guarda o que é preciso para acompanhar uma transação depois de assinada.
type Submission struct {
	Signature            solana.Signature
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
	Started              time.Time
}

// BalanceResult distingue um saldo consultado de uma consulta que falhou.
type BalanceResult struct {
	Address  solana.PublicKey `json:"address"`
	Lamports uint64           `json:"lamports"`
	Err      error            `json:"-"`
}

// OK indica se o saldo é válido.
func (b BalanceResult) OK() bool {
	return b.Err == nil
}

// AttemptStatus é o estado de uma tentativa de transferência no journal.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSubmitted AttemptStatus = "submitted"
	AttemptConfirmed AttemptStatus = "confirmed"
	AttemptFailed    AttemptStatus = "failed"
	AttemptExpired   AttemptStatus = "expired"
)

// TransferAttempt registra uma tentativa de envio. Serve para não reenviar uma transferência
// que já entrou na rede.
type TransferAttempt struct {
	ID                   string        `json:"id" db:"id"`
	RunID                string        `json:"run_id" db:"run_id"`
	TransferKey          string        `json:"transfer_key" db:"transfer_key"`
	Attempt              int           `json:"attempt" db:"attempt"`
	Amount               uint64        `json:"amount" db:"amount"`
	Signature            string        `json:"signature,omitempty" db:"signature"`
	Blockhash            string        `json:"blockhash,omitempty" db:"blockhash"`
	LastValidBlockHeight uint64        `json:"last_valid_block_height" db:"last_valid_block_height"`
	Status               AttemptStatus `json:"status" db:"status"`
	Error                string        `json:"error,omitempty" db:"error"`
	CreatedAt            time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at" db:"updated_at"`
}

// Terminal indica que a tentativa não muda mais de estado.
func (a TransferAttempt) Terminal() bool {
	return a.Status == AttemptConfirmed || a.Status == AttemptFailed || a.Status == AttemptExpired
}
