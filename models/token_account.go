package models

import "github.com/gagliardetto/solana-go"

// TokenAccount é a conta associada (ATA) que guarda o saldo de um token para uma carteira.
type TokenAccount struct {
	Address solana.PublicKey `json:"address"`
	Owner   solana.PublicKey `json:"owner"`
	Mint    solana.PublicKey `json:"mint"`
	Created bool             `json:"created"` // true quando a conta foi criada nesta execução
}
