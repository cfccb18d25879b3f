package models

import "github.com/gagliardetto/solana-go"

// Wallet representa um par de chaves Solana carregado de um arquivo local ou de uma string base58.
// Vive apenas em memória durante a execução.
type Wallet struct {
	Label      string            `json:"label"`
	PrivateKey solana.PrivateKey `json:"-"`
}

// PublicKey retorna o endereço da conta.
func (w Wallet) PublicKey() solana.PublicKey {
	return w.PrivateKey.PublicKey()
}
