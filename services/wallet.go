package services

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/ferreirogomes/splpay/logger"
	"github.com/ferreirogomes/splpay/models"
)

// LoadWallet carrega uma carteira de um arquivo JSON com os bytes da chave secreta
// (formato do solana-keygen) ou, se isso falhar, de uma string base58.
func (c *ChainClient) LoadWallet(source string) (models.Wallet, error) {
	return LoadWallet(source, c.log)
}

// LoadWallet é a versão sem cliente, usada antes da conexão com o RPC.
func LoadWallet(source string, log *zap.Logger) (models.Wallet, error) {
	if log == nil {
		log = zap.NewNop()
	}

	secret, fileErr := readKeyFile(source)
	label := source
	if fileErr != nil {
		var b58Err error
		secret, b58Err = decodeBase58Key(source)
		if b58Err != nil {
			return models.Wallet{}, &WalletLoadError{Source: redact(source), FileErr: fileErr, Base58Err: b58Err}
		}
		// Nunca registrar a chave em si.
		label = "inline"
	}

	key, mismatch, err := privateKeyFromSecret(secret)
	if err != nil {
		return models.Wallet{}, &WalletLoadError{Source: redact(source), FileErr: fileErr, Base58Err: err}
	}
	if mismatch {
		log.Warn("chave pública embutida não corresponde à semente, usando a derivada",
			zap.String("wallet", label),
			zap.Stringer("derived", key.PublicKey()),
		)
	}

	wallet := models.Wallet{Label: label, PrivateKey: key}
	log.Info("carteira carregada",
		logger.Event("wallet.loaded"),
		zap.String("wallet", label),
		zap.Stringer("public_key", wallet.PublicKey()),
	)
	return wallet, nil
}

func readKeyFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)

	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("arquivo %s não é um array JSON de bytes: %w", path, err)
	}
	secret := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("byte fora do intervalo na posição %d: %d", i, v)
		}
		secret[i] = byte(v)
	}
	return secret, nil
}

func decodeBase58Key(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("string vazia")
	}
	secret, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("base58 inválido: %w", err)
	}
	return secret, nil
}

// privateKeyFromSecret aceita uma semente de 32 bytes ou uma chave de 64 bytes.
// A chave pública é sempre derivada da semente.
func privateKeyFromSecret(secret []byte) (solana.PrivateKey, bool, error) {
	switch len(secret) {
	case ed25519.SeedSize:
		return solana.PrivateKey(ed25519.NewKeyFromSeed(secret)), false, nil
	case ed25519.PrivateKeySize:
		derived := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
		mismatch := !bytes.Equal(derived[ed25519.SeedSize:], secret[ed25519.SeedSize:])
		return solana.PrivateKey(derived), mismatch, nil
	}
	return nil, false, fmt.Errorf("tamanho de chave inválido: %d bytes (esperado 32 ou 64)", len(secret))
}

// redact evita que uma chave base58 apareça em mensagens de erro.
func redact(source string) string {
	if _, err := os.Stat(source); err == nil || strings.ContainsAny(source, "/\\.") {
		return source
	}
	if len(source) > 8 {
		return source[:4] + "..."
	}
	return source
}
