package services_test

import (
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ferreirogomes/splpay/services"
)

const lamportsPerSOL = 1_000_000_000

var testMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")

// writeKeyFile grava a chave no formato do solana-keygen (array JSON de bytes).
func writeKeyFile(t *testing.T, name string, secret []byte) string {
	t.Helper()
	values := make([]int, len(secret))
	for i, b := range secret {
		values[i] = int(b)
	}
	raw, err := json.Marshal(values)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

// seededKey gera uma chave determinística a partir de um byte.
func seededKey(b byte) ed25519.PrivateKey {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = b
	}
	return ed25519.NewKeyFromSeed(seed)
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func eventCount(logs *observer.ObservedLogs, event string) int {
	return logs.FilterField(zap.String("event", event)).Len()
}

func testClientConfig() services.ClientConfig {
	return services.ClientConfig{
		Endpoint:         "fake",
		ConfirmTimeout:   2 * time.Second,
		PollInterval:     time.Millisecond,
		ComputeUnitPrice: 100000,
		ComputeUnitLimit: 20000,
	}
}

// scenario monta duas carteiras em arquivo, o mint e a ATA do pagador com saldo.
type scenario struct {
	chain      *fakeChain
	client     *services.ChainClient
	logs       *observer.ObservedLogs
	log        *zap.Logger
	payerPath  string
	payeePath  string
	payer      solana.PublicKey
	payee      solana.PublicKey
	payerATA   solana.PublicKey
	payeeATA   solana.PublicKey
	payerFunds uint64
}

func newScenario(t *testing.T, payerTokens uint64, payeeHasATA bool) *scenario {
	t.Helper()
	chain := newFakeChain()
	log, logs := observedLogger()

	payerKey, payeeKey := seededKey(7), seededKey(9)
	s := &scenario{
		chain:      chain,
		client:     services.NewChainClient(chain, testClientConfig(), log),
		logs:       logs,
		log:        log,
		payerPath:  writeKeyFile(t, "payer.json", payerKey),
		payeePath:  writeKeyFile(t, "payee.json", payeeKey),
		payer:      solana.PrivateKey(payerKey).PublicKey(),
		payee:      solana.PrivateKey(payeeKey).PublicKey(),
		payerFunds: payerTokens,
	}

	chain.addMint(testMint, 6)
	chain.fund(s.payer, lamportsPerSOL)
	chain.fund(s.payee, lamportsPerSOL)
	s.payerATA = chain.addTokenAccount(s.payer, testMint, payerTokens)
	if payeeHasATA {
		s.payeeATA = chain.addTokenAccount(s.payee, testMint, 0)
	} else {
		s.payeeATA, _, _ = solana.FindAssociatedTokenAddress(s.payee, testMint)
	}
	return s
}

func (s *scenario) paymentService(cfg services.PaymentConfig) *services.PaymentService {
	cfg.Payer = s.payerPath
	cfg.Payee = s.payeePath
	cfg.Mint = testMint
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 2
	}
	return services.NewPaymentService(s.client, nil, cfg, s.log)
}
