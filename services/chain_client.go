package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"go.uber.org/zap"

	"github.com/ferreirogomes/splpay/blockchain_listener"
	"github.com/ferreirogomes/splpay/logger"
	"github.com/ferreirogomes/splpay/models"
)

// RPC é o subconjunto de *rpc.Client usado pelo ChainClient.
type RPC interface {
	GetHealth(ctx context.Context) (string, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment rpc.CommitmentType) (uint64, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// SignatureWaiter aguarda a confirmação de uma assinatura por um canal push (websocket).
type SignatureWaiter interface {
	Wait(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) error
}

// ClientConfig reúne as constantes que antes eram globais: endpoint, commitment e compute budget.
type ClientConfig struct {
	Endpoint         string
	WSEndpoint       string
	Commitment       rpc.CommitmentType
	RequestTimeout   time.Duration
	ConfirmTimeout   time.Duration
	PollInterval     time.Duration
	ComputeUnitPrice uint64 // micro-lamports por unidade de computação
	ComputeUnitLimit uint32
	ExplorerURL      string
}

// ChainClient concentra toda a interação com o nó Solana.
type ChainClient struct {
	RPCClient RPC
	Listener  SignatureWaiter
	cfg       ClientConfig
	log       *zap.Logger
}

// NewChainClient monta o cliente sobre um RPC já construído. Usado também pelos testes.
func NewChainClient(rpcClient RPC, cfg ClientConfig, log *zap.Logger) *ChainClient {
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentFinalized
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ChainClient{
		RPCClient: rpcClient,
		cfg:       cfg,
		log:       log.Named("chain"),
	}
}

// Connect cria o cliente RPC para um endpoint e verifica que o nó responde.
// Não há retry aqui: falha de conexão é devolvida imediatamente.
func Connect(ctx context.Context, cfg ClientConfig, log *zap.Logger) (*ChainClient, error) {
	opts := &jsonrpc.RPCClientOpts{
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
	}
	rpcClient := rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(cfg.Endpoint, opts))

	c := NewChainClient(rpcClient, cfg, log)

	health, err := rpcClient.GetHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("falha ao conectar ao RPC %s: %w", cfg.Endpoint, err)
	}
	c.log.Info("conectado ao RPC",
		logger.Event("rpc.connected"),
		zap.String("endpoint", cfg.Endpoint),
		zap.String("health", health),
		zap.String("commitment", string(c.cfg.Commitment)),
	)

	if cfg.WSEndpoint != "" {
		listener, err := blockchain_listener.NewSignatureListener(ctx, cfg.WSEndpoint, c.log)
		if err != nil {
			// Sem websocket a confirmação segue por polling.
			c.log.Warn("websocket indisponível, usando polling", zap.String("endpoint", cfg.WSEndpoint), zap.Error(err))
		} else {
			c.Listener = listener
		}
	}
	return c, nil
}

// Close libera o websocket, se houver.
func (c *ChainClient) Close() {
	if l, ok := c.Listener.(*blockchain_listener.SignatureListener); ok {
		l.Close()
	}
}

// Commitment é o nível padrão usado nas consultas.
func (c *ChainClient) Commitment() rpc.CommitmentType {
	return c.cfg.Commitment
}

// GetBalance consulta o saldo nativo em lamports. Falhas ficam dentro do resultado.
func (c *ChainClient) GetBalance(ctx context.Context, address solana.PublicKey) models.BalanceResult {
	out, err := c.RPCClient.GetBalance(ctx, address, c.cfg.Commitment)
	if err == nil && out == nil {
		err = errors.New("resposta vazia do RPC")
	}
	if err != nil {
		qerr := &BalanceQueryError{Address: address, Err: err}
		c.log.Warn("falha ao obter saldo", logger.Event("balance.failed"), zap.Stringer("address", address), zap.Error(err))
		return models.BalanceResult{Address: address, Err: qerr}
	}

	c.log.Info("saldo consultado",
		logger.Event("balance.queried"),
		zap.Stringer("address", address),
		zap.Uint64("lamports", out.Value),
		zap.String("sol", FormatAmount(out.Value, SolDecimals)),
	)
	return models.BalanceResult{Address: address, Lamports: out.Value}
}

// GetTokenBalance retorna o saldo de uma conta de token em unidades base.
func (c *ChainClient) GetTokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := c.RPCClient.GetTokenAccountBalance(ctx, account, c.cfg.Commitment)
	if err != nil {
		return 0, fmt.Errorf("falha ao obter saldo da conta de token %s: %w", account, err)
	}
	if out == nil || out.Value == nil {
		return 0, fmt.Errorf("saldo da conta de token %s não retornado", account)
	}
	amount, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("saldo inválido %q para %s: %w", out.Value.Amount, account, err)
	}
	return amount, nil
}

// MintDecimals lê os decimais declarados no próprio mint.
func (c *ChainClient) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	data, owner, err := c.accountData(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("falha ao ler mint %s: %w", mint, err)
	}
	if data == nil {
		return 0, fmt.Errorf("%w: %s não encontrado", ErrInvalidMint, mint)
	}
	if !owner.Equals(token.ProgramID) {
		return 0, fmt.Errorf("%w: %s pertence ao programa %s, não ao SPL Token", ErrInvalidMint, mint, owner)
	}

	var m token.Mint
	if err := bin.NewBinDecoder(data).Decode(&m); err != nil {
		return 0, fmt.Errorf("%w: falha ao decodificar %s: %v", ErrInvalidMint, mint, err)
	}
	if !m.IsInitialized {
		return 0, fmt.Errorf("%w: %s não inicializado", ErrInvalidMint, mint)
	}
	return m.Decimals, nil
}

// SignatureStatus devolve o status da assinatura na rede, ou nil se o nó não a conhece.
func (c *ChainClient) SignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	out, err := c.RPCClient.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("falha ao verificar status da transação %s: %w", sig, err)
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

// BlockHeight é a altura atual, usada para saber se um blockhash expirou.
func (c *ChainClient) BlockHeight(ctx context.Context) (uint64, error) {
	height, err := c.RPCClient.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("falha ao obter altura do bloco: %w", err)
	}
	return height, nil
}

// accountData devolve (nil, zero, nil) quando a conta não existe.
func (c *ChainClient) accountData(ctx context.Context, address solana.PublicKey) ([]byte, solana.PublicKey, error) {
	out, err := c.RPCClient.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: c.cfg.Commitment,
		Encoding:   solana.EncodingBase64,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, solana.PublicKey{}, nil
	}
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	if out == nil || out.Value == nil || out.Value.Data == nil {
		return nil, solana.PublicKey{}, nil
	}
	return out.Value.Data.GetBinary(), out.Value.Owner, nil
}

func (c *ChainClient) explorerLink(sig solana.Signature) string {
	if c.cfg.ExplorerURL == "" {
		return sig.String()
	}
	return c.cfg.ExplorerURL + sig.String()
}
