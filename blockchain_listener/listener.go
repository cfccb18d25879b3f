package blockchain_listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws" // Para WebSockets
	"go.uber.org/zap"

	"github.com/ferreirogomes/splpay/logger"
)

// ErrTransactionFailed indica que a transação entrou em um bloco mas a execução falhou.
var ErrTransactionFailed = errors.New("transação falhou na rede")

// SignatureListener espera confirmações pelo websocket do nó (signatureSubscribe).
type SignatureListener struct {
	WSClient *ws.Client // Cliente WebSocket para subscrições
	log      *zap.Logger
}

// NewSignatureListener conecta ao endpoint websocket (ws:// ou wss://).
func NewSignatureListener(ctx context.Context, wsEndpoint string, log *zap.Logger) (*SignatureListener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	wsClient, err := ws.Connect(ctx, wsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("falha ao conectar ao WebSocket Solana %s: %w", wsEndpoint, err)
	}
	return &SignatureListener{WSClient: wsClient, log: log.Named("listener")}, nil
}

// Wait retorna quando a assinatura atinge o commitment pedido. Se a transação falhou
// na execução, o erro embrulha ErrTransactionFailed.
func (l *SignatureListener) Wait(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) error {
	start := time.Now()
	sub, err := l.WSClient.SignatureSubscribe(sig, commitment)
	if err != nil {
		return fmt.Errorf("falha ao subscrever a assinatura %s: %w", sig, err)
	}
	defer sub.Unsubscribe()

	got, err := sub.Recv(ctx)
	if err != nil {
		return fmt.Errorf("erro ao receber notificação de %s: %w", sig, err)
	}
	if got == nil {
		return fmt.Errorf("notificação vazia para %s", sig)
	}
	if got.Value.Err != nil {
		l.log.Warn("transação falhou", zap.Stringer("signature", sig), zap.Any("err", got.Value.Err))
		return fmt.Errorf("%w: %s: %v", ErrTransactionFailed, sig, got.Value.Err)
	}

	l.log.Debug("notificação recebida",
		logger.Event("signature.notified"),
		zap.Stringer("signature", sig),
		zap.Uint64("slot", got.Context.Slot),
		zap.String("commitment", string(commitment)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Close encerra a conexão websocket.
func (l *SignatureListener) Close() {
	l.WSClient.Close()
}
