package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ferreirogomes/splpay/models"
)

// Journal registra as tentativas de transferência. SaveAttempt sobrescreve pelo ID.
type Journal interface {
	SaveAttempt(ctx context.Context, a models.TransferAttempt) error
	GetAttempt(ctx context.Context, id string) (models.TransferAttempt, bool, error)
	LatestAttempt(ctx context.Context, runID string) (models.TransferAttempt, bool, error)
	// LatestByKey devolve a tentativa mais recente da mesma transferência, de qualquer execução.
	LatestByKey(ctx context.Context, key string) (models.TransferAttempt, bool, error)
	ListAttempts(ctx context.Context, limit int) ([]models.TransferAttempt, error)
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// DefaultListLimit é usado quando ListAttempts recebe limite <= 0.
const DefaultListLimit = 50

var ErrUnknownDriver = errors.New("driver de journal desconhecido")

// Open abre o journal do driver pedido.
func Open(driver, dsn string) (Journal, error) {
	switch driver {
	case DriverMemory, "":
		return NewMemoryJournal(), nil
	case DriverBolt:
		return NewBoltJournal(dsn)
	case DriverPostgres:
		return NewDB(dsn)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
}

// sortRecent ordena do mais recente para o mais antigo.
func sortRecent(attempts []models.TransferAttempt) {
	sort.SliceStable(attempts, func(i, j int) bool {
		if attempts[i].CreatedAt.Equal(attempts[j].CreatedAt) {
			return attempts[i].Attempt > attempts[j].Attempt
		}
		return attempts[i].CreatedAt.After(attempts[j].CreatedAt)
	})
}

func latestOf(attempts []models.TransferAttempt, runID string) (models.TransferAttempt, bool) {
	var out models.TransferAttempt
	found := false
	for _, a := range attempts {
		if a.RunID != runID {
			continue
		}
		if !found || a.Attempt > out.Attempt || (a.Attempt == out.Attempt && a.CreatedAt.After(out.CreatedAt)) {
			out, found = a, true
		}
	}
	return out, found
}

func latestByKey(attempts []models.TransferAttempt, key string) (models.TransferAttempt, bool) {
	var out models.TransferAttempt
	found := false
	for _, a := range attempts {
		if a.TransferKey != key {
			continue
		}
		if !found || a.CreatedAt.After(out.CreatedAt) || (a.CreatedAt.Equal(out.CreatedAt) && a.Attempt > out.Attempt) {
			out, found = a, true
		}
	}
	return out, found
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
