package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ferreirogomes/splpay/models"
)

var attemptsBucket = []byte("attempts")

// BoltJournal guarda as tentativas em um arquivo local, em JSON, uma chave por ID.
type BoltJournal struct {
	db *bolt.DB
}

func NewBoltJournal(path string) (*BoltJournal, error) {
	if path == "" {
		return nil, fmt.Errorf("caminho do journal bolt não informado")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("falha ao criar diretório do journal: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("falha ao abrir journal bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(attemptsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("falha ao criar bucket: %w", err)
	}
	return &BoltJournal{db: db}, nil
}

func (b *BoltJournal) SaveAttempt(_ context.Context, a models.TransferAttempt) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("falha ao serializar tentativa: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(attemptsBucket).Put([]byte(a.ID), raw)
	})
}

func (b *BoltJournal) GetAttempt(_ context.Context, id string) (models.TransferAttempt, bool, error) {
	var (
		out   models.TransferAttempt
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(attemptsBucket).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return models.TransferAttempt{}, false, fmt.Errorf("falha ao ler tentativa %s: %w", id, err)
	}
	return out, found, nil
}

func (b *BoltJournal) LatestAttempt(_ context.Context, runID string) (models.TransferAttempt, bool, error) {
	all, err := b.all()
	if err != nil {
		return models.TransferAttempt{}, false, err
	}
	a, ok := latestOf(all, runID)
	return a, ok, nil
}

func (b *BoltJournal) LatestByKey(_ context.Context, key string) (models.TransferAttempt, bool, error) {
	all, err := b.all()
	if err != nil {
		return models.TransferAttempt{}, false, err
	}
	a, ok := latestByKey(all, key)
	return a, ok, nil
}

func (b *BoltJournal) ListAttempts(_ context.Context, limit int) ([]models.TransferAttempt, error) {
	all, err := b.all()
	if err != nil {
		return nil, err
	}
	sortRecent(all)
	if limit = clampLimit(limit); len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (b *BoltJournal) Close() error {
	return b.db.Close()
}

func (b *BoltJournal) all() ([]models.TransferAttempt, error) {
	var out []models.TransferAttempt
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(attemptsBucket).ForEach(func(k, v []byte) error {
			var a models.TransferAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("registro %s corrompido: %w", k, err)
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("falha ao ler journal: %w", err)
	}
	return out, nil
}
