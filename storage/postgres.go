package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	migrate "github.com/rubenv/sql-migrate"

	"github.com/ferreirogomes/splpay/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DB representa a conexão com o banco de dados PostgreSQL.
type DB struct {
	*sqlx.DB
	// Migrations é o número de migrações aplicadas na abertura.
	Migrations int
}

// NewDB conecta-se ao PostgreSQL e executa as migrações.
func NewDB(dataSourceName string) (*DB, error) {
	db, err := sqlx.Connect("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("falha ao conectar ao banco de dados: %w", err)
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("falha ao pingar o banco de dados: %w", err)
	}

	n, err := runMigrations(db.DB)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("falha ao executar migrações: %w", err)
	}

	return &DB{DB: db, Migrations: n}, nil
}

// runMigrations executa as migrações embutidas usando sql-migrate.
func runMigrations(db *sql.DB) (int, error) {
	migrations := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFiles,
		Root:       "migrations",
	}

	n, err := migrate.Exec(db, "postgres", migrations, migrate.Up)
	if err != nil {
		return 0, fmt.Errorf("erro ao aplicar migrações: %w", err)
	}
	return n, nil
}

const attemptColumns = `id, run_id, transfer_key, attempt, amount, signature, blockhash,
	last_valid_block_height, status, error, created_at, updated_at`

// attemptRow grava amount como texto: o driver não aceita uint64 acima de MaxInt64.
type attemptRow struct {
	models.TransferAttempt
	Amount string `db:"amount"`
}

// SaveAttempt insere ou atualiza a tentativa pelo ID.
func (d *DB) SaveAttempt(ctx context.Context, a models.TransferAttempt) error {
	row := attemptRow{TransferAttempt: a, Amount: strconv.FormatUint(a.Amount, 10)}
	query := `INSERT INTO transfer_attempts (` + attemptColumns + `)
		VALUES (:id, :run_id, :transfer_key, :attempt, :amount, :signature, :blockhash,
			:last_valid_block_height, :status, :error, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			signature = EXCLUDED.signature,
			blockhash = EXCLUDED.blockhash,
			last_valid_block_height = EXCLUDED.last_valid_block_height,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`
	if _, err := d.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("falha ao salvar tentativa %s: %w", a.ID, err)
	}
	return nil
}

func (d *DB) GetAttempt(ctx context.Context, id string) (models.TransferAttempt, bool, error) {
	var a models.TransferAttempt
	err := d.GetContext(ctx, &a, `SELECT `+attemptColumns+` FROM transfer_attempts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TransferAttempt{}, false, nil
	}
	if err != nil {
		return models.TransferAttempt{}, false, fmt.Errorf("falha ao buscar tentativa %s: %w", id, err)
	}
	return a, true, nil
}

func (d *DB) LatestAttempt(ctx context.Context, runID string) (models.TransferAttempt, bool, error) {
	var a models.TransferAttempt
	err := d.GetContext(ctx, &a, `SELECT `+attemptColumns+` FROM transfer_attempts
		WHERE run_id = $1 ORDER BY attempt DESC, created_at DESC LIMIT 1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TransferAttempt{}, false, nil
	}
	if err != nil {
		return models.TransferAttempt{}, false, fmt.Errorf("falha ao buscar última tentativa da execução %s: %w", runID, err)
	}
	return a, true, nil
}

func (d *DB) LatestByKey(ctx context.Context, key string) (models.TransferAttempt, bool, error) {
	var a models.TransferAttempt
	err := d.GetContext(ctx, &a, `SELECT `+attemptColumns+` FROM transfer_attempts
		WHERE transfer_key = $1 ORDER BY created_at DESC, attempt DESC LIMIT 1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TransferAttempt{}, false, nil
	}
	if err != nil {
		return models.TransferAttempt{}, false, fmt.Errorf("falha ao buscar tentativa da transferência %s: %w", key, err)
	}
	return a, true, nil
}

func (d *DB) ListAttempts(ctx context.Context, limit int) ([]models.TransferAttempt, error) {
	attempts := []models.TransferAttempt{}
	err := d.SelectContext(ctx, &attempts, `SELECT `+attemptColumns+` FROM transfer_attempts
		ORDER BY created_at DESC, attempt DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("falha ao listar tentativas: %w", err)
	}
	return attempts, nil
}
