package service

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jsusurcia/pryGobierno-sub000/model"
)

//go:embed schema_postgres.sql
var postgresSchema string

const pgContractColumns = `c.id, c.title, c.description, c.document_url, c.status, c.created_by, c.created_at`

// PostgresStore is the production Repository backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool for dsn. The schema is not applied; run Migrate.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("contract store initialized", "driver", "postgres", "max_conns", maxConns)
	return &PostgresStore{pool: pool}, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateContract(ctx context.Context, c model.Contract, signers []model.SignerAssignment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO contracts(id, title, description, document_url, status, created_by, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Title, c.Description, c.DocumentURL, string(c.Status), c.CreatedBy, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert contract: %w", err)
	}

	batch := &pgx.Batch{}
	for _, a := range signers {
		batch.Queue(`INSERT INTO contract_signers(contract_id, user_id, sign_order) VALUES($1, $2, $3)`,
			c.ID, a.UserID, a.Order)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert signers: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit contract: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContract(ctx context.Context, id string) (model.Contract, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgContractColumns+` FROM contracts c WHERE c.id = $1`, id)
	c, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Contract{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) ListSigners(ctx context.Context, contractID string) ([]model.SignerAssignment, error) {
	rows, err := s.pool.Query(ctx, `SELECT contract_id, user_id, sign_order, signed, signed_at, rejected, rejection_comment
FROM contract_signers WHERE contract_id = $1 ORDER BY sign_order`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SignerAssignment
	for rows.Next() {
		var a model.SignerAssignment
		if err := rows.Scan(&a.ContractID, &a.UserID, &a.Order, &a.Signed, &a.SignedAt, &a.Rejected, &a.RejectionComment); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := s.GetContract(ctx, contractID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) ListRejections(ctx context.Context, contractID string) ([]model.RejectionRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, contract_id, user_id, reason, created_at
FROM contract_rejections WHERE contract_id = $1 ORDER BY id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RejectionRecord
	for rows.Next() {
		var r model.RejectionRecord
		if err := rows.Scan(&r.ID, &r.ContractID, &r.UserID, &r.Reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListContracts(ctx context.Context, filter ContractFilter) ([]model.Contract, error) {
	var (
		query string
		args  []any
	)
	switch {
	case filter.CreatedBy != "":
		query = `SELECT ` + pgContractColumns + ` FROM contracts c WHERE c.created_by = $1 ORDER BY c.created_at DESC`
		args = []any{filter.CreatedBy}
	case filter.SignedBy != "":
		query = `SELECT ` + pgContractColumns + ` FROM contracts c
JOIN contract_signers s ON s.contract_id = c.id
WHERE s.user_id = $1 AND s.signed
ORDER BY c.created_at DESC`
		args = []any{filter.SignedBy}
	case filter.AwaitingUser != "":
		query = `SELECT ` + pgContractColumns + ` FROM contracts c
JOIN contract_signers s ON s.contract_id = c.id
WHERE c.status = 'P' AND s.user_id = $1 AND NOT s.signed AND NOT s.rejected
  AND NOT EXISTS (
    SELECT 1 FROM contract_signers p
    WHERE p.contract_id = c.id AND p.sign_order < s.sign_order AND (NOT p.signed OR p.rejected))
ORDER BY c.created_at DESC`
		args = []any{filter.AwaitingUser}
	default:
		query = `SELECT ` + pgContractColumns + ` FROM contracts c ORDER BY c.created_at DESC`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CommitSignature locks the contract row, checks it still points at
// ExpectedURL, and flips the assignment only if it is still open and first in line.
func (s *PostgresStore) CommitSignature(ctx context.Context, c SignatureCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockPendingContract(ctx, tx, c.ContractID, &c.ExpectedURL); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `UPDATE contract_signers s SET signed = TRUE, signed_at = $3
WHERE s.contract_id = $1 AND s.user_id = $2 AND NOT s.signed AND NOT s.rejected
  AND NOT EXISTS (
    SELECT 1 FROM contract_signers p
    WHERE p.contract_id = s.contract_id AND p.sign_order < s.sign_order AND (NOT p.signed OR p.rejected))`,
		c.ContractID, c.UserID, c.SignedAt)
	if err != nil {
		return fmt.Errorf("failed to mark signer: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}

	status := model.StatusPending
	if c.Finalize {
		status = model.StatusFinalized
	}
	if _, err := tx.Exec(ctx, `UPDATE contracts SET document_url = $2, status = $3 WHERE id = $1`,
		c.ContractID, c.DocumentURL, string(status)); err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit signature: %w", err)
	}
	return nil
}

func (s *PostgresStore) CommitRejection(ctx context.Context, c RejectionCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockPendingContract(ctx, tx, c.ContractID, nil); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `UPDATE contract_signers s SET rejected = TRUE, rejection_comment = $3
WHERE s.contract_id = $1 AND s.user_id = $2 AND NOT s.signed AND NOT s.rejected
  AND NOT EXISTS (
    SELECT 1 FROM contract_signers p
    WHERE p.contract_id = s.contract_id AND p.sign_order < s.sign_order AND (NOT p.signed OR p.rejected))`,
		c.ContractID, c.UserID, c.Reason)
	if err != nil {
		return fmt.Errorf("failed to mark rejection: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}

	if _, err := tx.Exec(ctx, `UPDATE contracts SET status = 'R' WHERE id = $1`, c.ContractID); err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO contract_rejections(contract_id, user_id, reason, created_at) VALUES($1, $2, $3, $4)`,
		c.ContractID, c.UserID, c.Reason, c.RejectedAt); err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rejection: %w", err)
	}
	return nil
}

// lockPendingContract takes a row lock on the contract and verifies it is
// still pending and, when expectedURL is set, unchanged.
func lockPendingContract(ctx context.Context, tx pgx.Tx, id string, expectedURL *string) error {
	var status, url string
	err := tx.QueryRow(ctx, `SELECT status, document_url FROM contracts WHERE id = $1 FOR UPDATE`, id).Scan(&status, &url)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock contract: %w", err)
	}
	if model.Status(status) != model.StatusPending {
		return ErrConflict
	}
	if expectedURL != nil && url != *expectedURL {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) SaveNotification(ctx context.Context, n model.Notification) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO notifications(id, user_id, title, message, ref_type, ref_id, created_at, read)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.UserID, n.Title, n.Message, n.RefType, n.RefID, n.CreatedAt, n.Read)
	return err
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, title, message, ref_type, ref_id, created_at, read
FROM notifications WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.RefType, &n.RefID, &n.CreatedAt, &n.Read); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanContract(row pgx.Row) (model.Contract, error) {
	var (
		c      model.Contract
		status string
	)
	if err := row.Scan(&c.ID, &c.Title, &c.Description, &c.DocumentURL, &status, &c.CreatedBy, &c.CreatedAt); err != nil {
		return model.Contract{}, err
	}
	c.Status = model.Status(status)
	return c, nil
}
