package service

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jsusurcia/pryGobierno-sub000/model"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

const sqliteContractColumns = `c.id, c.title, c.description, c.document_url, c.status, c.created_by, c.created_at`

// SQLiteStore is a single-file Repository for small deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	slog.Info("contract store initialized", "driver", "sqlite", "path", path)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateContract(ctx context.Context, c model.Contract, signers []model.SignerAssignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO contracts(id, title, description, document_url, status, created_by, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Description, c.DocumentURL, string(c.Status), c.CreatedBy, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert contract: %w", err)
	}
	for _, a := range signers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO contract_signers(contract_id, user_id, sign_order) VALUES(?, ?, ?)`,
			c.ID, a.UserID, a.Order); err != nil {
			return fmt.Errorf("failed to insert signer %s: %w", a.UserID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetContract(ctx context.Context, id string) (model.Contract, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteContractColumns+` FROM contracts c WHERE c.id = ?`, id)
	c, err := scanSQLContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Contract{}, ErrNotFound
	}
	return c, err
}

func (s *SQLiteStore) ListSigners(ctx context.Context, contractID string) ([]model.SignerAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT contract_id, user_id, sign_order, signed, signed_at, rejected, rejection_comment
FROM contract_signers WHERE contract_id = ? ORDER BY sign_order`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SignerAssignment
	for rows.Next() {
		var (
			a        model.SignerAssignment
			signedAt sql.NullTime
		)
		if err := rows.Scan(&a.ContractID, &a.UserID, &a.Order, &a.Signed, &signedAt, &a.Rejected, &a.RejectionComment); err != nil {
			return nil, err
		}
		if signedAt.Valid {
			t := signedAt.Time
			a.SignedAt = &t
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

func (s *SQLiteStore) ListRejections(ctx context.Context, contractID string) ([]model.RejectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, contract_id, user_id, reason, created_at
FROM contract_rejections WHERE contract_id = ? ORDER BY id`, contractID)
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

func (s *SQLiteStore) ListContracts(ctx context.Context, filter ContractFilter) ([]model.Contract, error) {
	var (
		query string
		args  []any
	)
	switch {
	case filter.CreatedBy != "":
		query = `SELECT ` + sqliteContractColumns + ` FROM contracts c WHERE c.created_by = ? ORDER BY c.created_at DESC`
		args = []any{filter.CreatedBy}
	case filter.SignedBy != "":
		query = `SELECT ` + sqliteContractColumns + ` FROM contracts c
JOIN contract_signers s ON s.contract_id = c.id
WHERE s.user_id = ? AND s.signed
ORDER BY c.created_at DESC`
		args = []any{filter.SignedBy}
	case filter.AwaitingUser != "":
		query = `SELECT ` + sqliteContractColumns + ` FROM contracts c
JOIN contract_signers s ON s.contract_id = c.id
WHERE c.status = 'P' AND s.user_id = ? AND NOT s.signed AND NOT s.rejected
  AND NOT EXISTS (
    SELECT 1 FROM contract_signers p
    WHERE p.contract_id = c.id AND p.sign_order < s.sign_order AND (NOT p.signed OR p.rejected))
ORDER BY c.created_at DESC`
		args = []any{filter.AwaitingUser}
	default:
		query = `SELECT ` + sqliteContractColumns + ` FROM contracts c ORDER BY c.created_at DESC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contract
	for rows.Next() {
		c, err := scanSQLContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CommitSignature(ctx context.Context, c SignatureCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkCommitTarget(ctx, tx, c.ContractID, c.UserID); err != nil {
		return err
	}

	status := model.StatusPending
	if c.Finalize {
		status = model.StatusFinalized
	}
	res, err := tx.ExecContext(ctx, `UPDATE contracts SET document_url = ?, status = ?
WHERE id = ? AND status = 'P' AND document_url = ?`,
		c.DocumentURL, string(status), c.ContractID, c.ExpectedURL)
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx, `UPDATE contract_signers SET signed = 1, signed_at = ?
WHERE contract_id = ? AND user_id = ? AND NOT signed AND NOT rejected
  AND NOT EXISTS (
    SELECT 1 FROM contract_signers p
    WHERE p.contract_id = contract_signers.contract_id
      AND p.sign_order < contract_signers.sign_order AND (NOT p.signed OR p.rejected))`,
		c.SignedAt, c.ContractID, c.UserID)
	if err != nil {
		return fmt.Errorf("failed to mark signer: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) CommitRejection(ctx context.Context, c RejectionCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkCommitTarget(ctx, tx, c.ContractID, c.UserID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `UPDATE contracts SET status = 'R' WHERE id = ? AND status = 'P'`, c.ContractID)
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx, `UPDATE contract_signers SET rejected = 1, rejection_comment = ?
WHERE contract_id = ? AND user_id = ? AND NOT signed AND NOT rejected
  AND NOT EXISTS (
    SELECT 1 FROM contract_signers p
    WHERE p.contract_id = contract_signers.contract_id
      AND p.sign_order < contract_signers.sign_order AND (NOT p.signed OR p.rejected))`,
		c.Reason, c.ContractID, c.UserID)
	if err != nil {
		return fmt.Errorf("failed to mark rejection: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO contract_rejections(contract_id, user_id, reason, created_at) VALUES(?, ?, ?, ?)`,
		c.ContractID, c.UserID, c.Reason, c.RejectedAt); err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}
	return tx.Commit()
}

// checkCommitTarget distinguishes a missing contract or assignment (ErrNotFound)
// from a lost compare-and-set (ErrConflict, reported by the updates).
func (s *SQLiteStore) checkCommitTarget(ctx context.Context, tx *sql.Tx, contractID, userID string) error {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM contract_signers WHERE contract_id = ? AND user_id = ?`,
		contractID, userID).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to look up signer: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) SaveNotification(ctx context.Context, n model.Notification) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO notifications(id, user_id, title, message, ref_type, ref_id, created_at, read)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Title, n.Message, n.RefType, n.RefID, n.CreatedAt, n.Read)
	return err
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, userID string) ([]model.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, title, message, ref_type, ref_id, created_at, read
FROM notifications WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`, userID)
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLContract(row sqlScanner) (model.Contract, error) {
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
