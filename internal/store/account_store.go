package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mail-archiver/internal/model"
)

const accountColumns = `
	id, name, email, kind, host, port, tls, username, secret_ref,
	tenant_id, client_id, mailbox, base_url, token_url,
	enabled, excluded_folders, retention_days, checkpoint,
	created_at, updated_at`

// UpsertAccount inserts an account or updates an existing one. When a
// connection-relevant field changed, the checkpoint is cleared so the
// next sync re-reads the whole mailbox; checkpointReset reports that.
func (s *SQLiteStore) UpsertAccount(
	ctx context.Context,
	acct model.Account,
) (bool, error) {
	excluded, err := marshalList(acct.ExcludedFolders)
	if err != nil {
		return false, fmt.Errorf("marshaling excluded folders: %w", err)
	}
	hash := acct.ConnectionFingerprint()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var previous string
	err = tx.GetContext(ctx, &previous,
		"SELECT config_hash FROM accounts WHERE id = ?", acct.ID)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("reading account %s: %w", acct.ID, err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (
			id, name, email, kind, host, port, tls, username, secret_ref,
			tenant_id, client_id, mailbox, base_url, token_url,
			enabled, excluded_folders, retention_days, config_hash,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			kind = excluded.kind,
			host = excluded.host,
			port = excluded.port,
			tls = excluded.tls,
			username = excluded.username,
			secret_ref = excluded.secret_ref,
			tenant_id = excluded.tenant_id,
			client_id = excluded.client_id,
			mailbox = excluded.mailbox,
			base_url = excluded.base_url,
			token_url = excluded.token_url,
			enabled = excluded.enabled,
			excluded_folders = excluded.excluded_folders,
			retention_days = excluded.retention_days,
			config_hash = excluded.config_hash,
			updated_at = excluded.updated_at`,
		acct.ID, acct.Name, acct.Email, string(acct.Kind),
		acct.Host, acct.Port, acct.TLS, acct.Username, acct.SecretRef,
		acct.TenantID, acct.ClientID, acct.Mailbox, acct.BaseURL, acct.TokenURL,
		boolToInt(acct.Enabled), excluded, acct.RetentionDays, hash,
		now, now,
	)
	if err != nil {
		return false, fmt.Errorf("upserting account %s: %w", acct.ID, err)
	}

	reset := exists && previous != hash
	if reset {
		_, err = tx.ExecContext(ctx,
			"UPDATE accounts SET checkpoint = NULL WHERE id = ?", acct.ID)
		if err != nil {
			return false, fmt.Errorf("resetting checkpoint for %s: %w", acct.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing account %s: %w", acct.ID, err)
	}
	return reset, nil
}

// GetAccount retrieves a single account by ID.
func (s *SQLiteStore) GetAccount(
	ctx context.Context,
	id string,
) (*model.Account, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT"+accountColumns+" FROM accounts WHERE id = ?", id)

	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}
	return &acct, nil
}

// GetAccounts retrieves all accounts ordered by name.
func (s *SQLiteStore) GetAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT"+accountColumns+" FROM accounts ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}

	return accounts, rows.Err()
}

// DeleteAccount removes an account together with its archived messages.
// Callers must make sure no job references the account.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE account_id = ?", id); err != nil {
		return fmt.Errorf("deleting messages of account %s: %w", id, err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}

	return tx.Commit()
}

// UpdateCheckpoint advances the account checkpoint.
func (s *SQLiteStore) UpdateCheckpoint(
	ctx context.Context,
	accountID string,
	at time.Time,
) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET checkpoint = ?, updated_at = ? WHERE id = ?",
		at.UTC(), time.Now().UTC(), accountID,
	)
	if err != nil {
		return fmt.Errorf("updating checkpoint for %s: %w", accountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return nil
}

// ResetCheckpoint clears the checkpoint, forcing a full resync.
func (s *SQLiteStore) ResetCheckpoint(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET checkpoint = NULL, updated_at = ? WHERE id = ?",
		time.Now().UTC(), accountID,
	)
	if err != nil {
		return fmt.Errorf("resetting checkpoint for %s: %w", accountID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scanner) (model.Account, error) {
	var (
		acct       model.Account
		kind       string
		enabled    int
		excluded   string
		checkpoint sql.NullTime
	)

	err := row.Scan(
		&acct.ID, &acct.Name, &acct.Email, &kind,
		&acct.Host, &acct.Port, &acct.TLS, &acct.Username, &acct.SecretRef,
		&acct.TenantID, &acct.ClientID, &acct.Mailbox, &acct.BaseURL, &acct.TokenURL,
		&enabled, &excluded, &acct.RetentionDays, &checkpoint,
		&acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, err
		}
		return model.Account{}, fmt.Errorf("scanning account row: %w", err)
	}

	acct.Kind = model.AccountKind(kind)
	acct.Enabled = enabled != 0
	if checkpoint.Valid {
		t := checkpoint.Time.UTC()
		acct.Checkpoint = &t
	}

	acct.ExcludedFolders, err = unmarshalList(excluded)
	if err != nil {
		return model.Account{}, fmt.Errorf("unmarshaling excluded folders: %w", err)
	}

	return acct, nil
}
