// Package registry is the durable account registry: one record per login
// identifier holding the encrypted login secret and the persisted folder
// tree. The sync engine only ever reads and writes whole folder trees and
// the ciphertext; it assumes nothing else about the schema.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lunamail/syncd/internal/models"
)

// ErrAccountNotFound is returned when no account exists for a login
// identifier.
var ErrAccountNotFound = errors.New("account not found")

// Registry is the account registry collaborator.
type Registry interface {
	Find(ctx context.Context, user string) (*models.Account, error)
	All(ctx context.Context) ([]*models.Account, error)
	Insert(ctx context.Context, account *models.Account) error
	UpdateFolders(ctx context.Context, user string, folders models.FolderTree) error
	UpdateSecret(ctx context.Context, user, ciphertext string) error
}

// PostgresRegistry is the pgx-backed registry.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry creates a registry over a shared connection pool.
func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

// Find returns one account, or ErrAccountNotFound.
func (r *PostgresRegistry) Find(ctx context.Context, user string) (*models.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT "user", password, folders FROM accounts WHERE "user" = $1
	`, user)

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", user, err)
	}
	return account, nil
}

// All returns every registered account.
func (r *PostgresRegistry) All(ctx context.Context) ([]*models.Account, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT "user", password, folders FROM accounts ORDER BY "user"
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// Insert registers a new account. The login identifier must be unused.
func (r *PostgresRegistry) Insert(ctx context.Context, account *models.Account) error {
	folders, err := marshalFolders(account.Folders)
	if err != nil {
		return err
	}

	if _, err := r.pool.Exec(ctx, `
		INSERT INTO accounts ("user", password, folders) VALUES ($1, $2, $3)
	`, account.User, account.Secret, folders); err != nil {
		return fmt.Errorf("failed to insert account %s: %w", account.User, err)
	}
	return nil
}

// UpdateFolders replaces the persisted folder tree for one account.
func (r *PostgresRegistry) UpdateFolders(ctx context.Context, user string, tree models.FolderTree) error {
	folders, err := marshalFolders(tree)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts SET folders = $2, updated_at = NOW() WHERE "user" = $1
	`, user, folders)
	if err != nil {
		return fmt.Errorf("failed to update folders for %s: %w", user, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateSecret replaces the encrypted login secret for one account.
func (r *PostgresRegistry) UpdateSecret(ctx context.Context, user, ciphertext string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts SET password = $2, updated_at = NOW() WHERE "user" = $1
	`, user, ciphertext)
	if err != nil {
		return fmt.Errorf("failed to update secret for %s: %w", user, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var account models.Account
	var folders []byte

	if err := row.Scan(&account.User, &account.Secret, &folders); err != nil {
		return nil, err
	}

	if len(folders) > 0 {
		if err := json.Unmarshal(folders, &account.Folders); err != nil {
			return nil, fmt.Errorf("failed to decode folder tree: %w", err)
		}
	}
	if account.Folders == nil {
		account.Folders = make(models.FolderTree)
	}
	return &account, nil
}

func marshalFolders(tree models.FolderTree) ([]byte, error) {
	if tree == nil {
		tree = make(models.FolderTree)
	}
	folders, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to encode folder tree: %w", err)
	}
	return folders, nil
}
