package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lunamail/syncd/internal/models"
)

// MemoryRegistry is an in-memory Registry for tests and tooling.
type MemoryRegistry struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{accounts: make(map[string]*models.Account)}
}

func (r *MemoryRegistry) Find(_ context.Context, user string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[user]
	if !ok {
		return nil, ErrAccountNotFound
	}
	clone := *account
	return &clone, nil
}

func (r *MemoryRegistry) All(_ context.Context) ([]*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.accounts))
	for user := range r.accounts {
		users = append(users, user)
	}
	sort.Strings(users)

	accounts := make([]*models.Account, 0, len(users))
	for _, user := range users {
		clone := *r.accounts[user]
		accounts = append(accounts, &clone)
	}
	return accounts, nil
}

func (r *MemoryRegistry) Insert(_ context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[account.User]; ok {
		return fmt.Errorf("account %s already exists", account.User)
	}
	clone := *account
	if clone.Folders == nil {
		clone.Folders = make(models.FolderTree)
	}
	r.accounts[account.User] = &clone
	return nil
}

func (r *MemoryRegistry) UpdateFolders(_ context.Context, user string, tree models.FolderTree) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[user]
	if !ok {
		return ErrAccountNotFound
	}
	account.Folders = tree
	return nil
}

func (r *MemoryRegistry) UpdateSecret(_ context.Context, user, ciphertext string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[user]
	if !ok {
		return ErrAccountNotFound
	}
	account.Secret = ciphertext
	return nil
}
