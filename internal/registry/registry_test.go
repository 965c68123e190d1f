package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunamail/syncd/internal/models"
	"github.com/lunamail/syncd/internal/testutil"
)

// registryContract runs the behavior every Registry implementation shares.
func registryContract(t *testing.T, reg Registry) {
	ctx := context.Background()

	t.Run("find unknown account", func(t *testing.T) {
		_, err := reg.Find(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("insert and find", func(t *testing.T) {
		require.NoError(t, reg.Insert(ctx, &models.Account{
			User:   "alice@example.com",
			Secret: "ciphertext-1",
		}))

		got, err := reg.Find(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "ciphertext-1", got.Secret)
		assert.NotNil(t, got.Folders)
		assert.Empty(t, got.Folders)
	})

	t.Run("duplicate insert fails", func(t *testing.T) {
		err := reg.Insert(ctx, &models.Account{User: "alice@example.com", Secret: "x"})
		assert.Error(t, err)
	})

	t.Run("update folders round-trips the tree", func(t *testing.T) {
		tree := models.FolderTree{
			"INBOX": {
				Delimiter:   "/",
				Highest:     7,
				UIDValidity: 42,
				Children: models.FolderTree{
					"Receipts": {Delimiter: "/", Highest: 3, UIDValidity: 42},
				},
			},
		}
		require.NoError(t, reg.UpdateFolders(ctx, "alice@example.com", tree))

		got, err := reg.Find(ctx, "alice@example.com")
		require.NoError(t, err)
		require.Contains(t, got.Folders, "INBOX")
		assert.Equal(t, uint32(7), got.Folders["INBOX"].Highest)
		assert.Equal(t, uint32(42), got.Folders["INBOX"].UIDValidity)
		require.Contains(t, got.Folders["INBOX"].Children, "Receipts")
		assert.Equal(t, uint32(3), got.Folders["INBOX"].Children["Receipts"].Highest)
	})

	t.Run("update folders for unknown account", func(t *testing.T) {
		err := reg.UpdateFolders(ctx, "nobody@example.com", models.FolderTree{})
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("update secret", func(t *testing.T) {
		require.NoError(t, reg.UpdateSecret(ctx, "alice@example.com", "ciphertext-2"))

		got, err := reg.Find(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "ciphertext-2", got.Secret)

		err = reg.UpdateSecret(ctx, "nobody@example.com", "x")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("all is sorted by user", func(t *testing.T) {
		require.NoError(t, reg.Insert(ctx, &models.Account{User: "zed@example.com", Secret: "z"}))
		require.NoError(t, reg.Insert(ctx, &models.Account{User: "bob@example.com", Secret: "b"}))

		accounts, err := reg.All(ctx)
		require.NoError(t, err)
		require.Len(t, accounts, 3)
		assert.Equal(t, "alice@example.com", accounts[0].User)
		assert.Equal(t, "bob@example.com", accounts[1].User)
		assert.Equal(t, "zed@example.com", accounts[2].User)
	})
}

func TestMemoryRegistry(t *testing.T) {
	registryContract(t, NewMemoryRegistry())
}

func TestPostgresRegistry(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := testutil.NewTestDB(t)
	registryContract(t, NewPostgresRegistry(pool))
}
