package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunamail/syncd/internal/models"
	"github.com/lunamail/syncd/internal/store"
	"github.com/lunamail/syncd/internal/testutil"
)

func testRecord(folder string, uid uint32, minute int) *models.MessageRecord {
	return &models.MessageRecord{
		Key:    models.MessageKey(folder, uid),
		Folder: folder,
		UID:    uid,
		Envelope: models.Envelope{
			Subject:   "test subject",
			From:      []string{"alice@example.com"},
			To:        []string{"bob@example.com"},
			Date:      time.Date(2024, 3, 4, 10, minute, 0, 0, time.UTC),
			MessageID: models.MessageKey("mid", uid),
		},
		Flags:      []string{"\\Seen"},
		ServerDate: time.Date(2024, 3, 4, 10, minute, 30, 0, time.UTC),
		Size:       512,
	}
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	manager := store.NewManager(pool, t.TempDir())
	st, err := manager.Open("alice@example.com")
	require.NoError(t, err)

	t.Run("upsert and find", func(t *testing.T) {
		rec := testRecord("INBOX", 1, 0)
		require.NoError(t, st.UpsertMessage(ctx, rec))

		got, err := st.FindByKey(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, rec.Key, got.Key)
		assert.Equal(t, rec.UID, got.UID)
		assert.Equal(t, rec.Envelope.Subject, got.Envelope.Subject)
		assert.Equal(t, rec.Envelope.From, got.Envelope.From)
		assert.Equal(t, rec.Flags, got.Flags)
		assert.False(t, got.Retrieved)
	})

	t.Run("upsert same key replaces, never duplicates", func(t *testing.T) {
		rec := testRecord("INBOX", 2, 1)
		require.NoError(t, st.UpsertMessage(ctx, rec))

		rec.Envelope.Subject = "updated subject"
		require.NoError(t, st.UpsertMessage(ctx, rec))

		got, err := st.FindByKey(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, "updated subject", got.Envelope.Subject)
	})

	t.Run("retrieved flag survives a metadata re-upsert", func(t *testing.T) {
		rec := testRecord("INBOX", 3, 2)
		require.NoError(t, st.UpsertMessage(ctx, rec))
		require.NoError(t, st.UpdateFields(ctx, rec.Key, store.Fields{"retrieved": true}))

		require.NoError(t, st.UpsertMessage(ctx, testRecord("INBOX", 3, 2)))

		got, err := st.FindByKey(ctx, rec.Key)
		require.NoError(t, err)
		assert.True(t, got.Retrieved)
	})

	t.Run("find missing key", func(t *testing.T) {
		_, err := st.FindByKey(ctx, "INBOX999")
		assert.ErrorIs(t, err, store.ErrMessageNotFound)
	})

	t.Run("list folder date descending with pagination", func(t *testing.T) {
		for uid := uint32(10); uid < 15; uid++ {
			require.NoError(t, st.UpsertMessage(ctx, testRecord("Archive", uid, int(uid))))
		}

		all, err := st.FindByFolder(ctx, "Archive", store.ListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, uint32(14), all[0].UID)
		assert.Equal(t, uint32(10), all[4].UID)

		page, err := st.FindByFolder(ctx, "Archive", store.ListOptions{Skip: 1, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, uint32(13), page[0].UID)
		assert.Equal(t, uint32(12), page[1].UID)

		count, err := st.CountByFolder(ctx, "Archive")
		require.NoError(t, err)
		assert.Equal(t, 5, count)
	})

	t.Run("update fields whitelist", func(t *testing.T) {
		rec := testRecord("INBOX", 4, 3)
		require.NoError(t, st.UpsertMessage(ctx, rec))

		err := st.UpdateFields(ctx, rec.Key, store.Fields{"folder": "Elsewhere"})
		assert.Error(t, err)

		err = st.UpdateFields(ctx, "INBOX999", store.Fields{"retrieved": true})
		assert.ErrorIs(t, err, store.ErrMessageNotFound)
	})

	t.Run("apply threads and snapshot", func(t *testing.T) {
		root := testRecord("Threads", 20, 10)
		root.Envelope.MessageID = "root@example.com"
		child := testRecord("Threads", 21, 11)
		child.Envelope.MessageID = "child@example.com"
		child.Envelope.InReplyTo = "root@example.com"
		require.NoError(t, st.UpsertMessage(ctx, root))
		require.NoError(t, st.UpsertMessage(ctx, child))

		snapshot, err := st.ThreadSnapshot(ctx)
		require.NoError(t, err)
		byKey := make(map[string]models.ThreadRecord)
		for _, r := range snapshot {
			byKey[r.Key] = r
		}
		assert.Equal(t, "root@example.com", byKey[child.Key].InReplyTo)

		require.NoError(t, st.ApplyThreads(ctx, map[string][]string{
			root.Key: {child.Key},
		}))

		gotRoot, err := st.FindByKey(ctx, root.Key)
		require.NoError(t, err)
		assert.Equal(t, []string{child.Key}, gotRoot.ThreadMsg)

		gotChild, err := st.FindByKey(ctx, child.Key)
		require.NoError(t, err)
		assert.Equal(t, root.Key, gotChild.IsThreadChild)

		// A rebuild with no threads clears stale annotations.
		require.NoError(t, st.ApplyThreads(ctx, nil))
		gotRoot, err = st.FindByKey(ctx, root.Key)
		require.NoError(t, err)
		assert.Empty(t, gotRoot.ThreadMsg)
	})

	t.Run("purge folder", func(t *testing.T) {
		require.NoError(t, st.UpsertMessage(ctx, testRecord("Doomed", 30, 20)))
		require.NoError(t, st.PurgeFolder(ctx, "Doomed"))

		count, err := st.CountByFolder(ctx, "Doomed")
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("accounts are isolated", func(t *testing.T) {
		other, err := manager.Open("mallory@example.com")
		require.NoError(t, err)

		_, err = other.FindByKey(ctx, "INBOX1")
		assert.ErrorIs(t, err, store.ErrMessageNotFound)

		count, err := other.CountByFolder(ctx, "Archive")
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}
