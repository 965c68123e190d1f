package thread

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunamail/syncd/internal/models"
)

// rec builds a thread record with a date offset so ordering is explicit.
func rec(key, messageID, inReplyTo string, minute int) models.ThreadRecord {
	return models.ThreadRecord{
		Key:       key,
		MessageID: messageID,
		InReplyTo: inReplyTo,
		Date:      time.Date(2024, 3, 1, 10, minute, 0, 0, time.UTC),
	}
}

func TestBuild(t *testing.T) {
	t.Run("linear reply chain flattens under the root", func(t *testing.T) {
		threads := Build([]models.ThreadRecord{
			rec("INBOX1", "a@x", "", 0),
			rec("INBOX2", "b@x", "a@x", 1),
			rec("INBOX3", "c@x", "b@x", 2),
			rec("INBOX4", "d@x", "", 3),
		})

		require.Len(t, threads, 1)
		assert.Equal(t, []string{"INBOX2", "INBOX3"}, threads["INBOX1"])
		// Childless roots produce no entry.
		assert.NotContains(t, threads, "INBOX4")
	})

	t.Run("branching replies keep date order", func(t *testing.T) {
		threads := Build([]models.ThreadRecord{
			rec("INBOX1", "a@x", "", 0),
			rec("INBOX2", "b@x", "a@x", 1),
			rec("INBOX3", "c@x", "a@x", 2),
			rec("INBOX4", "d@x", "b@x", 3),
		})

		require.Len(t, threads, 1)
		assert.Equal(t, []string{"INBOX2", "INBOX3", "INBOX4"}, threads["INBOX1"])
	})

	t.Run("unresolvable parent makes a root", func(t *testing.T) {
		threads := Build([]models.ThreadRecord{
			rec("INBOX1", "a@x", "gone@elsewhere", 0),
			rec("INBOX2", "b@x", "a@x", 1),
		})

		require.Len(t, threads, 1)
		assert.Equal(t, []string{"INBOX2"}, threads["INBOX1"])
	})

	t.Run("messages without message-id can still be children", func(t *testing.T) {
		threads := Build([]models.ThreadRecord{
			rec("INBOX1", "a@x", "", 0),
			rec("INBOX2", "", "a@x", 1),
		})

		assert.Equal(t, []string{"INBOX2"}, threads["INBOX1"])
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, Build(nil))
	})
}

func TestBuildIsForest(t *testing.T) {
	records := []models.ThreadRecord{
		rec("INBOX1", "a@x", "", 0),
		rec("INBOX2", "b@x", "a@x", 1),
		rec("INBOX3", "c@x", "a@x", 2),
		rec("INBOX4", "d@x", "c@x", 3),
		rec("OTHER1", "e@x", "", 4),
		rec("OTHER2", "f@x", "e@x", 5),
	}

	threads := Build(records)

	seen := make(map[string]string)
	for root, descendants := range threads {
		for _, key := range descendants {
			assert.NotEqual(t, root, key, "a root must not be its own descendant")
			prev, dup := seen[key]
			assert.False(t, dup, "key %s appears under roots %s and %s", key, prev, root)
			seen[key] = root
		}
	}
}

func TestBuildCycleTerminates(t *testing.T) {
	t.Run("two-message reference cycle", func(t *testing.T) {
		// a replies to b, b replies to a: malformed headers. Neither is a
		// root, so the cycle produces no thread, but Build must terminate.
		threads := Build([]models.ThreadRecord{
			rec("INBOX1", "a@x", "b@x", 0),
			rec("INBOX2", "b@x", "a@x", 1),
			rec("INBOX3", "c@x", "", 2),
		})

		assert.NotContains(t, threads, "INBOX1")
		assert.NotContains(t, threads, "INBOX2")
	})

	t.Run("self-reference is a root", func(t *testing.T) {
		threads := Build([]models.ThreadRecord{
			rec("INBOX1", "a@x", "a@x", 0),
			rec("INBOX2", "b@x", "a@x", 1),
		})

		assert.Equal(t, []string{"INBOX2"}, threads["INBOX1"])
	})

	t.Run("cycle reachable from a root", func(t *testing.T) {
		// root -> b, b -> c, c -> b again via duplicate message-ids.
		threads := Build([]models.ThreadRecord{
			rec("INBOX1", "a@x", "", 0),
			rec("INBOX2", "b@x", "a@x", 1),
			rec("INBOX3", "b@x", "b@x", 2),
		})

		// Must terminate, and no key may repeat in a descendant list.
		for root, descendants := range threads {
			unique := make(map[string]bool)
			for _, key := range descendants {
				assert.False(t, unique[key], "duplicate descendant %s under %s", key, root)
				unique[key] = true
			}
		}
	})
}

func TestBuildDeepChain(t *testing.T) {
	// A thousand-deep reply chain must not blow the stack.
	var records []models.ThreadRecord
	records = append(records, rec("K0", "m0@x", "", 0))
	for i := 1; i < 1000; i++ {
		records = append(records, models.ThreadRecord{
			Key:       fmt.Sprintf("K%d", i),
			MessageID: fmt.Sprintf("m%d@x", i),
			InReplyTo: fmt.Sprintf("m%d@x", i-1),
			Date:      time.Date(2024, 3, 1, 0, 0, i, 0, time.UTC),
		})
	}

	threads := Build(records)
	require.Len(t, threads, 1)
	assert.Len(t, threads["K0"], 999)
	assert.Equal(t, "K1", threads["K0"][0])
	assert.Equal(t, "K999", threads["K0"][998])
}
