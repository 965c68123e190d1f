package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lunamail/syncd/internal/models"
)

// MemoryStore is an in-memory Store. It backs tests and ad-hoc tooling
// that has no database at hand; the mutex gives it the same
// conflicting-write serialization the SQL store gets from row locks.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.MessageRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.MessageRecord)}
}

func (s *MemoryStore) UpsertMessage(_ context.Context, rec *models.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *rec
	if prev, ok := s.records[rec.Key]; ok {
		// Retrieval survives a header re-upsert, matching the SQL store.
		clone.Retrieved = clone.Retrieved || prev.Retrieved
	}
	s.records[rec.Key] = &clone
	return nil
}

func (s *MemoryStore) FindByKey(_ context.Context, key string) (*models.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrMessageNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) FindByFolder(_ context.Context, folderPath string, opts ListOptions) ([]*models.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []*models.MessageRecord
	for _, rec := range s.records {
		if rec.Folder != folderPath {
			continue
		}
		clone := *rec
		if opts.HeadersOnly {
			clone.ThreadMsg = nil
			clone.IsThreadChild = ""
		}
		records = append(records, &clone)
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].Envelope.Date.Equal(records[j].Envelope.Date) {
			return records[i].Envelope.Date.After(records[j].Envelope.Date)
		}
		return records[i].UID > records[j].UID
	})

	if opts.Skip > 0 {
		if opts.Skip >= len(records) {
			return nil, nil
		}
		records = records[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < len(records) {
		records = records[:opts.Limit]
	}
	return records, nil
}

func (s *MemoryStore) CountByFolder(_ context.Context, folderPath string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.records {
		if rec.Folder == folderPath {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpdateFields(_ context.Context, key string, fields Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrMessageNotFound
	}

	for column, value := range fields {
		switch column {
		case "retrieved":
			rec.Retrieved = value.(bool)
		case "flags":
			rec.Flags = value.([]string)
		case "thread_msg":
			if value == nil {
				rec.ThreadMsg = nil
			} else {
				rec.ThreadMsg = value.([]string)
			}
		case "is_thread_child":
			rec.IsThreadChild = value.(string)
		default:
			return fmt.Errorf("field %q is not updatable", column)
		}
	}
	return nil
}

func (s *MemoryStore) ThreadSnapshot(_ context.Context) ([]models.ThreadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]models.ThreadRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, models.ThreadRecord{
			Key:       rec.Key,
			MessageID: rec.Envelope.MessageID,
			InReplyTo: rec.Envelope.InReplyTo,
			Date:      rec.Envelope.Date,
		})
	}
	return records, nil
}

func (s *MemoryStore) ApplyThreads(_ context.Context, threads map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		rec.ThreadMsg = nil
		rec.IsThreadChild = ""
	}

	for root, descendants := range threads {
		if rec, ok := s.records[root]; ok {
			rec.ThreadMsg = append([]string(nil), descendants...)
		}
		for _, child := range descendants {
			if rec, ok := s.records[child]; ok {
				rec.IsThreadChild = root
			}
		}
	}
	return nil
}

func (s *MemoryStore) PurgeFolder(_ context.Context, folderPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, rec := range s.records {
		if rec.Folder == folderPath {
			delete(s.records, key)
		}
	}
	return nil
}
