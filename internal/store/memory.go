package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ytget/dlsched/internal/model"
)

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.TransferRecord
	clock   func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]model.TransferRecord),
		clock:   time.Now,
	}
}

// GetOrCreate implements Store
func (s *MemoryStore) GetOrCreate(ctx context.Context, taskID, contentID string) (model.TransferRecord, error) {
	if taskID == "" {
		return model.TransferRecord{}, ErrInvalidRecord
	}
	if err := ctx.Err(); err != nil {
		return model.TransferRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[taskID]; ok {
		return rec, nil
	}
	rec := model.TransferRecord{
		TaskID:    taskID,
		ContentID: contentID,
		Status:    model.TaskStatusPending,
		UpdatedAt: s.clock(),
	}
	s.records[taskID] = rec
	return rec, nil
}

// Save implements Store
func (s *MemoryStore) Save(ctx context.Context, rec model.TransferRecord) error {
	if rec.TaskID == "" {
		return ErrInvalidRecord
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = s.clock()
	s.records[rec.TaskID] = rec
	return nil
}

// CompletedContent implements Store
func (s *MemoryStore) CompletedContent(ctx context.Context, limit int) ([]model.TransferRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]model.TransferRecord, 0)
	for _, rec := range s.records {
		if rec.Status == model.TaskStatusCompleted && rec.ContentID != "" {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResetRunning implements Store
func (s *MemoryStore) ResetRunning(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.records {
		if rec.Status == model.TaskStatusRunning {
			rec.Status = model.TaskStatusPending
			rec.UpdatedAt = s.clock()
			s.records[id] = rec
			n++
		}
	}
	return n, nil
}
