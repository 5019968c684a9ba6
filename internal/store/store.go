package store

import (
	"context"
	"errors"

	"github.com/ytget/dlsched/internal/model"
)

// ErrInvalidRecord is returned for records without a task id
var ErrInvalidRecord = errors.New("transfer record without task id")

// Store is durable storage for transfer records keyed by task id
type Store interface {
	// GetOrCreate returns the record of taskID, creating a pending one
	GetOrCreate(ctx context.Context, taskID, contentID string) (model.TransferRecord, error)

	// Save replaces the record with the same task id
	Save(ctx context.Context, rec model.TransferRecord) error

	// CompletedContent returns up to limit completed records, newest first
	CompletedContent(ctx context.Context, limit int) ([]model.TransferRecord, error)

	// ResetRunning moves records left running by a previous process back to
	// pending and returns how many were reset
	ResetRunning(ctx context.Context) (int, error)
}
