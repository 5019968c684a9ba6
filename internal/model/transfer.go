package model

import "time"

// TransferRecord is the per-task execution state persisted between attempts
// and restarts.
type TransferRecord struct {
	TaskID          string
	ContentID       string
	Status          TaskStatus
	BytesDownloaded int64
	PartialPath     string
	OutputPath      string
	Attempts        int
	LastError       string
	Checksum        string
	UpdatedAt       time.Time
}
