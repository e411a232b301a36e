// Package backup dumps the database and uploaded files to compressed
// archives and enforces their retention.
package backup

import "time"

type Type string

const (
	TypeDatabase Type = "database"
	TypeFiles    Type = "files"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Backup struct {
	ID          string
	Name        string
	Type        Type
	Status      Status
	FilePath    string
	FileSize    int64
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

func (b Backup) AuditType() string { return "backup" }
func (b Backup) AuditID() string   { return b.ID }

func (b Backup) AuditFields() map[string]any {
	return map[string]any{
		"name":      b.Name,
		"type":      string(b.Type),
		"status":    string(b.Status),
		"file_path": b.FilePath,
		"file_size": b.FileSize,
		"error":     b.Error,
	}
}

// CreateOptions selects what to back up. Neither flag means both.
type CreateOptions struct {
	Database bool
	Files    bool
	Name     string
}

// CleanupOptions overrides the per-type retention when RetentionDays > 0.
type CleanupOptions struct {
	RetentionDays int
	DryRun        bool
}

type CleanupReport struct {
	DryRun  bool
	Removed []Backup
	Freed   int64
}

type StatusReport struct {
	LastDatabase *Backup
	LastFiles    *Backup
	Counts       map[Status]int
	TotalSize    int64
	Healthy      bool
}
