package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shopexpress/audit"
	"shopexpress/db"
	"shopexpress/metrics"
)

// ErrNothingToArchive signals a files backup without configured directories.
var ErrNothingToArchive = errors.New("backup: no file directories configured")

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

type Options struct {
	Dir                   string
	DatabaseRetentionDays int
	FilesRetentionDays    int
}

type Service struct {
	repo     Repository
	dumper   Dumper
	archiver Archiver
	audit    audit.Recorder
	q        db.Querier
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

// NewService wires a backup service. q is handed to the audit recorder.
func NewService(repo Repository, dumper Dumper, archiver Archiver, recorder audit.Recorder, q db.Querier, logger *zap.Logger, opts Options) *Service {
	if opts.DatabaseRetentionDays <= 0 {
		opts.DatabaseRetentionDays = 30
	}
	if opts.FilesRetentionDays <= 0 {
		opts.FilesRetentionDays = 14
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		dumper:   dumper,
		archiver: archiver,
		audit:    recorder,
		q:        q,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create runs the requested backups concurrently. Every artifact gets its
// own row; a failed artifact does not stop the other.
func (s *Service) Create(ctx context.Context, opts CreateOptions) ([]Backup, error) {
	if !opts.Database && !opts.Files {
		opts.Database, opts.Files = true, true
	}
	name := unsafeName.ReplaceAllString(opts.Name, "-")
	if name == "" || name == "-" {
		name = "backup"
	}
	if err := os.MkdirAll(s.opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("backup: create dir: %w", err)
	}
	ts := s.now().UTC().Format("20060102-150405")

	var types []Type
	if opts.Database {
		types = append(types, TypeDatabase)
	}
	if opts.Files {
		types = append(types, TypeFiles)
	}

	results := make([]Backup, len(types))
	errs := make([]error, len(types))
	var g errgroup.Group
	for i, t := range types {
		i, t := i, t
		g.Go(func() error {
			results[i], errs[i] = s.run(ctx, name, t, ts)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

func (s *Service) run(ctx context.Context, name string, t Type, ts string) (Backup, error) {
	row, err := s.repo.Create(ctx, name, t)
	if err != nil {
		return Backup{}, err
	}
	if err := s.audit.Created(ctx, s.q, row); err != nil {
		s.logger.Warn("audit backup create", zap.Error(err))
	}
	started := s.now()
	if row, err = s.repo.MarkRunning(ctx, row.ID, started.UTC()); err != nil {
		return row, err
	}

	ext := ".sql.gz"
	if t == TypeFiles {
		ext = ".tar.gz"
	}
	path := filepath.Join(s.opts.Dir, fmt.Sprintf("%s-%s-%s%s", name, t, ts, ext))

	size, runErr := s.write(ctx, t, path)
	finished := s.now().UTC()
	metrics.BackupDuration.WithLabelValues(string(t)).Observe(finished.Sub(started).Seconds())

	before := row
	if runErr != nil {
		metrics.BackupsTotal.WithLabelValues(string(t), string(StatusFailed)).Inc()
		s.logger.Error("backup failed", zap.String("type", string(t)), zap.Error(runErr))
		failed, err := s.repo.Fail(ctx, row.ID, runErr.Error(), finished)
		if err != nil {
			return row, errors.Join(runErr, err)
		}
		if err := s.audit.Updated(ctx, s.q, before, failed); err != nil {
			s.logger.Warn("audit backup failure", zap.Error(err))
		}
		return failed, runErr
	}

	done, err := s.repo.Complete(ctx, row.ID, path, size, finished)
	if err != nil {
		return row, err
	}
	metrics.BackupsTotal.WithLabelValues(string(t), string(StatusCompleted)).Inc()
	s.logger.Info("backup completed", zap.String("type", string(t)), zap.String("path", path), zap.Int64("bytes", size))
	if err := s.audit.Updated(ctx, s.q, before, done); err != nil {
		s.logger.Warn("audit backup complete", zap.Error(err))
	}
	return done, nil
}

// write streams the artifact through gzip into a temp file and renames it
// into place on success.
func (s *Service) write(ctx context.Context, t Type, path string) (int64, error) {
	tmp := path + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, fmt.Errorf("backup: create file: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	zw, err := gzip.NewWriterLevel(f, gzip.BestSpeed)
	if err != nil {
		return 0, err
	}
	var src func(context.Context, io.Writer) error
	switch t {
	case TypeDatabase:
		src = s.dumper.Dump
	case TypeFiles:
		if s.archiver == nil {
			return 0, ErrNothingToArchive
		}
		src = s.archiver.Archive
	default:
		return 0, fmt.Errorf("backup: unknown type %q", t)
	}
	if err := src(ctx, zw); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("backup: finish gzip: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("backup: close file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("backup: rename: %w", err)
	}
	ok = true

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("backup: stat: %w", err)
	}
	return info.Size(), nil
}

// Cleanup removes finished backups older than their retention window. A dry
// run only reports what would be removed.
func (s *Service) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupReport, error) {
	report := CleanupReport{DryRun: opts.DryRun, Removed: []Backup{}}
	windows := map[Type]int{
		TypeDatabase: s.opts.DatabaseRetentionDays,
		TypeFiles:    s.opts.FilesRetentionDays,
	}
	now := s.now()
	for _, t := range []Type{TypeDatabase, TypeFiles} {
		days := windows[t]
		if opts.RetentionDays > 0 {
			days = opts.RetentionDays
		}
		expired, err := s.repo.Expired(ctx, t, now.AddDate(0, 0, -days))
		if err != nil {
			return report, err
		}
		for _, b := range expired {
			if !opts.DryRun {
				if b.FilePath != "" {
					if err := os.Remove(b.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
						return report, fmt.Errorf("backup: remove %s: %w", b.FilePath, err)
					}
				}
				if err := s.repo.Delete(ctx, b.ID); err != nil {
					return report, err
				}
				if err := s.audit.Deleted(ctx, s.q, b); err != nil {
					s.logger.Warn("audit backup delete", zap.String("id", b.ID), zap.Error(err))
				}
			}
			report.Removed = append(report.Removed, b)
			report.Freed += b.FileSize
		}
	}

	if !opts.DryRun && len(report.Removed) > 0 {
		if err := s.audit.Record(ctx, s.q, audit.Entry{
			EventType: audit.EventSystem,
			Action:    "backup_cleanup",
			AdditionalData: map[string]any{
				"removed":     len(report.Removed),
				"freed_bytes": report.Freed,
			},
		}); err != nil {
			s.logger.Warn("audit backup cleanup", zap.Error(err))
		}
	}
	return report, nil
}

// Status is healthy when a database backup completed within the last 24h.
func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	lastDB, err := s.repo.LastSuccessful(ctx, TypeDatabase)
	if err != nil {
		return StatusReport{}, err
	}
	lastFiles, err := s.repo.LastSuccessful(ctx, TypeFiles)
	if err != nil {
		return StatusReport{}, err
	}
	counts, size, err := s.repo.Summary(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	healthy := lastDB != nil && lastDB.CompletedAt != nil && s.now().Sub(*lastDB.CompletedAt) <= 24*time.Hour
	return StatusReport{
		LastDatabase: lastDB,
		LastFiles:    lastFiles,
		Counts:       counts,
		TotalSize:    size,
		Healthy:      healthy,
	}, nil
}
