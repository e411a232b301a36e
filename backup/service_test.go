package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"shopexpress/audit/audittest"
)

type fakeRepository struct {
	mu     sync.Mutex
	rows   map[string]Backup
	order  []string
	nextID int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{rows: map[string]Backup{}, nextID: 1}
}

func (f *fakeRepository) add(b Backup) Backup {
	f.mu.Lock()
	defer f.mu.Unlock()
	b.ID = fmt.Sprintf("backup-%d", f.nextID)
	f.nextID++
	f.rows[b.ID] = b
	f.order = append(f.order, b.ID)
	return b
}

func (f *fakeRepository) Create(ctx context.Context, name string, t Type) (Backup, error) {
	return f.add(Backup{Name: name, Type: t, Status: StatusPending, CreatedAt: time.Now()}), nil
}

func (f *fakeRepository) update(id string, fn func(*Backup)) (Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return Backup{}, ErrNotFound
	}
	fn(&b)
	f.rows[id] = b
	return b, nil
}

func (f *fakeRepository) MarkRunning(ctx context.Context, id string, at time.Time) (Backup, error) {
	return f.update(id, func(b *Backup) { b.Status = StatusRunning; b.StartedAt = &at })
}

func (f *fakeRepository) Complete(ctx context.Context, id, path string, size int64, at time.Time) (Backup, error) {
	return f.update(id, func(b *Backup) {
		b.Status, b.FilePath, b.FileSize, b.CompletedAt = StatusCompleted, path, size, &at
	})
}

func (f *fakeRepository) Fail(ctx context.Context, id, errMsg string, at time.Time) (Backup, error) {
	return f.update(id, func(b *Backup) { b.Status, b.Error, b.CompletedAt = StatusFailed, errMsg, &at })
}

func (f *fakeRepository) Expired(ctx context.Context, t Type, before time.Time) ([]Backup, error) {
	out := []Backup{}
	for _, id := range f.order {
		b, ok := f.rows[id]
		if !ok || b.Type != t {
			continue
		}
		if (b.Status == StatusCompleted || b.Status == StatusFailed) && b.CreatedAt.Before(before) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeRepository) Delete(ctx context.Context, id string) error {
	if _, ok := f.rows[id]; !ok {
		return ErrNotFound
	}
	delete(f.rows, id)
	return nil
}

func (f *fakeRepository) LastSuccessful(ctx context.Context, t Type) (*Backup, error) {
	var last *Backup
	for _, id := range f.order {
		b, ok := f.rows[id]
		if !ok || b.Type != t || b.Status != StatusCompleted {
			continue
		}
		last = &b
	}
	return last, nil
}

func (f *fakeRepository) Summary(ctx context.Context) (map[Status]int, int64, error) {
	counts := map[Status]int{}
	var size int64
	for _, b := range f.rows {
		counts[b.Status]++
		if b.Status == StatusCompleted {
			size += b.FileSize
		}
	}
	return counts, size, nil
}

type fakeDumper struct {
	out string
	err error
}

func (d fakeDumper) Dump(ctx context.Context, w io.Writer) error {
	if d.err != nil {
		return d.err
	}
	_, err := io.WriteString(w, d.out)
	return err
}

func newTestService(t *testing.T, dumper Dumper, archiver Archiver) (*Service, *fakeRepository, *audittest.Writer, string) {
	t.Helper()
	dir := t.TempDir()
	repo := newFakeRepository()
	w := &audittest.Writer{}
	svc := NewService(repo, dumper, archiver, w.Observer(), nil, nil, Options{Dir: dir})
	return svc, repo, w, dir
}

func TestService_CreateDatabaseAndFiles(t *testing.T) {
	uploads := filepath.Join(t.TempDir(), "uploads")
	if err := os.MkdirAll(filepath.Join(uploads, "receipts"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(uploads, "receipts", "r1.pdf"), []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc, repo, w, dir := newTestService(t, fakeDumper{out: "CREATE TABLE packages ();\n"}, DirArchiver{Dirs: []string{uploads}})
	svc.WithClock(func() time.Time { return time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC) })

	got, err := svc.Create(context.Background(), CreateOptions{Name: "nightly run"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 backups got %d", len(got))
	}

	db := got[0]
	if db.Status != StatusCompleted || db.FileSize == 0 {
		t.Fatalf("unexpected database backup %+v", db)
	}
	if want := filepath.Join(dir, "nightly-run-database-20240601-030000.sql.gz"); db.FilePath != want {
		t.Fatalf("expected path %s got %s", want, db.FilePath)
	}
	f, err := os.Open(db.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(zr)
	if !bytes.Contains(body, []byte("CREATE TABLE packages")) {
		t.Fatalf("dump not in archive: %q", body)
	}

	files := got[1]
	if files.Type != TypeFiles || !strings.HasSuffix(files.FilePath, ".tar.gz") {
		t.Fatalf("unexpected files backup %+v", files)
	}
	if repo.rows[files.ID].Status != StatusCompleted {
		t.Fatal("files backup not completed")
	}
	if len(w.ByAction("create")) != 2 || len(w.ByAction("update")) != 2 {
		t.Fatalf("expected create and update audit entries, got %d entries", len(w.Entries))
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.partial"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestService_CreateFailureRecorded(t *testing.T) {
	svc, repo, _, dir := newTestService(t, fakeDumper{err: errors.New("connection refused")}, nil)

	got, err := svc.Create(context.Background(), CreateOptions{Database: true})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected dump error got %v", err)
	}
	if len(got) != 1 || got[0].Status != StatusFailed {
		t.Fatalf("expected failed backup got %+v", got)
	}
	if repo.rows[got[0].ID].Error != "connection refused" {
		t.Fatalf("error not stored: %+v", repo.rows[got[0].ID])
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files on failure, found %d", len(entries))
	}
}

func TestService_AuditFailuresAreLogged(t *testing.T) {
	now := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	core, logs := observer.New(zapcore.WarnLevel)
	repo := newFakeRepository()
	w := &audittest.Writer{Err: errors.New("audit_log: disk full")}
	svc := NewService(repo, fakeDumper{err: errors.New("connection refused")}, nil, w.Observer(), nil, zap.New(core), Options{Dir: t.TempDir()})
	svc.WithClock(func() time.Time { return now })

	got, err := svc.Create(context.Background(), CreateOptions{Database: true})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected dump error got %v", err)
	}
	if len(got) != 1 || repo.rows[got[0].ID].Status != StatusFailed {
		t.Fatalf("failure must still be stored, got %+v", got)
	}
	if logs.FilterMessage("audit backup failure").Len() != 1 {
		t.Fatalf("expected failed-run audit warning, logged %v", logs.All())
	}

	stale := repo.add(Backup{Type: TypeFiles, Status: StatusFailed, CreatedAt: now.AddDate(0, 0, -60)})
	report, err := svc.Cleanup(context.Background(), CleanupOptions{})
	if err != nil {
		t.Fatalf("cleanup must not fail on audit errors: %v", err)
	}
	if len(report.Removed) != 1 || report.Removed[0].ID != stale.ID {
		t.Fatalf("expected stale backup removed, got %+v", report.Removed)
	}
	deletes := logs.FilterMessage("audit backup delete").All()
	if len(deletes) != 1 || deletes[0].ContextMap()["id"] != stale.ID {
		t.Fatalf("expected delete audit warning for %s, got %+v", stale.ID, deletes)
	}
}

func TestService_CreateFilesWithoutDirs(t *testing.T) {
	svc, _, _, _ := newTestService(t, fakeDumper{}, nil)
	if _, err := svc.Create(context.Background(), CreateOptions{Files: true}); !errors.Is(err, ErrNothingToArchive) {
		t.Fatalf("expected ErrNothingToArchive got %v", err)
	}
}

func TestService_CleanupRetention(t *testing.T) {
	now := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	svc, repo, w, dir := newTestService(t, fakeDumper{}, nil)
	svc.WithClock(func() time.Time { return now })

	oldPath := filepath.Join(dir, "old.sql.gz")
	if err := os.WriteFile(oldPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	oldDB := repo.add(Backup{Type: TypeDatabase, Status: StatusCompleted, FilePath: oldPath, FileSize: 1, CreatedAt: now.AddDate(0, 0, -31)})
	recentDB := repo.add(Backup{Type: TypeDatabase, Status: StatusCompleted, FileSize: 5, CreatedAt: now.AddDate(0, 0, -20)})
	oldFiles := repo.add(Backup{Type: TypeFiles, Status: StatusFailed, CreatedAt: now.AddDate(0, 0, -15)})
	running := repo.add(Backup{Type: TypeFiles, Status: StatusRunning, CreatedAt: now.AddDate(0, 0, -60)})

	dry, err := svc.Cleanup(context.Background(), CleanupOptions{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !dry.DryRun || len(dry.Removed) != 2 || dry.Freed != 1 {
		t.Fatalf("unexpected dry run report %+v", dry)
	}
	if _, err := os.Stat(oldPath); err != nil {
		t.Fatal("dry run must not remove files")
	}
	if len(repo.rows) != 4 {
		t.Fatal("dry run must not delete rows")
	}

	report, err := svc.Cleanup(context.Background(), CleanupOptions{})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(report.Removed) != 2 {
		t.Fatalf("expected 2 removed got %d", len(report.Removed))
	}
	if _, err := os.Stat(oldPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected file removed, stat err %v", err)
	}
	for _, id := range []string{oldDB.ID, oldFiles.ID} {
		if _, ok := repo.rows[id]; ok {
			t.Fatalf("%s should be deleted", id)
		}
	}
	for _, id := range []string{recentDB.ID, running.ID} {
		if _, ok := repo.rows[id]; !ok {
			t.Fatalf("%s should be kept", id)
		}
	}
	if len(w.ByAction("backup_cleanup")) != 1 || len(w.ByAction("delete")) != 2 {
		t.Fatalf("unexpected audit entries %+v", w.Entries)
	}

	override, err := svc.Cleanup(context.Background(), CleanupOptions{RetentionDays: 7, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(override.Removed) != 1 || override.Removed[0].ID != recentDB.ID {
		t.Fatalf("expected override to catch recent database backup, got %+v", override.Removed)
	}
}

func TestService_StatusHealth(t *testing.T) {
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	svc, repo, _, _ := newTestService(t, fakeDumper{}, nil)
	svc.WithClock(func() time.Time { return now })

	report, err := svc.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Healthy || report.LastDatabase != nil {
		t.Fatalf("no backups must be unhealthy: %+v", report)
	}

	stale := now.Add(-30 * time.Hour)
	repo.add(Backup{Type: TypeDatabase, Status: StatusCompleted, FileSize: 2048, CompletedAt: &stale})
	if report, _ = svc.Status(context.Background()); report.Healthy {
		t.Fatal("backup older than a day must be unhealthy")
	}

	fresh := now.Add(-2 * time.Hour)
	repo.add(Backup{Type: TypeDatabase, Status: StatusCompleted, FileSize: 1024, CompletedAt: &fresh})
	repo.add(Backup{Type: TypeFiles, Status: StatusFailed})
	report, _ = svc.Status(context.Background())
	if !report.Healthy {
		t.Fatal("expected healthy status")
	}
	if report.Counts[StatusCompleted] != 2 || report.Counts[StatusFailed] != 1 || report.TotalSize != 3072 {
		t.Fatalf("unexpected summary %+v", report)
	}

	out := RenderStatus(report)
	if !strings.Contains(out, "OK") || !strings.Contains(out, "1.0 KiB") {
		t.Fatalf("unexpected render:\n%s", out)
	}
}

func TestHumanSize(t *testing.T) {
	cases := map[int64]string{0: "0 B", 1023: "1023 B", 1536: "1.5 KiB", 5 << 20: "5.0 MiB"}
	for n, want := range cases {
		if got := HumanSize(n); got != want {
			t.Fatalf("HumanSize(%d) = %q, want %q", n, got, want)
		}
	}
}
