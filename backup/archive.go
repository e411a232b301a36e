package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Dumper writes a plain SQL dump of the database to w.
type Dumper interface {
	Dump(ctx context.Context, w io.Writer) error
}

// PGDump shells out to pg_dump.
type PGDump struct {
	Path        string
	DatabaseURL string
}

func (d PGDump) Dump(ctx context.Context, w io.Writer) error {
	bin := d.Path
	if bin == "" {
		bin = "pg_dump"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "--no-owner", "--no-privileges", "--dbname", d.DatabaseURL)
	cmd.Stdout = w
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("backup: pg_dump: %w: %s", err, msg)
		}
		return fmt.Errorf("backup: pg_dump: %w", err)
	}
	return nil
}

// Archiver writes a tar stream of the configured directories to w.
type Archiver interface {
	Archive(ctx context.Context, w io.Writer) error
}

// DirArchiver tars regular files and directories under Dirs. Entries are
// named relative to the parent of each root so several roots can coexist.
type DirArchiver struct {
	Dirs []string
}

func (a DirArchiver) Archive(ctx context.Context, w io.Writer) error {
	tw := tar.NewWriter(w)
	for _, root := range a.Dirs {
		root = filepath.Clean(root)
		base := filepath.Dir(root)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !d.IsDir() && !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(base, path)
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if d.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err != nil {
			return fmt.Errorf("backup: archive %s: %w", root, err)
		}
	}
	return tw.Close()
}
