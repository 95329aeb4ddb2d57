// Package store persists the roster, character cards and run progress with timestamped
// backups and atomic replacement.
package store

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/xueanxi/sharebook/pkg/utils"
)

const (
	historyDir    = "history"
	backupInfix   = "_backup_"
	backupStamp   = "20060102_150405"
	DefaultKeep   = 5
	maxCollisions = 1000
)

// Backups copies a file into a sibling history/ directory before it is replaced and
// keeps only the newest Keep copies per file.
type Backups struct {
	Keep int
	Now  func() time.Time
}

func DefaultBackups() Backups {
	return Backups{Keep: DefaultKeep, Now: time.Now}
}

// HistoryDir is where backups of path live.
func HistoryDir(path string) string {
	return filepath.Join(filepath.Dir(path), historyDir)
}

func backupPrefix(path string) (prefix, ext string) {
	base := filepath.Base(path)
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + backupInfix, ext
}

// Backup copies path into history and prunes old copies. A missing path is not an error
// and returns an empty backup path.
func (b Backups) Backup(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("backup read %s: %w", path, err)
	}

	dir := HistoryDir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("backup mkdir: %w", err)
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	prefix, ext := backupPrefix(path)
	stamp := now().Format(backupStamp)

	target := filepath.Join(dir, prefix+stamp+ext)
	for i := 1; utils.Exists(target); i++ {
		if i > maxCollisions {
			return "", fmt.Errorf("backup %s: too many backups within one second", path)
		}
		target = filepath.Join(dir, fmt.Sprintf("%s%s_%d%s", prefix, stamp, i, ext))
	}

	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("backup write: %w", err)
	}
	if err := b.prune(path); err != nil {
		return target, err
	}
	return target, nil
}

type backupFile struct {
	path    string
	modTime time.Time
}

func listBackups(path string) ([]backupFile, error) {
	dir := HistoryDir(path)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prefix, ext := backupPrefix(path)
	var out []backupFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, backupFile{path: filepath.Join(dir, name), modTime: info.ModTime()})
	}

	// newest first; same-instant copies fall back to name, where collision suffixes sort later
	slices.SortFunc(out, func(a, b backupFile) int {
		if c := b.modTime.Compare(a.modTime); c != 0 {
			return c
		}
		if c := cmp.Compare(len(b.path), len(a.path)); c != 0 {
			return c
		}
		return cmp.Compare(b.path, a.path)
	})
	return out, nil
}

func (b Backups) prune(path string) error {
	keep := b.Keep
	if keep <= 0 {
		keep = DefaultKeep
	}
	files, err := listBackups(path)
	if err != nil {
		return fmt.Errorf("backup prune: %w", err)
	}
	if len(files) <= keep {
		return nil
	}
	var errs []error
	for _, f := range files[keep:] {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns the backups of path, newest first.
func (b Backups) List(path string) ([]string, error) {
	files, err := listBackups(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// OriginalPath is the file a backup was taken from.
func OriginalPath(backupPath string) (string, error) {
	dir := filepath.Dir(backupPath)
	base := filepath.Base(backupPath)
	i := strings.LastIndex(base, backupInfix)
	if filepath.Base(dir) != historyDir || i <= 0 {
		return "", fmt.Errorf("%s is not a backup", backupPath)
	}
	return filepath.Join(filepath.Dir(dir), base[:i]+filepath.Ext(base)), nil
}

// Restore replaces target with the contents of backupPath. The current target is
// backed up first so a restore can itself be undone.
func (b Backups) Restore(backupPath, target string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("restore read %s: %w", backupPath, err)
	}
	if _, err := b.Backup(target); err != nil {
		return err
	}
	return utils.WriteFileAtomic(target, data)
}

// replace backs up path and then atomically writes data over it.
func (b Backups) replace(path string, data []byte) error {
	if _, err := b.Backup(path); err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
