package conflict

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// BackupPath returns the timestamped backup name for path, keeping the
// original extension so editors still highlight the file:
// UserCard.jsx → UserCard.backup.1712345678901.jsx
func BackupPath(path string, at time.Time) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s.backup.%d%s", base, at.UnixMilli(), ext)
}

// Backup copies path to its timestamped backup and returns the backup
// path. Missing sources are not an error; resolution of a conflict where
// one side was deleted has nothing to back up.
func Backup(path string, at time.Time) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading %s for backup: %w", path, err)
	}
	bp := BackupPath(path, at)
	if err := os.WriteFile(bp, data, 0o644); err != nil {
		return "", fmt.Errorf("writing backup %s: %w", bp, err)
	}
	return bp, nil
}

// ListBackups returns the backups of path, most recent first.
func ListBackups(path string) ([]string, error) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing backups of %s: %w", path, err)
	}
	prefix := base + ".backup."
	type backup struct {
		name string
		ms   int64
	}
	var found []backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext)
		ms, err := strconv.ParseInt(stamp, 10, 64)
		if err != nil {
			continue
		}
		found = append(found, backup{name: filepath.Join(filepath.Dir(path), name), ms: ms})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ms > found[j].ms })
	out := make([]string, len(found))
	for i, b := range found {
		out[i] = b.name
	}
	return out, nil
}

// CleanupBackups removes all but the keep most recent backups of path.
func CleanupBackups(path string, keep int) error {
	backups, err := ListBackups(path)
	if err != nil {
		return err
	}
	for i := keep; i < len(backups); i++ {
		if err := os.Remove(backups[i]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale backup %s: %w", backups[i], err)
		}
	}
	return nil
}

// Restore copies the most recent backup of path back over path.
func Restore(path string) error {
	backups, err := ListBackups(path)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return fmt.Errorf("no backups of %s", path)
	}
	data, err := os.ReadFile(backups[0])
	if err != nil {
		return fmt.Errorf("reading backup %s: %w", backups[0], err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("restoring %s: %w", path, err)
	}
	return nil
}
