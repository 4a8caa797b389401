package crosswalk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/fsutil"
)

// Backup triggers.
const (
	TriggerStartup    = "startup"
	TriggerScheduled  = "scheduled"
	TriggerManual     = "manual"
	TriggerPreRestore = "pre-restore"
)

// Backup retention defaults.
const (
	DefaultMaxBackups    = 10
	DefaultRetentionDays = 30
)

const backupTimeFormat = "20060102_150405"

var backupNameRe = regexp.MustCompile(`^crosswalk_(\d{8}_\d{6})(?:_\d+)?\.db$`)

// BackupInfo describes one snapshot; it is also written as a JSON sidecar
// next to the snapshot file.
type BackupInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
	Trigger    string    `json:"trigger"`
	Mappings   int64     `json:"mappings"`
	LogRecords int64     `json:"log_records"`
	SizeBytes  int64     `json:"size_bytes"`
}

func (s *Store) backupDir() string {
	return filepath.Join(filepath.Dir(s.path), "backups")
}

// Backup takes a consistent snapshot: writers are held off, the WAL is
// checkpointed into the main file, and the file is copied into backups/.
func (s *Store) Backup(ctx context.Context, trigger string) (BackupInfo, error) {
	s.mu.Lock()
	now := time.Now()
	name := "crosswalk_" + now.Format(backupTimeFormat) + ".db"
	dest := filepath.Join(s.backupDir(), name)
	// Same-second snapshots (e.g. a pre-restore backup right after a manual
	// one) must not overwrite each other.
	for i := 2; ; i++ {
		if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
			break
		}
		name = fmt.Sprintf("crosswalk_%s_%d.db", now.Format(backupTimeFormat), i)
		dest = filepath.Join(s.backupDir(), name)
	}

	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.mu.Unlock()
		return BackupInfo{}, fmt.Errorf("crosswalk: checkpoint before backup: %w", err)
	}
	if err := fsutil.CopyFile(s.path, dest); err != nil {
		s.mu.Unlock()
		return BackupInfo{}, fmt.Errorf("crosswalk: copy snapshot: %w", err)
	}
	s.mu.Unlock()

	mappings, err := s.MappingCount(ctx, "")
	if err != nil {
		return BackupInfo{}, err
	}
	logs, err := s.LogCount(ctx)
	if err != nil {
		return BackupInfo{}, err
	}
	fi, err := os.Stat(dest)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("crosswalk: stat snapshot: %w", err)
	}

	info := BackupInfo{
		Name:       name,
		Path:       dest,
		CreatedAt:  now.UTC(),
		Trigger:    trigger,
		Mappings:   mappings,
		LogRecords: logs,
		SizeBytes:  fi.Size(),
	}
	if data, err := json.MarshalIndent(info, "", "  "); err == nil {
		if werr := fsutil.WriteFileAtomic(dest+".json", data, 0o644); werr != nil {
			s.log.Warn("backup sidecar not written", zap.String("backup", name), zap.Error(werr))
		}
	}
	s.log.Info("crosswalk backup created",
		zap.String("backup", name),
		zap.String("trigger", trigger),
		zap.Int64("mappings", mappings),
		zap.Int64("size_bytes", fi.Size()))
	return info, nil
}

// ListBackups returns known snapshots sorted newest first.
func (s *Store) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.backupDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("crosswalk: list backups: %w", err)
	}
	var out []BackupInfo
	for _, e := range entries {
		m := backupNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		created, err := time.ParseInLocation(backupTimeFormat, m[1], time.Local)
		if err != nil {
			continue
		}
		info := BackupInfo{
			Name:      e.Name(),
			Path:      filepath.Join(s.backupDir(), e.Name()),
			CreatedAt: created,
		}
		if fi, err := e.Info(); err == nil {
			info.SizeBytes = fi.Size()
		}
		if data, err := os.ReadFile(info.Path + ".json"); err == nil {
			var sidecar BackupInfo
			if json.Unmarshal(data, &sidecar) == nil {
				sidecar.Path = info.Path
				info = sidecar
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name > out[j].Name
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// PruneBackups enforces retention: at most maxBackups snapshots, none older
// than retentionDays. The newest snapshot always survives. Returns the
// number removed.
func (s *Store) PruneBackups(maxBackups, retentionDays int) (int, error) {
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	backups, err := s.ListBackups()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0
	for i, b := range backups {
		if i == 0 {
			continue // always keep the newest
		}
		if i < maxBackups && !b.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("crosswalk: prune %s: %w", b.Name, err)
		}
		os.Remove(b.Path + ".json")
		removed++
		s.log.Info("crosswalk backup pruned", zap.String("backup", b.Name))
	}
	return removed, nil
}

// Restore replaces the live store with a snapshot. A pre-restore backup is
// taken first; the database handle is closed, the file swapped atomically,
// and the handle reopened.
func (s *Store) Restore(ctx context.Context, backupPath string) error {
	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("crosswalk: restore source: %w", err)
	}
	if _, err := s.Backup(ctx, TriggerPreRestore); err != nil {
		return fmt.Errorf("crosswalk: pre-restore backup: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("crosswalk: close before restore: %w", err)
	}
	// Drop WAL leftovers so the restored file opens clean.
	os.Remove(s.path + "-wal")
	os.Remove(s.path + "-shm")
	if err := fsutil.CopyFile(backupPath, s.path); err != nil {
		return fmt.Errorf("crosswalk: install snapshot: %w", err)
	}
	db, err := openDB(s.path)
	if err != nil {
		return fmt.Errorf("crosswalk: reopen after restore: %w", err)
	}
	s.db = db
	s.log.Info("crosswalk restored", zap.String("from", backupPath))
	return nil
}

// RunBackupSchedule snapshots at every local midnight and prunes afterward,
// until ctx is cancelled.
func (s *Store) RunBackupSchedule(ctx context.Context, maxBackups, retentionDays int) {
	for {
		timer := time.NewTimer(time.Until(nextMidnight(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.Backup(ctx, TriggerScheduled); err != nil {
				s.log.Error("scheduled crosswalk backup failed", zap.Error(err))
			}
			if _, err := s.PruneBackups(maxBackups, retentionDays); err != nil {
				s.log.Error("crosswalk backup prune failed", zap.Error(err))
			}
		}
	}
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
