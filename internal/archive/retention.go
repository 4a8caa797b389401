package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Cleanup deletes a listener's archive date directories strictly older
// than today − retentionDays in the given timezone, removing each study
// subdirectory before the emptied date directory. Returns the number of
// date directories removed.
func (m *Manager) Cleanup(listenerAE string, retentionDays int, timezone string) (int, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return 0, fmt.Errorf("archive: loading timezone %s: %w", timezone, err)
	}
	now := time.Now().In(loc)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -retentionDays)

	root := m.archiveRoot(listenerAE)
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("archive: list %s: %w", root, err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !dateDirRe.MatchString(e.Name()) {
			m.log.Warn("skipping archive entry with unexpected name",
				zap.String("listener", listenerAE), zap.String("entry", e.Name()))
			continue
		}
		dirDate, err := time.ParseInLocation(dateLayout, e.Name(), loc)
		if err != nil {
			m.log.Warn("cannot parse archive date directory",
				zap.String("listener", listenerAE), zap.String("entry", e.Name()))
			continue
		}
		if !dirDate.Before(cutoff) {
			continue
		}

		dateDir := filepath.Join(root, e.Name())
		studies, err := os.ReadDir(dateDir)
		if err != nil {
			return removed, fmt.Errorf("archive: list %s: %w", dateDir, err)
		}
		for _, s := range studies {
			if err := os.RemoveAll(filepath.Join(dateDir, s.Name())); err != nil {
				return removed, fmt.Errorf("archive: remove study %s: %w", s.Name(), err)
			}
		}
		if err := os.Remove(dateDir); err != nil {
			return removed, fmt.Errorf("archive: remove date dir %s: %w", dateDir, err)
		}
		removed++
		m.log.Info("archive date directory removed",
			zap.String("listener", listenerAE),
			zap.String("date", e.Name()),
			zap.Time("cutoff", cutoff))
	}
	return removed, nil
}
