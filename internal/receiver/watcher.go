package receiver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/metrics"
)

// sweepInterval bounds how late after its quiet period a study is
// declared ready.
const sweepInterval = 5 * time.Second

// StudyReady announces one study whose quiet period elapsed.
type StudyReady struct {
	ListenerAE string
	StudyUID   string
	Path       string // study directory under incoming/
	FileCount  int
	Bytes      int64
	CallingAE  string
}

// Watcher observes a listener's incoming/ tree and emits a StudyReady
// once no file activity has touched a study for the quiet period. New
// study and series directories are registered as they appear; a restart
// rescan seeds timers from the newest file mtime so studies interrupted
// mid-receive still complete.
type Watcher struct {
	listenerAE string
	root       string
	quiet      time.Duration
	origin     func(studyUID string) string
	log        *zap.Logger

	fsw   *fsnotify.Watcher
	ready chan StudyReady

	mu           sync.Mutex
	lastActivity map[string]time.Time // study UID -> last write
	announced    map[string]bool
}

func NewWatcher(listenerAE, incomingDir string, quiet time.Duration, origin func(string) string, log *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("receiver: fsnotify: %w", err)
	}
	if err := fsw.Add(incomingDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("receiver: watching %s: %w", incomingDir, err)
	}
	w := &Watcher{
		listenerAE:   listenerAE,
		root:         incomingDir,
		quiet:        quiet,
		origin:       origin,
		log:          log,
		fsw:          fsw,
		ready:        make(chan StudyReady, 64),
		lastActivity: make(map[string]time.Time),
		announced:    make(map[string]bool),
	}
	if err := w.rescan(); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Ready is the channel of completed studies.
func (w *Watcher) Ready() <-chan StudyReady { return w.ready }

// rescan seeds timers for studies already on disk, using the newest file
// mtime so an idle study left over from before a restart fires after one
// quiet period, not immediately.
func (w *Watcher) rescan() error {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("receiver: rescan %s: %w", w.root, err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		studyDir := filepath.Join(w.root, e.Name())
		newest := time.Time{}
		filepath.Walk(studyDir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if info.IsDir() {
				w.fsw.Add(path)
				return nil
			}
			if info.ModTime().After(newest) {
				newest = info.ModTime()
			}
			return nil
		})
		if newest.IsZero() {
			newest = time.Now()
		}
		w.mu.Lock()
		w.lastActivity[e.Name()] = newest
		w.mu.Unlock()
		w.log.Info("resuming study from disk",
			zap.String("listener", w.listenerAE),
			zap.String("study_uid", e.Name()))
	}
	w.updateGauge()
	return nil
}

// Run pumps filesystem events and sweeps for quiet studies until ctx is
// cancelled. The ready channel is closed on return.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.ready)
	defer w.fsw.Close()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.String("listener", w.listenerAE), zap.Error(err))
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".") {
		return
	}
	studyUID := strings.Split(filepath.ToSlash(rel), "/")[0]
	if strings.HasPrefix(studyUID, ".") {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			// New study or series directory: watch it for file events.
			w.fsw.Add(ev.Name)
		}
	}
	// Removals count as activity too: a peer replacing an instance
	// deletes before it rewrites, and the quiet period must cover both.
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	w.mu.Lock()
	_, known := w.lastActivity[studyUID]
	w.lastActivity[studyUID] = time.Now()
	if w.announced[studyUID] {
		// Late arrival after completion: the orchestrator re-arms the
		// study through ResetStudy when it sees files reappear.
		w.log.Warn("activity on already-completed study",
			zap.String("listener", w.listenerAE),
			zap.String("study_uid", studyUID))
	}
	w.mu.Unlock()

	if !known {
		w.log.Info("study opened",
			zap.String("listener", w.listenerAE),
			zap.String("study_uid", studyUID))
		w.updateGauge()
	}
}

func (w *Watcher) sweep() {
	now := time.Now()
	var due []string
	w.mu.Lock()
	for studyUID, last := range w.lastActivity {
		if w.announced[studyUID] {
			continue
		}
		if now.Sub(last) >= w.quiet {
			due = append(due, studyUID)
			w.announced[studyUID] = true
		}
	}
	w.mu.Unlock()

	for _, studyUID := range due {
		studyDir := filepath.Join(w.root, studyUID)
		count, bytes := tally(studyDir)
		if count == 0 {
			// Directory vanished or is empty; drop the entry.
			w.forget(studyUID)
			continue
		}
		callingAE := ""
		if w.origin != nil {
			callingAE = w.origin(studyUID)
		}
		sr := StudyReady{
			ListenerAE: w.listenerAE,
			StudyUID:   studyUID,
			Path:       studyDir,
			FileCount:  count,
			Bytes:      bytes,
			CallingAE:  callingAE,
		}
		metrics.StudiesCompletedTotal.WithLabelValues(w.listenerAE).Inc()
		w.log.Info("study complete",
			zap.String("listener", w.listenerAE),
			zap.String("study_uid", studyUID),
			zap.Int("files", count),
			zap.Int64("bytes", bytes))
		select {
		case w.ready <- sr:
		default:
			// Queue full: re-arm so the next sweep retries.
			w.mu.Lock()
			delete(w.announced, studyUID)
			w.mu.Unlock()
			w.log.Warn("ready queue full, deferring study",
				zap.String("study_uid", studyUID))
		}
	}
}

// ResetStudy re-arms the quiet timer, used when instances arrive for a
// study the watcher already announced.
func (w *Watcher) ResetStudy(studyUID string) {
	w.mu.Lock()
	delete(w.announced, studyUID)
	w.lastActivity[studyUID] = time.Now()
	w.mu.Unlock()
}

// Forget drops all state for a study once it leaves incoming/.
func (w *Watcher) Forget(studyUID string) {
	w.forget(studyUID)
}

func (w *Watcher) forget(studyUID string) {
	w.mu.Lock()
	delete(w.lastActivity, studyUID)
	delete(w.announced, studyUID)
	w.mu.Unlock()
	w.updateGauge()
}

func (w *Watcher) updateGauge() {
	w.mu.Lock()
	n := len(w.lastActivity)
	w.mu.Unlock()
	metrics.WatcherActiveStudies.WithLabelValues(w.listenerAE).Set(float64(n))
}

func tally(dir string) (count int, bytes int64) {
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || !info.Mode().IsRegular() {
			return nil
		}
		if strings.HasPrefix(filepath.Base(path), ".") {
			return nil
		}
		count++
		bytes += info.Size()
		return nil
	})
	return count, bytes
}
