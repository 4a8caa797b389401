package receiver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

func newTestWatcher(t *testing.T, quiet time.Duration, origin func(string) string) (*Watcher, string) {
	t.Helper()
	root := t.TempDir()
	w, err := NewWatcher("GATE", root, quiet, origin, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.fsw.Close() })
	return w, root
}

func seedStudy(t *testing.T, root, studyUID string, files ...string) {
	t.Helper()
	for _, name := range files {
		p := filepath.Join(root, studyUID, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("0123456789"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func backdate(t *testing.T, w *Watcher, studyUID string, d time.Duration) {
	t.Helper()
	w.mu.Lock()
	w.lastActivity[studyUID] = time.Now().Add(-d)
	w.mu.Unlock()
}

func TestRescan_SeedsExistingStudies(t *testing.T) {
	root := t.TempDir()
	seedStudy(t, root, "1.2.3", "s1/a.dcm", "s1/b.dcm")

	w, err := NewWatcher("GATE", root, time.Minute, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer w.fsw.Close()

	w.mu.Lock()
	_, known := w.lastActivity["1.2.3"]
	w.mu.Unlock()
	if !known {
		t.Fatal("pre-existing study not seeded")
	}
}

func TestRescan_IgnoresDotDirs(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".receiving"), 0o755); err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher("GATE", root, time.Minute, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer w.fsw.Close()

	w.mu.Lock()
	n := len(w.lastActivity)
	w.mu.Unlock()
	if n != 0 {
		t.Fatalf("dot directory tracked: %d studies", n)
	}
}

func TestSweep_AnnouncesQuietStudy(t *testing.T) {
	w, root := newTestWatcher(t, time.Minute, func(studyUID string) string {
		if studyUID == "1.2.3" {
			return "MODALITY1"
		}
		return ""
	})
	seedStudy(t, root, "1.2.3", "s1/a.dcm", "s1/b.dcm")
	w.mu.Lock()
	w.lastActivity["1.2.3"] = time.Now()
	w.mu.Unlock()

	// Still inside the quiet period: nothing announced.
	w.sweep()
	select {
	case sr := <-w.Ready():
		t.Fatalf("premature announcement: %+v", sr)
	default:
	}

	backdate(t, w, "1.2.3", 2*time.Minute)
	w.sweep()
	select {
	case sr := <-w.Ready():
		if sr.StudyUID != "1.2.3" || sr.ListenerAE != "GATE" {
			t.Fatalf("StudyReady = %+v", sr)
		}
		if sr.FileCount != 2 || sr.Bytes != 20 {
			t.Fatalf("tally = %d files %d bytes", sr.FileCount, sr.Bytes)
		}
		if sr.CallingAE != "MODALITY1" {
			t.Errorf("CallingAE = %q", sr.CallingAE)
		}
		if sr.Path != filepath.Join(root, "1.2.3") {
			t.Errorf("Path = %q", sr.Path)
		}
	default:
		t.Fatal("quiet study not announced")
	}

	// Announced studies are not re-announced.
	w.sweep()
	select {
	case sr := <-w.Ready():
		t.Fatalf("duplicate announcement: %+v", sr)
	default:
	}
}

func TestHandleEvent_RemoveRefreshesQuietTimer(t *testing.T) {
	w, root := newTestWatcher(t, time.Minute, nil)
	seedStudy(t, root, "1.2.3", "s1/a.dcm", "s1/b.dcm")
	backdate(t, w, "1.2.3", 2*time.Minute)

	// A deletion inside the study restarts the quiet period.
	w.handleEvent(fsnotify.Event{
		Name: filepath.Join(root, "1.2.3", "s1", "b.dcm"),
		Op:   fsnotify.Remove,
	})
	w.sweep()
	select {
	case sr := <-w.Ready():
		t.Fatalf("study announced despite fresh removal: %+v", sr)
	default:
	}

	backdate(t, w, "1.2.3", 2*time.Minute)
	w.sweep()
	if len(w.Ready()) != 1 {
		t.Fatal("study not announced after quiet period")
	}
}

func TestSweep_EmptyStudyDropped(t *testing.T) {
	w, _ := newTestWatcher(t, time.Minute, nil)
	w.mu.Lock()
	w.lastActivity["gone"] = time.Now().Add(-2 * time.Minute)
	w.mu.Unlock()

	w.sweep()
	select {
	case sr := <-w.Ready():
		t.Fatalf("vanished study announced: %+v", sr)
	default:
	}
	w.mu.Lock()
	_, known := w.lastActivity["gone"]
	w.mu.Unlock()
	if known {
		t.Fatal("vanished study still tracked")
	}
}

func TestResetStudy_ReArms(t *testing.T) {
	w, root := newTestWatcher(t, time.Minute, nil)
	seedStudy(t, root, "1.2.3", "s1/a.dcm")
	backdate(t, w, "1.2.3", 2*time.Minute)
	w.sweep()
	if len(w.Ready()) != 1 {
		t.Fatal("study not announced")
	}
	<-w.Ready()

	// Late arrival: re-arm, then the study becomes due again.
	w.ResetStudy("1.2.3")
	w.sweep()
	select {
	case sr := <-w.Ready():
		t.Fatalf("re-armed study announced before quiet period: %+v", sr)
	default:
	}
	backdate(t, w, "1.2.3", 2*time.Minute)
	w.sweep()
	if len(w.Ready()) != 1 {
		t.Fatal("re-armed study not re-announced")
	}
}

func TestForget_DropsState(t *testing.T) {
	w, root := newTestWatcher(t, time.Minute, nil)
	seedStudy(t, root, "1.2.3", "s1/a.dcm")
	backdate(t, w, "1.2.3", 2*time.Minute)
	w.sweep()
	<-w.Ready()

	w.Forget("1.2.3")
	w.mu.Lock()
	_, known := w.lastActivity["1.2.3"]
	announced := w.announced["1.2.3"]
	w.mu.Unlock()
	if known || announced {
		t.Fatal("state survives Forget")
	}
}

func TestTally_SkipsDotfiles(t *testing.T) {
	dir := t.TempDir()
	seedStudy(t, dir, "s", "a.dcm", "b.dcm")
	if err := os.WriteFile(filepath.Join(dir, "s", ".part"), []byte("xx"), 0o644); err != nil {
		t.Fatal(err)
	}
	count, bytes := tally(filepath.Join(dir, "s"))
	if count != 2 || bytes != 20 {
		t.Fatalf("tally = %d files %d bytes", count, bytes)
	}
}
