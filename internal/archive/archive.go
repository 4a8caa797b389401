// Package archive owns the durable study record: the original snapshot
// taken before any delivery, the optional anonymized snapshot, the
// per-destination status blobs, the audit report, and date-based retention.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/dicom"
	"github.com/radgate/radgate/internal/fsutil"
)

const (
	dateLayout       = "2006-01-02"
	originalDir      = "original"
	anonymizedDir    = "anonymized"
	destinationsDir  = "destinations"
	metadataFile     = "archive_metadata.json"
	auditReportFile  = "audit_report.json"
	rejectReasonFile = "rejection_reason.txt"
)

var dateDirRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Metadata is the archive_metadata.json schema.
type Metadata struct {
	StudyUID            string     `json:"studyUid"`
	ListenerAE          string     `json:"listenerAE"`
	CallingPeer         string     `json:"callingPeer,omitempty"`
	ArchivedAt          time.Time  `json:"archivedAt"`
	AnonymizedAt        *time.Time `json:"anonymizedAt,omitempty"`
	AuditGeneratedAt    *time.Time `json:"auditGeneratedAt,omitempty"`
	OriginalFileCount   int        `json:"originalFileCount"`
	AnonymizedFileCount int        `json:"anonymizedFileCount"`
	ScriptName          string     `json:"scriptName,omitempty"`
	PHIFieldsModified   int        `json:"phiFieldsModified,omitempty"`
	ConformanceIssues   int        `json:"conformanceIssues,omitempty"`
	BrokerName          string     `json:"brokerName,omitempty"`
	HashUIDsEnabled     bool       `json:"hashUidsEnabled"`
}

// Study is one archived study's on-disk location.
type Study struct {
	Dir string
}

func (s Study) OriginalDir() string     { return filepath.Join(s.Dir, originalDir) }
func (s Study) AnonymizedDir() string   { return filepath.Join(s.Dir, anonymizedDir) }
func (s Study) MetadataPath() string    { return filepath.Join(s.Dir, metadataFile) }
func (s Study) AuditReportPath() string { return filepath.Join(s.Dir, auditReportFile) }

// Manager lays out archives under {base}/{listenerAE}/archive/{date}/.
type Manager struct {
	base string
	log  *zap.Logger
}

// NewManager returns a manager rooted at base.
func NewManager(base string, log *zap.Logger) *Manager {
	return &Manager{base: base, log: log}
}

func (m *Manager) archiveRoot(listenerAE string) string {
	return filepath.Join(m.base, listenerAE, "archive")
}

// studyDirName sanitizes the study UID for use as a path component.
func studyDirName(studyUID string) string {
	return "study_" + dicom.SanitizeUID(studyUID)
}

// Create allocates today's archive directory for a study and copies the
// received files into original/. Nothing may be delivered to a destination
// before this returns.
func (m *Manager) Create(listenerAE, studyUID, srcDir string) (Study, int, error) {
	s := Study{Dir: filepath.Join(m.archiveRoot(listenerAE), time.Now().Format(dateLayout), studyDirName(studyUID))}
	if err := fsutil.CopyTree(srcDir, s.OriginalDir()); err != nil {
		return Study{}, 0, fmt.Errorf("archive: snapshot originals for %s: %w", studyUID, err)
	}
	n, err := countFiles(s.OriginalDir())
	if err != nil {
		return Study{}, 0, err
	}
	m.log.Info("study archived",
		zap.String("listener", listenerAE),
		zap.String("study_uid", studyUID),
		zap.Int("files", n))
	return s, n, nil
}

// AddAnonymized copies an anonymized rendition into the study's
// anonymized/ snapshot.
func (m *Manager) AddAnonymized(s Study, srcDir string) (int, error) {
	if err := fsutil.CopyTree(srcDir, s.AnonymizedDir()); err != nil {
		return 0, fmt.Errorf("archive: snapshot anonymized: %w", err)
	}
	return countFiles(s.AnonymizedDir())
}

// WriteDestinationStatus persists one destination's terminal status blob.
func (m *Manager) WriteDestinationStatus(s Study, destName string, status any) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal status for %s: %w", destName, err)
	}
	path := filepath.Join(s.Dir, destinationsDir, dicom.SanitizeUID(destName)+".json")
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

// WriteMetadata persists archive_metadata.json.
func (m *Manager) WriteMetadata(s Study, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal metadata: %w", err)
	}
	return fsutil.WriteFileAtomic(s.MetadataPath(), data, 0o644)
}

// ReadMetadata loads a study's metadata.
func (m *Manager) ReadMetadata(s Study) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(s.MetadataPath())
	if err != nil {
		return meta, fmt.Errorf("archive: read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("archive: parse metadata: %w", err)
	}
	return meta, nil
}

// WriteRejectionReason records why a study terminated without success.
func (m *Manager) WriteRejectionReason(s Study, reason string) error {
	return fsutil.WriteFileAtomic(filepath.Join(s.Dir, rejectReasonFile), []byte(reason+"\n"), 0o644)
}

// ErrNotFound reports a study absent from the archive.
var ErrNotFound = errors.New("archive: study not found")

// Locate finds an archived study by scanning date directories newest
// first.
func (m *Manager) Locate(listenerAE, studyUID string) (Study, error) {
	root := m.archiveRoot(listenerAE)
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return Study{}, ErrNotFound
	}
	if err != nil {
		return Study{}, fmt.Errorf("archive: scan %s: %w", root, err)
	}
	var dates []string
	for _, e := range entries {
		if e.IsDir() && dateDirRe.MatchString(e.Name()) {
			dates = append(dates, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	want := studyDirName(studyUID)
	for _, d := range dates {
		dir := filepath.Join(root, d, want)
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return Study{Dir: dir}, nil
		}
	}
	return Study{}, fmt.Errorf("%w: %s on %s", ErrNotFound, studyUID, listenerAE)
}

func countFiles(dir string) (int, error) {
	n := 0
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive: count files in %s: %w", dir, err)
	}
	return n, nil
}
