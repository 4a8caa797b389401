// Package receiver owns the ingest side of the gateway: TCP listeners
// that hand associations to the wire-protocol provider, the inbox that
// files each stored instance under its study and series, and the watcher
// that declares a study complete after its quiet period.
package receiver

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/dicom"
	"github.com/radgate/radgate/internal/dimse"
	"github.com/radgate/radgate/internal/metrics"
)

// Placeholders for instances missing their organizing UIDs. Such files
// still flow through the pipeline grouped under the placeholder study.
const (
	UnknownStudy  = "UNKNOWN_STUDY"
	UnknownSeries = "UNKNOWN_SERIES"
)

// Inbox files stored instances into
// {base}/{AE}/incoming/{study}/{series}/{sop}.dcm and appends one line
// per instance to the day's receive log. It remembers which peer sent
// each study so the forwarder can report the origin.
type Inbox struct {
	listenerAE string
	baseDir    string // {storage base}/{AE}
	log        *zap.Logger

	mu        sync.Mutex
	origins   map[string]string // study UID -> calling AE
	logFile   *os.File
	logWriter *csv.Writer
	logDay    string
}

func NewInbox(listenerAE, storageBase string, log *zap.Logger) (*Inbox, error) {
	base := filepath.Join(storageBase, listenerAE)
	for _, sub := range []string{"incoming", "processing", "completed", "failed", "archive", "logs"} {
		if err := os.MkdirAll(filepath.Join(base, sub), 0o755); err != nil {
			return nil, fmt.Errorf("receiver: mkdir %s: %w", sub, err)
		}
	}
	return &Inbox{
		listenerAE: listenerAE,
		baseDir:    base,
		log:        log,
		origins:    make(map[string]string),
	}, nil
}

// IncomingDir is the root the watcher observes.
func (in *Inbox) IncomingDir() string { return filepath.Join(in.baseDir, "incoming") }

// BaseDir is the listener's storage root.
func (in *Inbox) BaseDir() string { return in.baseDir }

// OnStore streams one instance to disk. The file lands under a temp name
// first and is renamed into its study/series directory only once fully
// written, so the watcher never sees partial files.
func (in *Inbox) OnStore(ctx context.Context, req *dimse.StoreRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmpDir := filepath.Join(in.baseDir, "incoming", ".receiving")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("receiver: mkdir receiving: %w", err)
	}
	tmp, err := os.CreateTemp(tmpDir, "store-*.part")
	if err != nil {
		return fmt.Errorf("receiver: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	size, err := io.Copy(tmp, req.Body)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("receiver: writing instance: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("receiver: sync instance: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("receiver: close instance: %w", err)
	}

	ids, err := in.identify(tmpName, req)
	if err != nil {
		return err
	}

	dir := filepath.Join(in.baseDir, "incoming",
		dicom.SanitizeUID(ids.study), dicom.SanitizeUID(ids.series))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("receiver: mkdir %s: %w", dir, err)
	}
	dst := filepath.Join(dir, dicom.SanitizeUID(ids.sop)+".dcm")
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("receiver: rename into study: %w", err)
	}

	// Origins are keyed by the sanitized study UID, the same form the
	// watcher announces as the directory name.
	key := dicom.SanitizeUID(ids.study)
	in.mu.Lock()
	if _, ok := in.origins[key]; !ok {
		in.origins[key] = req.CallingAE
	}
	in.mu.Unlock()

	in.appendReceiveLog(req.CallingAE, ids, size)
	metrics.InstancesReceivedTotal.WithLabelValues(in.listenerAE, req.CallingAE).Inc()
	in.log.Debug("instance stored",
		zap.String("listener", in.listenerAE),
		zap.String("calling_ae", req.CallingAE),
		zap.String("study_uid", ids.study),
		zap.String("sop_uid", ids.sop),
		zap.Int64("bytes", size))
	return nil
}

// instanceIDs is what one stored instance contributes to filing and the
// receive log.
type instanceIDs struct {
	study     string
	series    string
	sop       string
	patientID string
	modality  string
}

// identify reads the header of the stored file for its organizing UIDs,
// preferring the dataset over the command-set fields the peer declared.
func (in *Inbox) identify(path string, req *dimse.StoreRequest) (instanceIDs, error) {
	f, err := os.Open(path)
	if err != nil {
		return instanceIDs{}, fmt.Errorf("receiver: reopen instance: %w", err)
	}
	defer f.Close()
	parsed, err := dicom.ParseHeader(f)
	if err != nil {
		return instanceIDs{}, fmt.Errorf("receiver: instance not parseable: %w", err)
	}
	ids := instanceIDs{
		study:     parsed.Dataset.StringValue(dicom.TagStudyInstanceUID),
		series:    parsed.Dataset.StringValue(dicom.TagSeriesInstanceUID),
		sop:       parsed.Dataset.StringValue(dicom.TagSOPInstanceUID),
		patientID: parsed.Dataset.StringValue(dicom.TagPatientID),
		modality:  parsed.Dataset.StringValue(dicom.TagModality),
	}
	if ids.sop == "" {
		ids.sop = req.SOPInstanceUID
	}
	if ids.sop == "" {
		return instanceIDs{}, fmt.Errorf("receiver: instance has no SOP instance UID")
	}
	if ids.study == "" {
		ids.study = UnknownStudy
		in.log.Warn("instance missing study UID",
			zap.String("listener", in.listenerAE), zap.String("sop_uid", ids.sop))
	}
	if ids.series == "" {
		ids.series = UnknownSeries
	}
	return ids, nil
}

// CallingAE returns the peer that first stored into the study, or "".
// studyUID may be the raw UID or the sanitized directory form.
func (in *Inbox) CallingAE(studyUID string) string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.origins[dicom.SanitizeUID(studyUID)]
}

// ForgetStudy drops the origin entry once the study leaves incoming.
func (in *Inbox) ForgetStudy(studyUID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.origins, dicom.SanitizeUID(studyUID))
}

// appendReceiveLog writes one CSV row per instance, rotating by day.
// Logging failures are reported but never fail the store.
func (in *Inbox) appendReceiveLog(callingAE string, ids instanceIDs, size int64) {
	in.mu.Lock()
	defer in.mu.Unlock()

	now := time.Now().UTC()
	day := now.Format("20060102")
	if in.logWriter == nil || in.logDay != day {
		if in.logWriter != nil {
			in.logWriter.Flush()
			in.logFile.Close()
		}
		path := filepath.Join(in.baseDir, "logs", "receive_"+day+".csv")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			in.log.Error("opening receive log", zap.Error(err))
			in.logWriter = nil
			return
		}
		w := csv.NewWriter(f)
		if fi, statErr := f.Stat(); statErr == nil && fi.Size() == 0 {
			w.Write([]string{"timestamp", "calling_ae", "patient_id", "study_uid", "series_uid", "sop_uid", "modality", "bytes"})
		}
		in.logFile, in.logWriter, in.logDay = f, w, day
	}
	in.logWriter.Write([]string{
		now.Format(time.RFC3339),
		callingAE,
		ids.patientID,
		ids.study,
		ids.series,
		ids.sop,
		ids.modality,
		strconv.FormatInt(size, 10),
	})
	in.logWriter.Flush()
	if err := in.logWriter.Error(); err != nil {
		in.log.Error("writing receive log", zap.Error(err))
	}
}

// Close flushes and closes the receive log.
func (in *Inbox) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.logWriter != nil {
		in.logWriter.Flush()
		err := in.logFile.Close()
		in.logWriter = nil
		return err
	}
	return nil
}
