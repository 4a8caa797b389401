package forward

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/archive"
	"github.com/radgate/radgate/internal/broker"
	"github.com/radgate/radgate/internal/config"
	"github.com/radgate/radgate/internal/crosswalk"
	"github.com/radgate/radgate/internal/deid"
	"github.com/radgate/radgate/internal/dest"
	"github.com/radgate/radgate/internal/dicom"
	"github.com/radgate/radgate/internal/receiver"
	"github.com/radgate/radgate/internal/script"
)

type pipeline struct {
	base string
	orch *Orchestrator
}

func newPipeline(t *testing.T, route config.RouteConfig, destCfgs map[string]config.DestinationConfig, brokers map[string]*broker.Broker, store *crosswalk.Store) *pipeline {
	t.Helper()
	log := zap.NewNop()
	base := t.TempDir()

	inbox, err := receiver.NewInbox(route.AETitle, base, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { inbox.Close() })
	watcher, err := receiver.NewWatcher(route.AETitle, inbox.IncomingDir(), time.Minute, inbox.CallingAE, log)
	if err != nil {
		t.Fatal(err)
	}
	dests, err := dest.NewManager(destCfgs, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dests.Close() })
	if store == nil {
		store, err = crosswalk.Open(filepath.Join(t.TempDir(), "cw.db"), log)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { store.Close() })
	}
	library, err := script.NewLibrary(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}

	orch, err := NewOrchestrator(route, Deps{
		Inbox:    inbox,
		Watcher:  watcher,
		Dests:    dests,
		Brokers:  brokers,
		Scripts:  library,
		Executor: deid.NewExecutor(deid.DefaultChecks(), 0, log),
		Archiver: archive.NewManager(base, log),
		Store:    store,
	}, log)
	if err != nil {
		t.Fatal(err)
	}
	return &pipeline{base: base, orch: orch}
}

func testRoute() config.RouteConfig {
	return config.RouteConfig{
		AETitle:                "GATE",
		Port:                   11113,
		WorkerThreads:          1,
		MaxConcurrentTransfers: 2,
	}
}

func (p *pipeline) seedStudy(t *testing.T, studyUID string, sops ...string) receiver.StudyReady {
	t.Helper()
	dir := filepath.Join(p.base, "GATE", "incoming", dicom.SanitizeUID(studyUID))
	var bytes int64
	for _, sop := range sops {
		ds := dicom.NewDataset()
		ds.SetString(dicom.TagSOPClassUID, "UI", "1.2.840.10008.5.1.4.1.1.2")
		ds.SetString(dicom.TagStudyDate, "DA", "20240115")
		ds.SetString(dicom.TagSOPInstanceUID, "UI", sop)
		ds.SetString(dicom.TagPatientName, "PN", "DOE^JANE")
		ds.SetString(dicom.TagPatientID, "LO", "MRN12345")
		ds.SetString(dicom.TagPatientBirthDate, "DA", "19700101")
		ds.SetString(dicom.TagStudyInstanceUID, "UI", studyUID)
		ds.SetString(dicom.TagSeriesInstanceUID, "UI", studyUID+".1")
		data, err := dicom.Encode(ds, dicom.ExplicitVRLittleEndian)
		if err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(dir, studyUID+".1", sop+".dcm")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		bytes += int64(len(data))
	}
	return receiver.StudyReady{
		ListenerAE: "GATE",
		StudyUID:   studyUID,
		Path:       dir,
		FileCount:  len(sops),
		Bytes:      bytes,
		CallingAE:  "MODALITY1",
	}
}

// waitRetired polls until the study lands under completed/ or failed/.
// Retiring is the last filesystem step of a transfer, so once the moved
// dir is visible every delivery and archive write has happened.
func waitRetired(t *testing.T, base, bucket string) string {
	t.Helper()
	dir := filepath.Join(base, "GATE", bucket, time.Now().Format("2006-01-02"))
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
			return filepath.Join(dir, entries[0].Name())
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no study appeared under %s", dir)
	return ""
}

func TestProcess_DeliversAndArchives(t *testing.T) {
	nasDir := t.TempDir()
	route := testRoute()
	route.Destinations = []config.RouteDestination{{Name: "nas"}}
	p := newPipeline(t, route, map[string]config.DestinationConfig{
		"nas": {Kind: config.KindFilesystem, BasePath: nasDir, DirectoryPattern: "{PatientID}"},
	}, nil, nil)

	sr := p.seedStudy(t, "1.2.3", "1.2.3.1.1", "1.2.3.1.2")
	p.orch.process(context.Background(), sr)
	waitRetired(t, p.base, "completed")

	// Delivered under the pattern-expanded directory.
	delivered, err := os.ReadDir(filepath.Join(nasDir, "MRN12345"))
	if err != nil || len(delivered) != 2 {
		t.Fatalf("delivery missing: %v (%d files)", err, len(delivered))
	}

	// Archived original with metadata and per-destination status.
	arch := archive.NewManager(p.base, zap.NewNop())
	st, err := arch.Locate("GATE", "1.2.3")
	if err != nil {
		t.Fatal(err)
	}
	meta, err := arch.ReadMetadata(st)
	if err != nil {
		t.Fatal(err)
	}
	if meta.OriginalFileCount != 2 || meta.CallingPeer != "MODALITY1" {
		t.Fatalf("metadata = %+v", meta)
	}
	if _, err := os.Stat(filepath.Join(st.Dir, "destinations", "nas.json")); err != nil {
		t.Fatalf("destination status missing: %v", err)
	}

	// The study moved out of incoming.
	if _, err := os.Stat(sr.Path); !os.IsNotExist(err) {
		t.Fatal("study still under incoming")
	}
}

func TestProcess_AnonymizingEdgeWithBroker(t *testing.T) {
	store, err := crosswalk.Open(filepath.Join(t.TempDir(), "cw.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	bro, err := broker.New("study1", broker.Options{Scheme: broker.SchemeHash, Prefix: "SUBJ", HashUIDs: true}, store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	nasDir := t.TempDir()
	route := testRoute()
	route.Destinations = []config.RouteDestination{{
		Name:       "nas",
		Anonymize:  true,
		ScriptName: "builtin-basic",
		UseBroker:  true,
		BrokerName: "study1",
	}}
	p := newPipeline(t, route, map[string]config.DestinationConfig{
		"nas": {Kind: config.KindFilesystem, BasePath: nasDir, DirectoryPattern: "{PatientID}"},
	}, map[string]*broker.Broker{"study1": bro}, store)

	sr := p.seedStudy(t, "1.2.4", "1.2.4.1.1")
	ctx := context.Background()
	p.orch.process(ctx, sr)
	waitRetired(t, p.base, "completed")

	pseudonym, ok, err := store.Lookup(ctx, "study1", "MRN12345", crosswalk.IDPatientID)
	if err != nil || !ok {
		t.Fatalf("no crosswalk mapping: %v", err)
	}

	// The delivered rendition carries the pseudonym, not the MRN.
	delivered, err := os.ReadDir(filepath.Join(nasDir, pseudonym))
	if err != nil || len(delivered) != 1 {
		t.Fatalf("anonymized delivery missing under %s: %v", pseudonym, err)
	}
	f, err := dicom.ParseFile(filepath.Join(nasDir, pseudonym, delivered[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Dataset.StringValue(dicom.TagPatientName); got != "ANONYMOUS" {
		t.Errorf("PatientName = %q", got)
	}
	if got := f.Dataset.StringValue(dicom.TagPatientID); got != pseudonym {
		t.Errorf("PatientID = %q, want %q", got, pseudonym)
	}
	if got := f.Dataset.StringValue(dicom.TagStudyInstanceUID); !strings.HasPrefix(got, "2.25.") {
		t.Errorf("StudyInstanceUID not hashed: %q", got)
	}

	// UID hashing recorded in the crosswalk.
	hashed, ok, err := store.LookupUID(ctx, "study1", "1.2.4", crosswalk.IDStudyUID)
	if err != nil || !ok || !strings.HasPrefix(hashed, "2.25.") {
		t.Fatalf("uid map entry = %q ok=%v err=%v", hashed, ok, err)
	}

	// Archive holds both snapshots, the audit report, and broker metadata.
	arch := archive.NewManager(p.base, zap.NewNop())
	st, err := arch.Locate("GATE", "1.2.4")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(st.AnonymizedDir()); err != nil {
		t.Fatalf("anonymized snapshot missing: %v", err)
	}
	if _, err := os.Stat(st.AuditReportPath()); err != nil {
		t.Fatalf("audit report missing: %v", err)
	}
	meta, err := arch.ReadMetadata(st)
	if err != nil {
		t.Fatal(err)
	}
	if meta.ScriptName != "builtin-basic" || meta.BrokerName != "study1" || !meta.HashUIDsEnabled {
		t.Fatalf("metadata = %+v", meta)
	}
	if meta.AnonymizedAt == nil || meta.AuditGeneratedAt == nil {
		t.Fatal("anonymization timestamps missing")
	}
}

func TestProcess_BrokerOnlyEdgeSubstitutesIdentity(t *testing.T) {
	// UseBroker without Anonymize: the delivered copy carries the broker
	// pseudonym in place of the patient identity, with UIDs untouched.
	store, err := crosswalk.Open(filepath.Join(t.TempDir(), "cw.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	bro, err := broker.New("study1", broker.Options{Scheme: broker.SchemeHash, Prefix: "SUBJ"}, store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	nasDir := t.TempDir()
	route := testRoute()
	route.Destinations = []config.RouteDestination{{
		Name:       "nas",
		UseBroker:  true,
		BrokerName: "study1",
	}}
	p := newPipeline(t, route, map[string]config.DestinationConfig{
		"nas": {Kind: config.KindFilesystem, BasePath: nasDir, DirectoryPattern: "{PatientID}"},
	}, map[string]*broker.Broker{"study1": bro}, store)

	sr := p.seedStudy(t, "1.2.9", "1.2.9.1.1")
	ctx := context.Background()
	p.orch.process(ctx, sr)
	waitRetired(t, p.base, "completed")

	pseudonym, ok, err := store.Lookup(ctx, "study1", "MRN12345", crosswalk.IDPatientID)
	if err != nil || !ok {
		t.Fatalf("no crosswalk mapping: %v", err)
	}

	delivered, err := os.ReadDir(filepath.Join(nasDir, pseudonym))
	if err != nil || len(delivered) != 1 {
		t.Fatalf("delivery missing under %s: %v", pseudonym, err)
	}
	f, err := dicom.ParseFile(filepath.Join(nasDir, pseudonym, delivered[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Dataset.StringValue(dicom.TagPatientID); got != pseudonym {
		t.Errorf("PatientID = %q, want %q", got, pseudonym)
	}
	if got := f.Dataset.StringValue(dicom.TagPatientName); got != pseudonym {
		t.Errorf("PatientName = %q, want %q", got, pseudonym)
	}
	// Not a de-identification pass: UIDs survive unchanged.
	if got := f.Dataset.StringValue(dicom.TagStudyInstanceUID); got != "1.2.9" {
		t.Errorf("StudyInstanceUID = %q", got)
	}

	// The archive keeps the true original and no anonymized snapshot.
	arch := archive.NewManager(p.base, zap.NewNop())
	st, err := arch.Locate("GATE", "1.2.9")
	if err != nil {
		t.Fatal(err)
	}
	meta, err := arch.ReadMetadata(st)
	if err != nil {
		t.Fatal(err)
	}
	if meta.AnonymizedAt != nil {
		t.Error("broker substitution recorded as anonymization")
	}
	origs, err := os.ReadDir(st.OriginalDir())
	if err != nil || len(origs) == 0 {
		t.Fatalf("original snapshot missing: %v", err)
	}
}

func TestAdmit_RequeuesWhenOverLimit(t *testing.T) {
	nasDir := t.TempDir()
	route := testRoute()
	route.RateLimitPerMinute = 1
	route.Destinations = []config.RouteDestination{{Name: "nas"}}
	p := newPipeline(t, route, map[string]config.DestinationConfig{
		"nas": {Kind: config.KindFilesystem, BasePath: nasDir, DirectoryPattern: "{PatientID}"},
	}, nil, nil)

	sr1 := p.seedStudy(t, "1.3.1", "1.3.1.1.1")
	p.orch.process(context.Background(), sr1)
	waitRetired(t, p.base, "completed")

	// The window is full: the second study is requeued, not processed.
	sr2 := p.seedStudy(t, "1.3.2", "1.3.2.1.1")
	p.orch.process(context.Background(), sr2)
	if got := p.orch.retries.Pending(); got != 1 {
		t.Fatalf("pending requeues = %d, want 1", got)
	}
	if _, err := os.Stat(sr2.Path); err != nil {
		t.Fatal("requeued study left incoming")
	}
}

func TestProcess_UnparseableStudyWritesFailureReason(t *testing.T) {
	route := testRoute()
	route.Destinations = []config.RouteDestination{{Name: "nas"}}
	p := newPipeline(t, route, map[string]config.DestinationConfig{
		"nas": {Kind: config.KindFilesystem, BasePath: t.TempDir()},
	}, nil, nil)

	dir := filepath.Join(p.base, "GATE", "incoming", "1.3.3")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "garbage.dcm"), []byte("not dicom"), 0o644); err != nil {
		t.Fatal(err)
	}
	sr := receiver.StudyReady{
		ListenerAE: "GATE", StudyUID: "1.3.3", Path: dir,
		FileCount: 1, Bytes: 9, CallingAE: "MODALITY1",
	}
	p.orch.process(context.Background(), sr)
	waitRetired(t, p.base, "failed")

	arch := archive.NewManager(p.base, zap.NewNop())
	st, err := arch.Locate("GATE", "1.3.3")
	if err != nil {
		t.Fatal(err)
	}
	reason, err := os.ReadFile(filepath.Join(st.Dir, "rejection_reason.txt"))
	if err != nil {
		t.Fatalf("failure reason missing: %v", err)
	}
	if !strings.Contains(string(reason), "parseable") {
		t.Errorf("reason = %q", reason)
	}
}

func TestNewOrchestrator_SharedRetryScheduler(t *testing.T) {
	shared := NewScheduler()
	route := testRoute()
	route.Destinations = []config.RouteDestination{{Name: "nas"}}
	destCfgs := map[string]config.DestinationConfig{
		"nas": {Kind: config.KindFilesystem, BasePath: t.TempDir()},
	}

	a := newPipelineWithRetries(t, route, destCfgs, shared)
	b := newPipelineWithRetries(t, route, destCfgs, shared)
	if a.orch.retries != shared || b.orch.retries != shared {
		t.Fatal("orchestrators did not adopt the shared scheduler")
	}
	if a.orch.ownRetries || b.orch.ownRetries {
		t.Fatal("shared scheduler marked as owned")
	}

	// Without a shared scheduler each orchestrator still gets one.
	solo := newPipeline(t, route, destCfgs, nil, nil)
	if solo.orch.retries == nil || !solo.orch.ownRetries {
		t.Fatal("fallback scheduler not created")
	}
}

func newPipelineWithRetries(t *testing.T, route config.RouteConfig, destCfgs map[string]config.DestinationConfig, retries *Scheduler) *pipeline {
	t.Helper()
	p := newPipeline(t, route, destCfgs, nil, nil)
	orch, err := NewOrchestrator(route, Deps{
		Inbox:    p.orch.deps.Inbox,
		Watcher:  p.orch.deps.Watcher,
		Dests:    p.orch.deps.Dests,
		Scripts:  p.orch.deps.Scripts,
		Executor: p.orch.deps.Executor,
		Archiver: p.orch.deps.Archiver,
		Store:    p.orch.deps.Store,
		Retries:  retries,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	p.orch = orch
	return p
}

func TestProcess_ValidationRejectGoesToFailed(t *testing.T) {
	route := testRoute()
	route.Destinations = []config.RouteDestination{{Name: "nas"}}
	route.ValidationRules = []config.ValidationRule{
		{Type: "required_tag", Tag: "AccessionNumber", OnFailure: "reject"},
	}
	nasDir := t.TempDir()
	p := newPipeline(t, route, map[string]config.DestinationConfig{
		"nas": {Kind: config.KindFilesystem, BasePath: nasDir},
	}, nil, nil)

	sr := p.seedStudy(t, "1.2.5", "1.2.5.1.1")
	p.orch.process(context.Background(), sr)
	waitRetired(t, p.base, "failed")

	// Nothing delivered.
	if entries, _ := os.ReadDir(nasDir); len(entries) != 0 {
		t.Fatal("rejected study was delivered")
	}
	// Archived with the rejection reason, retired to failed/.
	arch := archive.NewManager(p.base, zap.NewNop())
	st, err := arch.Locate("GATE", "1.2.5")
	if err != nil {
		t.Fatal(err)
	}
	reason, err := os.ReadFile(filepath.Join(st.Dir, "rejection_reason.txt"))
	if err != nil {
		t.Fatalf("rejection reason missing: %v", err)
	}
	if !strings.Contains(string(reason), "AccessionNumber") {
		t.Errorf("reason = %q", reason)
	}
}

func TestProcess_FilteredStudyCompletesWithoutDelivery(t *testing.T) {
	route := testRoute()
	route.Destinations = []config.RouteDestination{{Name: "nas"}}
	route.FilterRules = []config.FilterRule{
		{Action: "exclude", Tag: "PatientID", Operator: "equals", Value: "MRN12345"},
	}
	nasDir := t.TempDir()
	p := newPipeline(t, route, map[string]config.DestinationConfig{
		"nas": {Kind: config.KindFilesystem, BasePath: nasDir},
	}, nil, nil)

	sr := p.seedStudy(t, "1.2.6", "1.2.6.1.1")
	p.orch.process(context.Background(), sr)
	waitRetired(t, p.base, "completed")

	if entries, _ := os.ReadDir(nasDir); len(entries) != 0 {
		t.Fatal("filtered study was delivered")
	}
}

func TestProcess_FailedEdgeRetiresToFailed(t *testing.T) {
	// The destination's base path is a regular file, so every copy fails.
	blocked := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	route := testRoute()
	route.Destinations = []config.RouteDestination{{Name: "nas", RetryCount: 0}}
	p := newPipeline(t, route, map[string]config.DestinationConfig{
		"nas": {Kind: config.KindFilesystem, BasePath: blocked},
	}, nil, nil)

	sr := p.seedStudy(t, "1.2.7", "1.2.7.1.1")
	p.orch.process(context.Background(), sr)
	waitRetired(t, p.base, "failed")

	arch := archive.NewManager(p.base, zap.NewNop())
	st, err := arch.Locate("GATE", "1.2.7")
	if err != nil {
		t.Fatal(err)
	}
	// The edge's terminal status records the failure.
	data, err := os.ReadFile(filepath.Join(st.Dir, "destinations", "nas.json"))
	if err != nil {
		t.Fatalf("destination status missing: %v", err)
	}
	if !strings.Contains(string(data), `"failed"`) {
		t.Errorf("status = %s", data)
	}
}

func TestProcess_TagModificationsApplied(t *testing.T) {
	nasDir := t.TempDir()
	route := testRoute()
	route.Destinations = []config.RouteDestination{{Name: "nas"}}
	route.TagModifications = []config.TagModification{
		{Action: "set", Tag: "InstitutionName", Value: "GATEWAY"},
	}
	p := newPipeline(t, route, map[string]config.DestinationConfig{
		"nas": {Kind: config.KindFilesystem, BasePath: nasDir, DirectoryPattern: "{PatientID}"},
	}, nil, nil)

	sr := p.seedStudy(t, "1.2.8", "1.2.8.1.1")
	p.orch.process(context.Background(), sr)
	waitRetired(t, p.base, "completed")

	delivered, err := os.ReadDir(filepath.Join(nasDir, "MRN12345"))
	if err != nil || len(delivered) != 1 {
		t.Fatalf("delivery missing: %v", err)
	}
	f, err := dicom.ParseFile(filepath.Join(nasDir, "MRN12345", delivered[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	tag, _ := dicom.KeywordTag("InstitutionName")
	if got := f.Dataset.StringValue(tag); got != "GATEWAY" {
		t.Errorf("InstitutionName = %q", got)
	}
}
