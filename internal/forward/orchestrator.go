package forward

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/radgate/radgate/internal/archive"
	"github.com/radgate/radgate/internal/audit"
	"github.com/radgate/radgate/internal/broker"
	"github.com/radgate/radgate/internal/config"
	"github.com/radgate/radgate/internal/crosswalk"
	"github.com/radgate/radgate/internal/deid"
	"github.com/radgate/radgate/internal/dest"
	"github.com/radgate/radgate/internal/dicom"
	"github.com/radgate/radgate/internal/events"
	"github.com/radgate/radgate/internal/fsutil"
	"github.com/radgate/radgate/internal/metrics"
	"github.com/radgate/radgate/internal/receiver"
	"github.com/radgate/radgate/internal/routing"
	"github.com/radgate/radgate/internal/script"
)

const (
	defaultRetryDelay = 60 * time.Second
	dateDirLayout     = "2006-01-02"
)

// Deps are the shared services one orchestrator wires together.
type Deps struct {
	Inbox    *receiver.Inbox
	Watcher  *receiver.Watcher
	Dests    *dest.Manager
	Prober   *dest.Prober
	Brokers  map[string]*broker.Broker
	Scripts  *script.Library
	Executor *deid.Executor
	Archiver *archive.Manager
	Store    *crosswalk.Store
	Events   *events.Publisher
	Retries  *Scheduler // shared across routes; created per route when nil
}

// Orchestrator runs one route: it consumes completed studies, plans
// destinations, rewrites tags, archives the original before any delivery,
// de-identifies per edge, and drives sends with health gating and retries
// until the transfer reaches a terminal state.
type Orchestrator struct {
	route      config.RouteConfig
	engine     *routing.Engine
	rewriter   *routing.Rewriter
	deps       Deps
	limiter    *RateLimiter
	sem        *semaphore.Weighted
	retries    *Scheduler
	ownRetries bool
	registry   *Registry
	log        *zap.Logger
}

func NewOrchestrator(route config.RouteConfig, deps Deps, log *zap.Logger) (*Orchestrator, error) {
	engine, err := routing.NewEngine(&route, log)
	if err != nil {
		return nil, err
	}
	rewriter, err := routing.NewRewriter(route.TagModifications, log)
	if err != nil {
		return nil, err
	}
	retries := deps.Retries
	ownRetries := false
	if retries == nil {
		retries = NewScheduler()
		ownRetries = true
	}
	return &Orchestrator{
		route:      route,
		engine:     engine,
		rewriter:   rewriter,
		deps:       deps,
		limiter:    NewRateLimiter(route.RateLimitPerMinute),
		sem:        semaphore.NewWeighted(int64(route.MaxConcurrentTransfers)),
		retries:    retries,
		ownRetries: ownRetries,
		registry:   NewRegistry(),
		log:        log.With(zap.String("route", route.AETitle)),
	}, nil
}

// Registry exposes live transfer records for the status endpoints.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Run consumes the watcher's ready channel with the route's worker pool
// until ctx is cancelled. Studies queued after cancellation stay in
// incoming/ and resume on the next start.
func (o *Orchestrator) Run(ctx context.Context) {
	if o.ownRetries {
		go o.retries.Run(ctx)
	}

	var wg sync.WaitGroup
	for i := 0; i < o.route.WorkerThreads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case sr, ok := <-o.deps.Watcher.Ready():
					if !ok {
						return
					}
					o.process(ctx, sr)
				}
			}
		}()
	}
	wg.Wait()
}

// job carries one study through the pipeline and outlives the worker when
// retries are pending.
type job struct {
	rec      *Record
	sr       receiver.StudyReady
	procDir  string
	archived archive.Study
	attrs    *dicom.Dataset
	files    []string

	// Per-edge delivery material, keyed by destination name.
	renditions map[string][]string
	edgeAttrs  map[string]*dicom.Dataset
	anonDirs   map[string]string
	workDirs   []string // broker-substitution renditions, removed on retire
	subjects   map[string]string
	edges      []config.RouteDestination

	// Audit inputs from the first anonymizing edge.
	auditExpect map[dicom.Tag]script.Expectation
	scriptName  string
	brokerName  string
	hashUIDs    bool

	mu        sync.Mutex
	finalized bool
}

// process admits one completed study. An over-limit study is requeued
// through the retry scheduler with exponential backoff instead of
// blocking the worker.
func (o *Orchestrator) process(ctx context.Context, sr receiver.StudyReady) {
	o.admit(ctx, sr, 0)
}

func (o *Orchestrator) admit(ctx context.Context, sr receiver.StudyReady, attempt int) {
	if ctx.Err() != nil {
		return
	}
	if !o.limiter.Allow() {
		delay := admitBackoff(attempt)
		o.log.Info("rate limit reached, requeueing study",
			zap.String("study_uid", sr.StudyUID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))
		o.retries.Schedule(time.Now().Add(delay), func(ctx context.Context) {
			o.admit(ctx, sr, attempt+1)
		})
		return
	}
	o.forwardStudy(ctx, sr)
}

// admitBackoff doubles per admission attempt, capped at 32 minutes.
func admitBackoff(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	return time.Minute << attempt
}

func (o *Orchestrator) forwardStudy(ctx context.Context, sr receiver.StudyReady) {
	rec := NewRecord(o.route.AETitle, sr.StudyUID, sr.CallingAE, sr.FileCount, sr.Bytes)
	o.registry.Add(rec)
	rec.SetState(StateProcessing)

	j := &job{
		rec:        rec,
		sr:         sr,
		renditions: make(map[string][]string),
		edgeAttrs:  make(map[string]*dicom.Dataset),
		anonDirs:   make(map[string]string),
		subjects:   make(map[string]string),
	}

	// Claim the study: moving it out of incoming/ makes the watcher's view
	// and the pipeline's view disjoint.
	procDir := filepath.Join(o.deps.Inbox.BaseDir(), "processing",
		dicom.SanitizeUID(sr.StudyUID)+"_"+rec.ID[:8])
	if err := os.MkdirAll(filepath.Dir(procDir), 0o755); err == nil {
		err = os.Rename(sr.Path, procDir)
		if err != nil {
			o.log.Error("claiming study failed", zap.String("study_uid", sr.StudyUID), zap.Error(err))
			o.registry.Remove(rec.ID)
			return
		}
	} else {
		o.log.Error("creating processing dir failed", zap.Error(err))
		o.registry.Remove(rec.ID)
		return
	}
	j.procDir = procDir
	o.deps.Watcher.Forget(sr.StudyUID)
	o.deps.Inbox.ForgetStudy(sr.StudyUID)

	j.files = listInstances(procDir)
	if len(j.files) == 0 {
		o.failStudy(ctx, j, fmt.Errorf("forward: study %s has no instances", sr.StudyUID))
		return
	}
	attrs, err := representativeAttrs(j.files)
	if err != nil {
		o.failStudy(ctx, j, err)
		return
	}
	j.attrs = attrs

	plan, err := o.engine.Plan(attrs, o.deps.Dests.Enabled)
	if err != nil {
		var verr *routing.ValidationError
		var ferr *routing.FilteredError
		switch {
		case errors.As(err, &verr):
			o.rejectStudy(ctx, j, verr)
		case errors.As(err, &ferr):
			o.filterStudy(ctx, j, ferr)
		default:
			o.failStudy(ctx, j, err)
		}
		return
	}
	j.edges = plan

	if !o.rewriter.Empty() {
		if _, err := o.rewriter.ApplyDir(procDir); err != nil {
			o.failStudy(ctx, j, fmt.Errorf("forward: tag rewrite: %w", err))
			return
		}
		// Rewrites may have touched the attributes routing saw.
		if attrs, err := representativeAttrs(j.files); err == nil {
			j.attrs = attrs
		}
	}

	// The original is archived before the first byte leaves the gateway.
	st, _, err := o.deps.Archiver.Create(o.route.AETitle, sr.StudyUID, procDir)
	if err != nil {
		o.failStudy(ctx, j, fmt.Errorf("forward: archiving original: %w", err))
		return
	}
	j.archived = st

	names := make([]string, 0, len(plan))
	for _, e := range plan {
		names = append(names, e.Name)
	}
	o.logRouteDecision(ctx, sr.StudyUID, names)
	o.log.Info("study planned",
		zap.String("study_uid", sr.StudyUID),
		zap.String("transfer_id", rec.ID),
		zap.Strings("destinations", names),
		zap.Int("files", len(j.files)))

	rec.SetState(StateForwarding)
	for _, e := range plan {
		rec.AddEdge(e.Name)
	}

	// Prepare each edge's rendition before any dispatch so a verification
	// failure on one edge never races a delivery on another.
	for _, e := range plan {
		if err := o.prepareEdge(ctx, j, e); err != nil {
			o.edgeTerminalFailure(ctx, j, e, err)
		}
	}
	for _, e := range plan {
		if _, ok := j.renditions[e.Name]; !ok {
			continue
		}
		edge := e
		go o.attemptEdge(ctx, j, edge)
	}
	o.maybeFinalize(ctx, j)
}

// prepareEdge resolves what files the edge will deliver. Anonymizing edges
// run the de-identification executor per instance; a single verification
// failure fails the whole edge and nothing is delivered from it. A
// broker-only edge (UseBroker without Anonymize) delivers a copy with the
// patient identity replaced by the broker pseudonym.
func (o *Orchestrator) prepareEdge(ctx context.Context, j *job, e config.RouteDestination) error {
	if !e.Anonymize {
		if e.UseBroker {
			return o.prepareBrokerRewrite(ctx, j, e)
		}
		j.renditions[e.Name] = j.files
		j.edgeAttrs[e.Name] = j.attrs
		j.subjects[e.Name] = j.attrs.StringValue(dicom.TagPatientID)
		return nil
	}

	entry, ok := o.deps.Scripts.Get(e.ScriptName)
	if !ok {
		return fmt.Errorf("forward: script %q not in library", e.ScriptName)
	}
	content := entry.Content

	opts := deid.Options{}
	subjectID := j.attrs.StringValue(dicom.TagPatientID)
	var bro *broker.Broker
	if e.UseBroker {
		bro = o.deps.Brokers[e.BrokerName]
		if bro == nil {
			return fmt.Errorf("forward: broker %q not configured", e.BrokerName)
		}
		patientID := j.attrs.StringValue(dicom.TagPatientID)
		if patientID == "" {
			patientID = j.sr.StudyUID
		}
		pseudonym, err := bro.Pseudonym(ctx, patientID, crosswalk.IDPatientID)
		if err != nil {
			return fmt.Errorf("forward: pseudonym: %w", err)
		}
		subjectID = pseudonym
		// The pseudonym assignment rides the script so it passes through
		// the same verification gate as every other modification.
		content += fmt.Sprintf("\n(0010,0020) := %q\n", pseudonym)
		if bro.DateShiftEnabled() {
			days, err := bro.ShiftDays(ctx, patientID)
			if err != nil {
				return fmt.Errorf("forward: date shift: %w", err)
			}
			opts.ShiftDays = &days
		}
		if bro.HashUIDs() {
			opts.Hasher = bro.Hasher()
			opts.OnUIDHashed = func(tag dicom.Tag, original, hashed string) {
				bro.RecordUID(ctx, tag, original, hashed)
			}
		}
	}

	anonDir := j.procDir + ".anon." + e.Name
	var outFiles []string
	for _, in := range j.files {
		rel, err := filepath.Rel(j.procDir, in)
		if err != nil {
			rel = filepath.Base(in)
		}
		out := filepath.Join(anonDir, rel)
		res, err := o.deps.Executor.Anonymize(in, out, content, opts)
		if err != nil {
			var verr *deid.VerificationError
			if errors.As(err, &verr) {
				for _, f := range verr.Failures {
					metrics.VerificationFailuresTotal.WithLabelValues(o.route.AETitle, f.Check).Inc()
				}
			}
			os.RemoveAll(anonDir)
			return fmt.Errorf("forward: de-identify %s: %w", filepath.Base(in), err)
		}
		outFiles = append(outFiles, res.OutputPath)
	}
	sort.Strings(outFiles)

	if _, err := o.deps.Archiver.AddAnonymized(j.archived, anonDir); err != nil {
		os.RemoveAll(anonDir)
		return fmt.Errorf("forward: archiving anonymized: %w", err)
	}

	j.renditions[e.Name] = outFiles
	j.anonDirs[e.Name] = anonDir
	j.subjects[e.Name] = subjectID
	if attrs, err := representativeAttrs(outFiles); err == nil {
		j.edgeAttrs[e.Name] = attrs
	} else {
		j.edgeAttrs[e.Name] = j.attrs
	}
	if j.auditExpect == nil {
		if s, err := script.Parse(content); err == nil {
			j.auditExpect = s.Expectations()
		}
		j.scriptName = e.ScriptName
		if bro != nil {
			j.brokerName = bro.Name()
			j.hashUIDs = bro.HashUIDs()
		}
	}
	return nil
}

// prepareBrokerRewrite builds the rendition for a non-anonymizing edge that
// still wants pseudonymous patient identity: the study is copied and
// PatientID and PatientName are rewritten to the broker pseudonym. UIDs and
// everything else pass through untouched.
func (o *Orchestrator) prepareBrokerRewrite(ctx context.Context, j *job, e config.RouteDestination) error {
	bro := o.deps.Brokers[e.BrokerName]
	if bro == nil {
		return fmt.Errorf("forward: broker %q not configured", e.BrokerName)
	}
	patientID := j.attrs.StringValue(dicom.TagPatientID)
	if patientID == "" {
		patientID = j.sr.StudyUID
	}
	pseudonym, err := bro.Pseudonym(ctx, patientID, crosswalk.IDPatientID)
	if err != nil {
		return fmt.Errorf("forward: pseudonym: %w", err)
	}

	rw, err := routing.NewRewriter([]config.TagModification{
		{Action: "set", Tag: "PatientID", Value: pseudonym},
		{Action: "set", Tag: "PatientName", Value: pseudonym},
	}, o.log)
	if err != nil {
		return fmt.Errorf("forward: broker rewrite: %w", err)
	}

	dir := j.procDir + ".broker." + e.Name
	var outFiles []string
	for _, in := range j.files {
		rel, rerr := filepath.Rel(j.procDir, in)
		if rerr != nil {
			rel = filepath.Base(in)
		}
		out := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			os.RemoveAll(dir)
			return fmt.Errorf("forward: broker rendition: %w", err)
		}
		if err := fsutil.CopyFile(in, out); err != nil {
			os.RemoveAll(dir)
			return fmt.Errorf("forward: broker rendition: %w", err)
		}
		outFiles = append(outFiles, out)
	}
	if _, err := rw.ApplyDir(dir); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("forward: broker rewrite: %w", err)
	}
	sort.Strings(outFiles)

	j.renditions[e.Name] = outFiles
	j.subjects[e.Name] = pseudonym
	j.workDirs = append(j.workDirs, dir)
	if attrs, err := representativeAttrs(outFiles); err == nil {
		j.edgeAttrs[e.Name] = attrs
	} else {
		j.edgeAttrs[e.Name] = j.attrs
	}
	return nil
}

// attemptEdge runs one delivery attempt under the route's concurrency cap.
func (o *Orchestrator) attemptEdge(ctx context.Context, j *job, e config.RouteDestination) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.sem.Release(1)

	j.rec.EdgeProcessing(e.Name)
	d, ok := o.deps.Dests.Get(e.Name)
	if !ok {
		o.edgeTerminalFailure(ctx, j, e, fmt.Errorf("forward: destination %q vanished", e.Name))
		return
	}

	var sendErr error
	if o.deps.Prober != nil && !o.deps.Prober.Available(e.Name) {
		sendErr = fmt.Errorf("forward: destination %s is unavailable", e.Name)
	} else {
		attrs := j.edgeAttrs[e.Name]
		req := dest.SendRequest{
			ListenerAE:  o.route.AETitle,
			StudyUID:    j.sr.StudyUID,
			Dir:         j.procDir,
			Files:       j.renditions[e.Name],
			Attrs:       attrs,
			ProjectID:   e.ProjectID,
			AutoArchive: e.AutoArchive,
		}
		if e.SubjectPrefix != "" || e.SessionPrefix != "" {
			subject := j.subjects[e.Name]
			req.Subject = e.SubjectPrefix + subject
			if e.SessionPrefix != "" {
				req.Session = e.SessionPrefix + subject + "_" + attrs.StringValue(dicom.TagStudyDate)
			}
		}
		start := time.Now()
		res, err := d.Send(ctx, req)
		took := time.Since(start)
		metrics.SendDuration.WithLabelValues(e.Name, string(d.Kind())).Observe(took.Seconds())
		if err == nil {
			j.rec.EdgeSucceeded(e.Name, res.FilesTransferred, res.BytesSent, took)
			o.writeEdgeStatus(j, e.Name)
			o.log.Info("delivery succeeded",
				zap.String("study_uid", j.sr.StudyUID),
				zap.String("destination", e.Name),
				zap.Int("files", res.FilesTransferred),
				zap.Duration("took", took))
			o.maybeFinalize(ctx, j)
			return
		}
		sendErr = err
	}

	snap, _ := j.rec.Edge(e.Name)
	if snap.Attempts <= e.RetryCount {
		delay := defaultRetryDelay
		if e.RetryDelaySeconds > 0 {
			delay = time.Duration(e.RetryDelaySeconds) * time.Second
		}
		at := time.Now().Add(delay)
		j.rec.EdgeRetry(e.Name, at, sendErr)
		metrics.RetriesScheduledTotal.WithLabelValues(o.route.AETitle, e.Name).Inc()
		o.log.Warn("delivery failed, retry scheduled",
			zap.String("study_uid", j.sr.StudyUID),
			zap.String("destination", e.Name),
			zap.Int("attempt", snap.Attempts),
			zap.Time("next_retry", at),
			zap.Error(sendErr))
		o.retries.Schedule(at, func(ctx context.Context) {
			o.attemptEdge(ctx, j, e)
		})
		return
	}
	o.edgeTerminalFailure(ctx, j, e, sendErr)
}

func (o *Orchestrator) edgeTerminalFailure(ctx context.Context, j *job, e config.RouteDestination, cause error) {
	j.rec.EdgeFailed(e.Name, cause)
	o.writeEdgeStatus(j, e.Name)
	o.log.Error("delivery failed permanently",
		zap.String("study_uid", j.sr.StudyUID),
		zap.String("destination", e.Name),
		zap.Error(cause))
	o.maybeFinalize(ctx, j)
}

func (o *Orchestrator) writeEdgeStatus(j *job, destName string) {
	if snap, ok := j.rec.Edge(destName); ok {
		if err := o.deps.Archiver.WriteDestinationStatus(j.archived, destName, snap); err != nil {
			o.log.Warn("writing destination status", zap.String("destination", destName), zap.Error(err))
		}
	}
}

// maybeFinalize runs the terminal bookkeeping exactly once, after every
// edge has settled.
func (o *Orchestrator) maybeFinalize(ctx context.Context, j *job) {
	if !j.rec.EdgesTerminal() {
		return
	}
	j.mu.Lock()
	if j.finalized {
		j.mu.Unlock()
		return
	}
	j.finalized = true
	j.mu.Unlock()

	outcome := j.rec.Outcome()
	j.rec.SetState(outcome)
	metrics.TransfersTotal.WithLabelValues(o.route.AETitle, string(outcome)).Inc()

	now := time.Now()
	meta := archive.Metadata{
		StudyUID:          j.sr.StudyUID,
		ListenerAE:        o.route.AETitle,
		CallingPeer:       j.sr.CallingAE,
		ArchivedAt:        now,
		OriginalFileCount: len(j.files),
		ScriptName:        j.scriptName,
		BrokerName:        j.brokerName,
		HashUIDsEnabled:   j.hashUIDs,
	}
	if len(j.anonDirs) > 0 {
		meta.AnonymizedAt = &now
		meta.AnonymizedFileCount = len(j.files)
		if report, err := audit.Diff(j.archived.OriginalDir(), j.archived.AnonymizedDir(), j.auditExpect); err != nil {
			o.log.Warn("audit diff failed", zap.String("study_uid", j.sr.StudyUID), zap.Error(err))
		} else {
			if err := report.WriteJSON(j.archived.AuditReportPath()); err != nil {
				o.log.Warn("writing audit report", zap.Error(err))
			}
			meta.AuditGeneratedAt = &report.GeneratedAt
			meta.ConformanceIssues = report.NonConformantFiles
			for tag := range report.ChangesByTag {
				if t, err := dicom.ParseTag(tag); err == nil && audit.IsPHI(t) {
					meta.PHIFieldsModified++
				}
			}
		}
	}
	if err := o.deps.Archiver.WriteMetadata(j.archived, meta); err != nil {
		o.log.Warn("writing archive metadata", zap.Error(err))
	}

	o.retireStudy(j, outcome)

	finished := time.Now()
	ev := events.TransferEvent{
		TransferID: j.rec.ID,
		Route:      o.route.AETitle,
		StudyUID:   j.sr.StudyUID,
		CallingAE:  j.sr.CallingAE,
		State:      string(outcome),
		FileCount:  j.rec.FileCount(),
		Bytes:      j.rec.Bytes(),
		StartedAt:  j.rec.Created,
		FinishedAt: finished,
		DurationMS: finished.Sub(j.rec.Created).Milliseconds(),
	}
	for _, edge := range j.rec.Edges() {
		ev.Destinations = append(ev.Destinations, events.DestinationOutcome{
			Name:             edge.Destination,
			State:            string(edge.State),
			Attempts:         edge.Attempts,
			FilesTransferred: edge.FilesTransferred,
			Bytes:            edge.BytesSent,
			Error:            edge.Error,
		})
	}
	o.deps.Events.PublishTransfer(ctx, ev)

	o.log.Info("transfer finished",
		zap.String("study_uid", j.sr.StudyUID),
		zap.String("transfer_id", j.rec.ID),
		zap.String("state", string(outcome)),
		zap.Duration("took", finished.Sub(j.rec.Created)))
	o.registry.Remove(j.rec.ID)
}

// retireStudy moves the processing copy to completed/ or failed/ under a
// date directory and removes the per-edge anonymized work dirs, which are
// already preserved in the archive.
func (o *Orchestrator) retireStudy(j *job, outcome State) {
	bucket := "completed"
	if outcome == StateFailed {
		bucket = "failed"
	}
	dst := filepath.Join(o.deps.Inbox.BaseDir(), bucket,
		time.Now().Format(dateDirLayout), filepath.Base(j.procDir))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		o.log.Warn("creating retire dir", zap.Error(err))
		return
	}
	if err := os.Rename(j.procDir, dst); err != nil {
		o.log.Warn("retiring study", zap.String("study_uid", j.sr.StudyUID), zap.Error(err))
	}
	for _, dir := range j.anonDirs {
		os.RemoveAll(dir)
	}
	for _, dir := range j.workDirs {
		os.RemoveAll(dir)
	}
}

// rejectStudy handles a validation rejection: the original is archived
// with the reason, nothing is delivered.
func (o *Orchestrator) rejectStudy(ctx context.Context, j *job, verr *routing.ValidationError) {
	o.log.Warn("study rejected by validation",
		zap.String("study_uid", j.sr.StudyUID),
		zap.String("rule", verr.Rule),
		zap.String("reason", verr.Reason))
	if st, _, err := o.deps.Archiver.Create(o.route.AETitle, j.sr.StudyUID, j.procDir); err == nil {
		j.archived = st
		o.deps.Archiver.WriteRejectionReason(st, verr.Reason)
		o.deps.Archiver.WriteMetadata(st, archive.Metadata{
			StudyUID:          j.sr.StudyUID,
			ListenerAE:        o.route.AETitle,
			CallingPeer:       j.sr.CallingAE,
			ArchivedAt:        time.Now(),
			OriginalFileCount: len(j.files),
		})
	}
	j.rec.SetState(StateFailed)
	metrics.TransfersTotal.WithLabelValues(o.route.AETitle, string(StateFailed)).Inc()
	o.retireStudy(j, StateFailed)
	o.publishSimple(ctx, j, StateFailed)
	o.registry.Remove(j.rec.ID)
}

// filterStudy handles an excluded study: archived for traceability, then
// completed without deliveries.
func (o *Orchestrator) filterStudy(ctx context.Context, j *job, ferr *routing.FilteredError) {
	o.log.Info("study filtered",
		zap.String("study_uid", j.sr.StudyUID),
		zap.String("reason", ferr.Reason))
	if st, _, err := o.deps.Archiver.Create(o.route.AETitle, j.sr.StudyUID, j.procDir); err == nil {
		j.archived = st
		o.deps.Archiver.WriteMetadata(st, archive.Metadata{
			StudyUID:          j.sr.StudyUID,
			ListenerAE:        o.route.AETitle,
			CallingPeer:       j.sr.CallingAE,
			ArchivedAt:        time.Now(),
			OriginalFileCount: len(j.files),
		})
	}
	j.rec.SetState(StateCompleted)
	metrics.TransfersTotal.WithLabelValues(o.route.AETitle, string(StateCompleted)).Inc()
	o.retireStudy(j, StateCompleted)
	o.publishSimple(ctx, j, StateCompleted)
	o.registry.Remove(j.rec.ID)
}

func (o *Orchestrator) failStudy(ctx context.Context, j *job, cause error) {
	o.log.Error("study failed before forwarding",
		zap.String("study_uid", j.sr.StudyUID), zap.Error(cause))
	if j.archived.Dir == "" {
		if st, _, err := o.deps.Archiver.Create(o.route.AETitle, j.sr.StudyUID, j.procDir); err == nil {
			j.archived = st
			o.deps.Archiver.WriteMetadata(st, archive.Metadata{
				StudyUID:          j.sr.StudyUID,
				ListenerAE:        o.route.AETitle,
				CallingPeer:       j.sr.CallingAE,
				ArchivedAt:        time.Now(),
				OriginalFileCount: len(j.files),
			})
		}
	}
	if j.archived.Dir != "" {
		o.deps.Archiver.WriteRejectionReason(j.archived, cause.Error())
	}
	j.rec.SetState(StateFailed)
	metrics.TransfersTotal.WithLabelValues(o.route.AETitle, string(StateFailed)).Inc()
	o.retireStudy(j, StateFailed)
	o.publishSimple(ctx, j, StateFailed)
	o.registry.Remove(j.rec.ID)
}

func (o *Orchestrator) publishSimple(ctx context.Context, j *job, outcome State) {
	finished := time.Now()
	o.deps.Events.PublishTransfer(ctx, events.TransferEvent{
		TransferID: j.rec.ID,
		Route:      o.route.AETitle,
		StudyUID:   j.sr.StudyUID,
		CallingAE:  j.sr.CallingAE,
		State:      string(outcome),
		FileCount:  j.rec.FileCount(),
		Bytes:      j.rec.Bytes(),
		StartedAt:  j.rec.Created,
		FinishedAt: finished,
		DurationMS: finished.Sub(j.rec.Created).Milliseconds(),
	})
}

func (o *Orchestrator) logRouteDecision(ctx context.Context, studyUID string, destinations []string) {
	err := o.deps.Store.Append(ctx, "", crosswalk.LogRecord{
		Action:      crosswalk.LogRoute,
		Route:       o.route.AETitle,
		StudyUID:    studyUID,
		Destination: strings.Join(destinations, ","),
	})
	if err != nil {
		o.log.Warn("crosswalk route log append failed", zap.Error(err))
	}
}

// listInstances collects the study's files in stable order, skipping
// dotfiles left by interrupted receives.
func listInstances(dir string) []string {
	var files []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || !info.Mode().IsRegular() {
			return nil
		}
		if strings.HasPrefix(filepath.Base(path), ".") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	return files
}

// representativeAttrs parses headers until one file yields a dataset.
func representativeAttrs(files []string) (*dicom.Dataset, error) {
	var lastErr error
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			lastErr = err
			continue
		}
		parsed, err := dicom.ParseHeader(f)
		f.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return parsed.Dataset, nil
	}
	return nil, fmt.Errorf("forward: no parseable instance: %w", lastErr)
}
