// Package forward drives a study from completion to its terminal state:
// planning, tag rewrite, archival, per-destination de-identification and
// delivery with retries, and the final move out of processing.
package forward

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle of one transfer record.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateForwarding State = "forwarding"
	StateCompleted  State = "completed"
	StatePartial    State = "partial"
	StateFailed     State = "failed"
)

// stateRank enforces forward-only transitions.
var stateRank = map[State]int{
	StatePending:    0,
	StateProcessing: 1,
	StateForwarding: 2,
	StateCompleted:  3,
	StatePartial:    3,
	StateFailed:     3,
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return stateRank[s] == 3 }

// EdgeState is the lifecycle of one destination within a transfer.
type EdgeState string

const (
	EdgePending      EdgeState = "pending"
	EdgeProcessing   EdgeState = "processing"
	EdgeSuccess      EdgeState = "success"
	EdgeFailed       EdgeState = "failed"
	EdgeRetryPending EdgeState = "retry_pending"
)

// EdgeStatus tracks one destination's delivery.
type EdgeStatus struct {
	Destination      string        `json:"destination"`
	State            EdgeState     `json:"state"`
	Attempts         int           `json:"attempts"`
	LastAttempt      time.Time     `json:"lastAttempt,omitempty"`
	NextRetry        time.Time     `json:"nextRetry,omitempty"`
	Duration         time.Duration `json:"-"`
	DurationMS       int64         `json:"durationMs,omitempty"`
	FilesTransferred int           `json:"filesTransferred"`
	BytesSent        int64         `json:"bytesSent,omitempty"`
	Error            string        `json:"error,omitempty"`
}

func (e EdgeState) terminal() bool { return e == EdgeSuccess || e == EdgeFailed }

// Record is one study's transfer through a route.
type Record struct {
	ID        string
	Route     string
	StudyUID  string
	CallingAE string
	Created   time.Time

	mu        sync.Mutex
	state     State
	fileCount int
	bytes     int64
	edges     map[string]*EdgeStatus
}

// NewRecord starts a pending record.
func NewRecord(route, studyUID, callingAE string, fileCount int, bytes int64) *Record {
	return &Record{
		ID:        uuid.NewString(),
		Route:     route,
		StudyUID:  studyUID,
		CallingAE: callingAE,
		Created:   time.Now(),
		state:     StatePending,
		fileCount: fileCount,
		bytes:     bytes,
		edges:     make(map[string]*EdgeStatus),
	}
}

// SetState advances the record. Backward transitions are rejected so a
// terminal state is never overwritten.
func (r *Record) SetState(s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stateRank[s] < stateRank[r.state] {
		return fmt.Errorf("forward: transfer %s: illegal transition %s -> %s", r.ID, r.state, s)
	}
	if r.state.Terminal() && s != r.state {
		return fmt.Errorf("forward: transfer %s: already terminal (%s)", r.ID, r.state)
	}
	r.state = s
	return nil
}

// State returns the current lifecycle state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// FileCount returns the instance count observed at completion.
func (r *Record) FileCount() int { return r.fileCount }

// Bytes returns the byte total observed at completion.
func (r *Record) Bytes() int64 { return r.bytes }

// AddEdge registers a planned destination in pending state.
func (r *Record) AddEdge(destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges[destination] = &EdgeStatus{Destination: destination, State: EdgePending}
}

// EdgeProcessing marks the start of an attempt.
func (r *Record) EdgeProcessing(destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.edges[destination]; e != nil && !e.State.terminal() {
		e.State = EdgeProcessing
		e.Attempts++
		e.LastAttempt = time.Now()
		e.NextRetry = time.Time{}
	}
}

// EdgeSucceeded finishes an edge.
func (r *Record) EdgeSucceeded(destination string, files int, bytes int64, took time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.edges[destination]; e != nil && !e.State.terminal() {
		e.State = EdgeSuccess
		e.FilesTransferred = files
		e.BytesSent = bytes
		e.Duration = took
		e.DurationMS = took.Milliseconds()
		e.Error = ""
	}
}

// EdgeRetry schedules another attempt.
func (r *Record) EdgeRetry(destination string, at time.Time, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.edges[destination]; e != nil && !e.State.terminal() {
		e.State = EdgeRetryPending
		e.NextRetry = at
		if cause != nil {
			e.Error = cause.Error()
		}
	}
}

// EdgeFailed finishes an edge after its attempts are exhausted.
func (r *Record) EdgeFailed(destination string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.edges[destination]; e != nil && !e.State.terminal() {
		e.State = EdgeFailed
		if cause != nil {
			e.Error = cause.Error()
		}
	}
}

// EdgesTerminal reports whether every edge reached success or failed.
func (r *Record) EdgesTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.edges {
		if !e.State.terminal() {
			return false
		}
	}
	return true
}

// Outcome derives the terminal record state from the edges: completed when
// every edge succeeded, failed when none did, partial otherwise.
func (r *Record) Outcome() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	total, ok := 0, 0
	for _, e := range r.edges {
		total++
		if e.State == EdgeSuccess {
			ok++
		}
	}
	switch {
	case total == 0 || ok == total:
		return StateCompleted
	case ok == 0:
		return StateFailed
	default:
		return StatePartial
	}
}

// Edges returns a snapshot sorted by destination name.
func (r *Record) Edges() []EdgeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EdgeStatus, 0, len(r.edges))
	for _, e := range r.edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

// Edge returns a snapshot of one edge.
func (r *Record) Edge(destination string) (EdgeStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[destination]
	if !ok {
		return EdgeStatus{}, false
	}
	return *e, true
}

// Registry indexes live transfer records.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

func (g *Registry) Add(r *Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[r.ID] = r
}

func (g *Registry) Get(id string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.records[id]
	return r, ok
}

func (g *Registry) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, id)
}

// Active returns the records not yet terminal, newest first.
func (g *Registry) Active() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Record
	for _, r := range g.records {
		if !r.State().Terminal() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out
}
