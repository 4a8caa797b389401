package dest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/metrics"
)

// Status is the tracked health of one destination.
type Status struct {
	Available           bool      `json:"available"`
	LastCheck           time.Time `json:"last_check"`
	LastAvailable       time.Time `json:"last_available,omitempty"`
	UnavailableSince    time.Time `json:"unavailable_since,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalChecks         int64     `json:"total_checks"`
	SuccessfulChecks    int64     `json:"successful_checks"`
}

// Prober drives every destination's health probe on one scheduler. A
// destination flips UNAVAILABLE on its first failed probe and back to
// AVAILABLE on its first success.
type Prober struct {
	manager  *Manager
	interval time.Duration
	log      *zap.Logger

	mu     sync.RWMutex
	status map[string]*Status
}

// NewProber builds a prober over the manager's destinations. Until the
// first probe completes a destination counts as available so startup does
// not fail studies spuriously.
func NewProber(manager *Manager, interval time.Duration, log *zap.Logger) *Prober {
	p := &Prober{
		manager:  manager,
		interval: interval,
		log:      log,
		status:   make(map[string]*Status),
	}
	for _, name := range manager.Names() {
		p.status[name] = &Status{Available: true}
	}
	return p
}

// Run probes immediately and then on every interval until ctx is
// cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.probeAll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, name := range p.manager.Names() {
		d, ok := p.manager.Get(name)
		if !ok {
			continue
		}
		err := d.Probe(ctx)
		p.record(name, d, err)
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Prober) record(name string, d Destination, probeErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.status[name]
	if s == nil {
		s = &Status{Available: true}
		p.status[name] = s
	}
	now := time.Now()
	wasAvailable := s.Available
	s.LastCheck = now
	s.TotalChecks++

	if probeErr == nil {
		s.SuccessfulChecks++
		s.ConsecutiveFailures = 0
		s.LastAvailable = now
		s.UnavailableSince = time.Time{}
		s.Available = true
		metrics.DestinationUp.WithLabelValues(name, string(d.Kind())).Set(1)
		if !wasAvailable {
			p.log.Info("destination recovered", zap.String("destination", name))
		}
		return
	}

	s.ConsecutiveFailures++
	if wasAvailable {
		s.UnavailableSince = now
		p.log.Warn("destination unavailable",
			zap.String("destination", name), zap.Error(probeErr))
	}
	s.Available = false
	metrics.DestinationUp.WithLabelValues(name, string(d.Kind())).Set(0)
}

// Available reports the destination's current availability. Unknown names
// are unavailable.
func (p *Prober) Available(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.status[name]
	return ok && s.Available
}

// AnyAvailable reports whether at least one destination is up; the
// readiness probe uses it.
func (p *Prober) AnyAvailable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.status {
		if s.Available {
			return true
		}
	}
	return false
}

// Status returns a snapshot for one destination.
func (p *Prober) Status(name string) (Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.status[name]
	if !ok {
		return Status{}, false
	}
	return *s, true
}
