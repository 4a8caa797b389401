// Package dest implements the three destination variants (peer node,
// research-archive HTTP API, filesystem) behind one capability set:
// probe, send, close. The manager owns every client; the prober tracks
// availability on a single scheduler.
package dest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/config"
	"github.com/radgate/radgate/internal/dicom"
	"github.com/radgate/radgate/internal/dimse"
)

// Kind tags the destination variant.
type Kind string

const (
	KindPeer       Kind = "peer"
	KindArchiveAPI Kind = "archive_api"
	KindFilesystem Kind = "filesystem"
)

// SendRequest carries one study delivery.
type SendRequest struct {
	ListenerAE string
	StudyUID   string
	Dir        string   // directory holding the rendition to deliver
	Files      []string // files under Dir, in stable order

	// Representative attributes for pattern expansion.
	Attrs *dicom.Dataset

	// Archive-API edge settings.
	ProjectID   string
	Subject     string
	Session     string
	AutoArchive bool
}

// SendResult reports a completed (possibly partial) send.
type SendResult struct {
	FilesTransferred int
	BytesSent        int64
}

// Destination is the uniform client contract.
type Destination interface {
	Name() string
	Kind() Kind
	Probe(ctx context.Context) error
	Send(ctx context.Context, req SendRequest) (SendResult, error)
	Close() error
}

// Manager registers destinations by name and tracks runtime enablement.
type Manager struct {
	log *zap.Logger

	mu       sync.RWMutex
	dests    map[string]Destination
	disabled map[string]bool
}

// NewManager builds every configured destination client. requesters
// supplies the wire stack for peer destinations; nil leaves peer clients
// probing unavailable rather than failing construction.
func NewManager(cfgs map[string]config.DestinationConfig, requesters dimse.RequesterFactory, log *zap.Logger) (*Manager, error) {
	m := &Manager{
		log:      log,
		dests:    make(map[string]Destination, len(cfgs)),
		disabled: make(map[string]bool),
	}
	for name, cfg := range cfgs {
		d, err := build(name, cfg, requesters, log)
		if err != nil {
			return nil, fmt.Errorf("dest: building %s: %w", name, err)
		}
		m.dests[name] = d
		if !cfg.IsEnabled() {
			m.disabled[name] = true
		}
	}
	return m, nil
}

func build(name string, cfg config.DestinationConfig, requesters dimse.RequesterFactory, log *zap.Logger) (Destination, error) {
	switch cfg.Kind {
	case config.KindPeer:
		return newPeer(name, cfg, requesters, log)
	case config.KindArchiveAPI:
		return newArchiveAPI(name, cfg, log)
	case config.KindFilesystem:
		return newFilesystem(name, cfg, log)
	default:
		return nil, fmt.Errorf("unknown kind %q", cfg.Kind)
	}
}

// Get returns the named destination.
func (m *Manager) Get(name string) (Destination, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dests[name]
	return d, ok
}

// Names returns all registered destination names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.dests))
	for name := range m.dests {
		out = append(out, name)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Enabled reports whether the destination is enabled at runtime.
func (m *Manager) Enabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, known := m.dests[name]
	return known && !m.disabled[name]
}

// SetEnabled flips a destination at runtime.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dests[name]; !ok {
		return fmt.Errorf("dest: unknown destination %q", name)
	}
	m.disabled[name] = !enabled
	m.log.Info("destination enablement changed",
		zap.String("destination", name), zap.Bool("enabled", enabled))
	return nil
}

// Close closes every client, returning the first error.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for name, d := range m.dests {
		if err := d.Close(); err != nil && first == nil {
			first = fmt.Errorf("dest: closing %s: %w", name, err)
		}
	}
	return first
}
