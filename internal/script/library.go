package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/fsutil"
)

// Script categories.
const (
	CategoryBuiltin  = "builtin"
	CategoryUser     = "user"
	CategoryImported = "imported"
)

// Library errors.
var (
	ErrBuiltinImmutable = errors.New("script: builtin scripts are immutable")
	ErrNotFound         = errors.New("script: not found")
	ErrExists           = errors.New("script: name already registered")
)

const manifestName = "scripts.json"

// Entry is one library script. Content lives in its own file for user and
// imported scripts; built-ins are compiled in.
type Entry struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Path        string    `json:"path,omitempty"`
	Builtin     bool      `json:"builtin"`
	SourceURL   string    `json:"source_url,omitempty"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`

	Content string `json:"-"`
}

// ImportRequest asks the library to validate and persist a script fetched
// from elsewhere. Reply, when non-nil, receives the outcome.
type ImportRequest struct {
	Name        string
	DisplayName string
	Description string
	SourceURL   string
	Content     string
	Reply       chan<- error
}

// Library is the named script registry: compiled-in built-ins plus user and
// imported scripts persisted under dir with a JSON manifest. All reads
// return snapshots; mutations rewrite the manifest atomically.
type Library struct {
	dir string
	log *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	imports chan ImportRequest
}

// NewLibrary opens (or initializes) the script directory, seeds built-ins,
// and loads the manifest. User scripts that no longer parse are skipped
// with a warning rather than failing startup.
func NewLibrary(dir string, log *zap.Logger) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("script: create library dir %s: %w", dir, err)
	}
	l := &Library{
		dir:     dir,
		log:     log,
		entries: make(map[string]*Entry),
		imports: make(chan ImportRequest, 16),
	}
	now := time.Now().UTC()
	for _, b := range builtins {
		l.entries[b.name] = &Entry{
			Name:        b.name,
			DisplayName: b.displayName,
			Description: b.description,
			Category:    CategoryBuiltin,
			Builtin:     true,
			Created:     now,
			Modified:    now,
			Content:     b.content,
		}
	}
	if err := l.loadManifest(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Library) loadManifest() error {
	data, err := os.ReadFile(filepath.Join(l.dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("script: read manifest: %w", err)
	}
	var listed []*Entry
	if err := json.Unmarshal(data, &listed); err != nil {
		return fmt.Errorf("script: parse manifest: %w", err)
	}
	for _, e := range listed {
		if e.Builtin {
			continue // built-ins come from the binary, not the manifest
		}
		content, err := os.ReadFile(filepath.Join(l.dir, e.Path))
		if err != nil {
			l.log.Warn("script content missing, skipping",
				zap.String("name", e.Name), zap.String("path", e.Path), zap.Error(err))
			continue
		}
		if err := Validate(string(content)); err != nil {
			l.log.Warn("script no longer parses, skipping",
				zap.String("name", e.Name), zap.Error(err))
			continue
		}
		e.Content = string(content)
		l.entries[e.Name] = e
	}
	return nil
}

// Get returns a snapshot of the named script.
func (l *Library) Get(name string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns snapshots of every script sorted by name.
func (l *Library) List() []Entry {
	l.mu.RLock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Add validates and persists a new user or imported script, returning the
// stored snapshot.
func (l *Library) Add(e Entry) (Entry, error) {
	if e.Name == "" {
		return Entry{}, errors.New("script: name required")
	}
	if e.Category != CategoryUser && e.Category != CategoryImported {
		return Entry{}, fmt.Errorf("script: category %q not addable", e.Category)
	}
	if err := Validate(e.Content); err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[e.Name]; ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrExists, e.Name)
	}
	now := time.Now().UTC()
	stored := e
	stored.Builtin = false
	stored.Created = now
	stored.Modified = now
	stored.Path = scriptFileName(e.Name)
	if err := l.persistLocked(&stored); err != nil {
		return Entry{}, err
	}
	l.entries[stored.Name] = &stored
	if err := l.writeManifestLocked(); err != nil {
		return Entry{}, err
	}
	return stored, nil
}

// Update replaces the content (and optionally display metadata) of an
// existing non-builtin script, returning the new snapshot.
func (l *Library) Update(name, content string) (Entry, error) {
	if err := Validate(content); err != nil {
		return Entry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if e.Builtin {
		return Entry{}, ErrBuiltinImmutable
	}
	updated := *e
	updated.Content = content
	updated.Modified = time.Now().UTC()
	if err := l.persistLocked(&updated); err != nil {
		return Entry{}, err
	}
	l.entries[name] = &updated
	if err := l.writeManifestLocked(); err != nil {
		return Entry{}, err
	}
	return updated, nil
}

// Delete removes a non-builtin script and its content file.
func (l *Library) Delete(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if e.Builtin {
		return ErrBuiltinImmutable
	}
	delete(l.entries, name)
	if err := os.Remove(filepath.Join(l.dir, e.Path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("script: remove %s: %w", e.Path, err)
	}
	return l.writeManifestLocked()
}

// Imports returns the channel external fetchers push scripts into.
func (l *Library) Imports() chan<- ImportRequest {
	return l.imports
}

// Run consumes the import channel until ctx is cancelled.
func (l *Library) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-l.imports:
			_, err := l.Add(Entry{
				Name:        req.Name,
				DisplayName: req.DisplayName,
				Description: req.Description,
				Category:    CategoryImported,
				SourceURL:   req.SourceURL,
				Content:     req.Content,
			})
			if err != nil {
				l.log.Warn("script import rejected",
					zap.String("name", req.Name), zap.String("source", req.SourceURL), zap.Error(err))
			} else {
				l.log.Info("script imported",
					zap.String("name", req.Name), zap.String("source", req.SourceURL))
			}
			if req.Reply != nil {
				req.Reply <- err
			}
		}
	}
}

func (l *Library) persistLocked(e *Entry) error {
	path := filepath.Join(l.dir, e.Path)
	if err := fsutil.WriteFileAtomic(path, []byte(e.Content), 0o644); err != nil {
		return fmt.Errorf("script: persist %s: %w", e.Name, err)
	}
	return nil
}

func (l *Library) writeManifestLocked() error {
	listed := make([]*Entry, 0, len(l.entries))
	for _, e := range l.entries {
		listed = append(listed, e)
	}
	sort.Slice(listed, func(i, j int) bool { return listed[i].Name < listed[j].Name })
	data, err := json.MarshalIndent(listed, "", "  ")
	if err != nil {
		return fmt.Errorf("script: marshal manifest: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(l.dir, manifestName), data, 0o644); err != nil {
		return fmt.Errorf("script: write manifest: %w", err)
	}
	return nil
}

func scriptFileName(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	return clean + ".script"
}
