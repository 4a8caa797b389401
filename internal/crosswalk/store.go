// Package crosswalk persists the honest broker's identifier mappings in a
// single-file embedded database: original→pseudonym rows with a uniqueness
// guarantee, an append-only action log, per-patient date shifts, and the
// UID reversal map. The store is the sole mutator of its file; backups
// quiesce writers, force a WAL checkpoint, and copy the file.
package crosswalk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// IDType classifies what kind of identifier a mapping covers.
type IDType string

const (
	IDPatientID   IDType = "patient_id"
	IDPatientName IDType = "patient_name"
	IDAccession   IDType = "accession"
	IDStudyUID    IDType = "study_uid"
	IDSeriesUID   IDType = "series_uid"
	IDSOPUID      IDType = "sop_uid"
)

// LogAction is the verb recorded in the append-only log.
type LogAction string

const (
	LogLookup  LogAction = "lookup"
	LogCreate  LogAction = "create"
	LogReverse LogAction = "reverse_lookup"
	LogRoute   LogAction = "route"
)

// ErrIntegrity reports a violated uniqueness invariant: an id_in that would
// map to two different id_outs. Callers treat it as fatal for the study.
var ErrIntegrity = errors.New("crosswalk: integrity violation")

// Entry is one mapping row.
type Entry struct {
	Broker  string
	IDIn    string
	IDOut   string
	IDType  IDType
	Created time.Time
	Updated time.Time
}

// LogRecord is one append-only log row.
type LogRecord struct {
	Action      LogAction
	IDIn        string
	IDOut       string
	IDType      IDType
	Route       string
	Destination string
	StudyUID    string
	Details     string
}

const schema = `
CREATE TABLE IF NOT EXISTS crosswalk (
    broker   TEXT NOT NULL,
    id_in    TEXT NOT NULL,
    id_out   TEXT NOT NULL,
    id_type  TEXT NOT NULL,
    created  TIMESTAMP NOT NULL,
    updated  TIMESTAMP NOT NULL,
    UNIQUE (broker, id_in, id_type)
);
CREATE INDEX IF NOT EXISTS idx_crosswalk_reverse ON crosswalk (broker, id_out, id_type);

CREATE TABLE IF NOT EXISTS crosswalk_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    action      TEXT NOT NULL,
    id_in       TEXT NOT NULL,
    id_out      TEXT NOT NULL,
    id_type     TEXT NOT NULL,
    route       TEXT NOT NULL DEFAULT '',
    destination TEXT NOT NULL DEFAULT '',
    study_uid   TEXT NOT NULL DEFAULT '',
    details     TEXT NOT NULL DEFAULT '',
    ts          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS date_shifts (
    broker     TEXT NOT NULL,
    patient_id TEXT NOT NULL,
    shift_days INTEGER NOT NULL,
    created    TIMESTAMP NOT NULL,
    UNIQUE (broker, patient_id)
);

CREATE TABLE IF NOT EXISTS uid_map (
    broker   TEXT NOT NULL,
    uid_in   TEXT NOT NULL,
    uid_out  TEXT NOT NULL,
    uid_type TEXT NOT NULL,
    created  TIMESTAMP NOT NULL,
    UNIQUE (broker, uid_in, uid_type)
);`

// Store wraps the embedded database. Write paths are serialized by mu,
// which backups also hold while checkpointing and copying the file.
type Store struct {
	path string
	log  *zap.Logger

	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the store at path and applies the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("crosswalk: create dir for %s: %w", path, err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, log: logger, db: db}, nil
}

func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("crosswalk: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("crosswalk: ping %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("crosswalk: apply schema: %w", err)
	}
	return db, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Ping verifies the store is reachable; the readiness probe uses it.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Lookup returns the pseudonym for (broker, idIn, idType), if one exists.
func (s *Store) Lookup(ctx context.Context, broker, idIn string, t IDType) (string, bool, error) {
	var idOut string
	err := s.db.QueryRowContext(ctx,
		`SELECT id_out FROM crosswalk WHERE broker = ? AND id_in = ? AND id_type = ?`,
		broker, idIn, string(t)).Scan(&idOut)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("crosswalk: lookup: %w", err)
	}
	return idOut, true, nil
}

// Reverse returns the original identifier for a pseudonym.
func (s *Store) Reverse(ctx context.Context, broker, idOut string, t IDType) (string, bool, error) {
	var idIn string
	err := s.db.QueryRowContext(ctx,
		`SELECT id_in FROM crosswalk WHERE broker = ? AND id_out = ? AND id_type = ?`,
		broker, idOut, string(t)).Scan(&idIn)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("crosswalk: reverse lookup: %w", err)
	}
	return idIn, true, nil
}

// Create stores a mapping. A mapping that already exists is left untouched;
// attempting to bind an existing (broker, idIn, idType) to a different
// idOut fails with ErrIntegrity.
func (s *Store) Create(ctx context.Context, broker, idIn, idOut string, t IDType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crosswalk (broker, id_in, id_out, id_type, created, updated)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (broker, id_in, id_type) DO UPDATE SET updated = excluded.updated`,
		broker, idIn, idOut, string(t), now, now)
	if err != nil {
		return fmt.Errorf("crosswalk: create mapping: %w", err)
	}
	var stored string
	if err := s.db.QueryRowContext(ctx,
		`SELECT id_out FROM crosswalk WHERE broker = ? AND id_in = ? AND id_type = ?`,
		broker, idIn, string(t)).Scan(&stored); err != nil {
		return fmt.Errorf("crosswalk: create read-back: %w", err)
	}
	if stored != idOut {
		return fmt.Errorf("%w: (%s,%s,%s) already maps to %q, refusing %q",
			ErrIntegrity, broker, idIn, t, stored, idOut)
	}
	return nil
}

// Get returns the full mapping row.
func (s *Store) Get(ctx context.Context, broker, idIn string, t IDType) (Entry, bool, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx,
		`SELECT broker, id_in, id_out, id_type, created, updated
		 FROM crosswalk WHERE broker = ? AND id_in = ? AND id_type = ?`,
		broker, idIn, string(t)).Scan(&e.Broker, &e.IDIn, &e.IDOut, (*string)(&e.IDType), &e.Created, &e.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("crosswalk: get: %w", err)
	}
	return e, true, nil
}

// Append writes one record to the append-only log.
func (s *Store) Append(ctx context.Context, broker string, rec LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crosswalk_log (action, id_in, id_out, id_type, route, destination, study_uid, details, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Action), rec.IDIn, rec.IDOut, string(rec.IDType),
		rec.Route, rec.Destination, rec.StudyUID, brokerDetails(broker, rec.Details), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("crosswalk: append log: %w", err)
	}
	return nil
}

// brokerDetails prefixes log details with the broker name so one log table
// serves every broker.
func brokerDetails(broker, details string) string {
	if broker == "" {
		return details
	}
	if details == "" {
		return "broker=" + broker
	}
	return "broker=" + broker + " " + details
}

// AllocateDateShift stores days for (broker, patientID) unless a value
// already exists, and returns the value that won.
func (s *Store) AllocateDateShift(ctx context.Context, broker, patientID string, days int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO date_shifts (broker, patient_id, shift_days, created)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (broker, patient_id) DO NOTHING`,
		broker, patientID, days, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("crosswalk: allocate date shift: %w", err)
	}
	var stored int
	if err := s.db.QueryRowContext(ctx,
		`SELECT shift_days FROM date_shifts WHERE broker = ? AND patient_id = ?`,
		broker, patientID).Scan(&stored); err != nil {
		return 0, fmt.Errorf("crosswalk: date shift read-back: %w", err)
	}
	return stored, nil
}

// DateShift returns the stored shift for a patient, if any.
func (s *Store) DateShift(ctx context.Context, broker, patientID string) (int, bool, error) {
	var days int
	err := s.db.QueryRowContext(ctx,
		`SELECT shift_days FROM date_shifts WHERE broker = ? AND patient_id = ?`,
		broker, patientID).Scan(&days)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("crosswalk: date shift: %w", err)
	}
	return days, true, nil
}

// PutUID stores an original→hashed UID pair for later reversal. Existing
// pairs are left untouched; a conflicting uid_out fails with ErrIntegrity.
func (s *Store) PutUID(ctx context.Context, broker, uidIn, uidOut string, t IDType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uid_map (broker, uid_in, uid_out, uid_type, created)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (broker, uid_in, uid_type) DO NOTHING`,
		broker, uidIn, uidOut, string(t), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("crosswalk: put uid: %w", err)
	}
	var stored string
	if err := s.db.QueryRowContext(ctx,
		`SELECT uid_out FROM uid_map WHERE broker = ? AND uid_in = ? AND uid_type = ?`,
		broker, uidIn, string(t)).Scan(&stored); err != nil {
		return fmt.Errorf("crosswalk: put uid read-back: %w", err)
	}
	if stored != uidOut {
		return fmt.Errorf("%w: uid (%s,%s,%s) already maps to %q, refusing %q",
			ErrIntegrity, broker, uidIn, t, stored, uidOut)
	}
	return nil
}

// LookupUID returns the hashed UID previously stored for uidIn.
func (s *Store) LookupUID(ctx context.Context, broker, uidIn string, t IDType) (string, bool, error) {
	var uidOut string
	err := s.db.QueryRowContext(ctx,
		`SELECT uid_out FROM uid_map WHERE broker = ? AND uid_in = ? AND uid_type = ?`,
		broker, uidIn, string(t)).Scan(&uidOut)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("crosswalk: lookup uid: %w", err)
	}
	return uidOut, true, nil
}

// MappingCount returns the number of mappings for one broker, or for all
// brokers when broker is empty.
func (s *Store) MappingCount(ctx context.Context, broker string) (int64, error) {
	var n int64
	var err error
	if broker == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crosswalk`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crosswalk WHERE broker = ?`, broker).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("crosswalk: mapping count: %w", err)
	}
	return n, nil
}

// LogCount returns the number of log records.
func (s *Store) LogCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crosswalk_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("crosswalk: log count: %w", err)
	}
	return n, nil
}
