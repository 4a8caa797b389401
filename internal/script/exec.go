package script

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/radgate/radgate/internal/dicom"
)

// InvalidDateError reports a shiftDateTimeByIncrement source that does not
// parse as yyyymmdd.
type InvalidDateError struct {
	Tag   dicom.Tag
	Value string
}

func (e *InvalidDateError) Error() string {
	return fmt.Sprintf("script: %s value %q is not a parseable yyyymmdd date", e.Tag, e.Value)
}

// ExecOptions tune one execution. The zero value runs with the
// process-scoped UID salt and the shift amounts written in the script.
type ExecOptions struct {
	// Hasher seeds hashUID. Nil uses the process-scoped hasher, whose
	// salt is random per process; broker-backed executions pass a hasher
	// seeded from the broker so UIDs reproduce across restarts.
	Hasher *dicom.UIDHasher

	// ShiftDaysOverride, when non-nil, replaces every shift amount in the
	// script with the broker-allocated per-patient value.
	ShiftDaysOverride *int

	// OnUIDHashed observes each hashUID application, letting the broker
	// persist original→hashed pairs for later reversal.
	OnUIDHashed func(tag dicom.Tag, original, hashed string)
}

// processHasher salts hashUID for executions without a broker. The salt is
// random per process, keeping determinism within a run only.
var processHasher = dicom.NewUIDHasher(randomSalt())

func randomSalt() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// time-derived salt rather than panic in an init path.
		return fmt.Sprintf("salt-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Apply executes the script against ds in source order.
func (s *Script) Apply(ds *dicom.Dataset, opts ExecOptions) error {
	hasher := opts.Hasher
	if hasher == nil {
		hasher = processHasher
	}
	for _, op := range s.Ops {
		switch op.Action {
		case ActionAssign:
			ds.SetString(op.Target, "", op.Literal)
		case ActionHashUID:
			original := ds.StringValue(op.Source)
			if original == "" {
				continue
			}
			hashed := hasher.Hash(original)
			ds.SetString(op.Target, "", hashed)
			if opts.OnUIDHashed != nil {
				opts.OnUIDHashed(op.Target, original, hashed)
			}
		case ActionShiftDate:
			value := ds.StringValue(op.Source)
			if value == "" {
				continue
			}
			days := op.ShiftDays
			if opts.ShiftDaysOverride != nil {
				days = *opts.ShiftDaysOverride
			}
			shifted, err := ShiftDate(value, days)
			if err != nil {
				return &InvalidDateError{Tag: op.Source, Value: value}
			}
			ds.SetString(op.Target, "", shifted)
		case ActionKeep:
			// Assertion only; the audit diff checks it.
		}
	}
	return nil
}

// ShiftDate parses the first 8 characters of value as yyyymmdd, adds days,
// and re-emits, preserving any suffix (the time portion of DT values).
func ShiftDate(value string, days int) (string, error) {
	if len(value) < 8 {
		return "", fmt.Errorf("script: date %q shorter than yyyymmdd", value)
	}
	t, err := time.Parse("20060102", value[:8])
	if err != nil {
		return "", fmt.Errorf("script: parse date %q: %w", value[:8], err)
	}
	return t.AddDate(0, 0, days).Format("20060102") + value[8:], nil
}
