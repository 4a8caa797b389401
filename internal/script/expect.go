package script

import "github.com/radgate/radgate/internal/dicom"

// ExpectKind classifies what a script promises about one tag.
type ExpectKind uint8

const (
	ExpectKept ExpectKind = iota
	ExpectCleared
	ExpectReplaced
	ExpectHashed
	ExpectShifted
)

func (k ExpectKind) String() string {
	switch k {
	case ExpectKept:
		return "kept"
	case ExpectCleared:
		return "cleared"
	case ExpectReplaced:
		return "replaced"
	case ExpectHashed:
		return "hashed"
	case ExpectShifted:
		return "shifted"
	}
	return "unknown"
}

// Expectation is the per-tag promise the audit diff verifies against the
// anonymized output.
type Expectation struct {
	Tag       dicom.Tag
	Kind      ExpectKind
	Value     string // ExpectReplaced literal
	ShiftDays int    // ExpectShifted amount as written in the script
}

// Expectations folds the script's operations into one expectation per tag;
// when a tag is touched more than once the last operation wins, matching
// execution order.
func (s *Script) Expectations() map[dicom.Tag]Expectation {
	out := make(map[dicom.Tag]Expectation, len(s.Ops))
	for _, op := range s.Ops {
		switch op.Action {
		case ActionAssign:
			if op.Literal == "" {
				out[op.Target] = Expectation{Tag: op.Target, Kind: ExpectCleared}
			} else {
				out[op.Target] = Expectation{Tag: op.Target, Kind: ExpectReplaced, Value: op.Literal}
			}
		case ActionHashUID:
			out[op.Target] = Expectation{Tag: op.Target, Kind: ExpectHashed}
		case ActionShiftDate:
			out[op.Target] = Expectation{Tag: op.Target, Kind: ExpectShifted, ShiftDays: op.ShiftDays}
		case ActionKeep:
			out[op.Target] = Expectation{Tag: op.Target, Kind: ExpectKept}
		}
	}
	return out
}

// DeclaresClear reports whether the script intends tag to end up empty.
func (s *Script) DeclaresClear(tag dicom.Tag) bool {
	e, ok := s.Expectations()[tag]
	return ok && e.Kind == ExpectCleared
}
