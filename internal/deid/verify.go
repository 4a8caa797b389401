package deid

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/radgate/radgate/internal/dicom"
)

// Check identifiers.
const (
	CheckUIDsChanged     = "uids_changed"
	CheckPatientIdentity = "patient_identity"
	CheckDateShift       = "date_shift"
)

// Checks toggles the verification gate. The zero value disables everything;
// use DefaultChecks for the all-on default.
type Checks struct {
	UIDsChanged       bool
	PatientIdentity   bool
	DateShift         bool
	DateToleranceDays int
}

// DefaultChecks enables every check with zero date tolerance.
func DefaultChecks() Checks {
	return Checks{UIDsChanged: true, PatientIdentity: true, DateShift: true}
}

// CheckResult is the outcome of one verification check for one instance.
type CheckResult struct {
	Check  string `json:"check"`
	Tag    string `json:"tag,omitempty"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// VerificationError suppresses the anonymized output: no byte of it is
// written when any enabled check fails.
type VerificationError struct {
	SOPInstanceUID string
	Failures       []CheckResult
}

func (e *VerificationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Detail)
	}
	return fmt.Sprintf("deid: verification failed for %s: %s",
		e.SOPInstanceUID, strings.Join(parts, "; "))
}

// anonNameRe accepts the documented anonymous patient-name shapes.
var anonNameRe = regexp.MustCompile(`^(Anonymous|ANON|Subject_\d+|[A-Z0-9_]+)$`)

var uidChecks = []dicom.Tag{
	dicom.TagStudyInstanceUID,
	dicom.TagSeriesInstanceUID,
	dicom.TagSOPInstanceUID,
}

var dateChecks = []dicom.Tag{
	dicom.TagStudyDate,
	dicom.TagSeriesDate,
	dicom.TagPatientBirthDate,
}

// verify compares the untouched original against the anonymized dataset.
// expectedShift is the per-tag shift the script (or broker) promised;
// declaredClear reports clear-intent for a tag. Every enabled check runs so
// the diagnostics are complete even when the first one fails.
func verify(original, anon *dicom.Dataset, checks Checks, expectedShift func(dicom.Tag) int, declaredClear func(dicom.Tag) bool) []CheckResult {
	var results []CheckResult

	if checks.UIDsChanged {
		for _, tag := range uidChecks {
			before := original.StringValue(tag)
			after := anon.StringValue(tag)
			if before != "" && before == after {
				results = append(results, CheckResult{
					Check: CheckUIDsChanged, Tag: tag.String(),
					Detail: fmt.Sprintf("UidNotChanged (PHI-LEAK-RISK): %s %s unchanged", dicom.Keyword(tag), tag),
				})
			} else {
				results = append(results, CheckResult{Check: CheckUIDsChanged, Tag: tag.String(), Passed: true})
			}
		}
	}

	if checks.PatientIdentity {
		results = append(results, checkIdentity(original, anon)...)
	}

	if checks.DateShift {
		for _, tag := range dateChecks {
			before := original.StringValue(tag)
			if before == "" {
				continue
			}
			results = append(results, checkDate(tag, before, anon.StringValue(tag),
				expectedShift(tag), checks.DateToleranceDays, declaredClear(tag)))
		}
	}

	return results
}

func checkIdentity(original, anon *dicom.Dataset) []CheckResult {
	var results []CheckResult

	nameBefore := original.StringValue(dicom.TagPatientName)
	nameAfter := anon.StringValue(dicom.TagPatientName)
	switch {
	case nameBefore != "" && nameBefore == nameAfter:
		results = append(results, CheckResult{
			Check: CheckPatientIdentity, Tag: dicom.TagPatientName.String(),
			Detail: "PatientName unchanged",
		})
	case nameAfter != "" && !anonNameRe.MatchString(nameAfter):
		results = append(results, CheckResult{
			Check: CheckPatientIdentity, Tag: dicom.TagPatientName.String(),
			Detail: fmt.Sprintf("PatientName %q does not match an anonymous pattern", nameAfter),
		})
	default:
		results = append(results, CheckResult{Check: CheckPatientIdentity, Tag: dicom.TagPatientName.String(), Passed: true})
	}

	idBefore := original.StringValue(dicom.TagPatientID)
	idAfter := anon.StringValue(dicom.TagPatientID)
	if idBefore != "" && idBefore == idAfter {
		results = append(results, CheckResult{
			Check: CheckPatientIdentity, Tag: dicom.TagPatientID.String(),
			Detail: "PatientID unchanged",
		})
	} else {
		results = append(results, CheckResult{Check: CheckPatientIdentity, Tag: dicom.TagPatientID.String(), Passed: true})
	}
	return results
}

func checkDate(tag dicom.Tag, before, after string, expectedDays, tolerance int, clearDeclared bool) CheckResult {
	keyword := dicom.Keyword(tag)
	if after == "" {
		if clearDeclared {
			return CheckResult{Check: CheckDateShift, Tag: tag.String(), Passed: true}
		}
		return CheckResult{
			Check: CheckDateShift, Tag: tag.String(),
			Detail: fmt.Sprintf("DateCleared: %s removed without declared clear-intent", keyword),
		}
	}
	origDate, err := time.Parse("20060102", trim8(before))
	if err != nil {
		// Unparseable original: nothing to verify a shift against.
		return CheckResult{Check: CheckDateShift, Tag: tag.String(), Passed: true}
	}
	anonDate, err := time.Parse("20060102", trim8(after))
	if err != nil {
		return CheckResult{
			Check: CheckDateShift, Tag: tag.String(),
			Detail: fmt.Sprintf("%s value %q does not parse as a date", keyword, after),
		}
	}
	gotDays := int(anonDate.Sub(origDate).Hours() / 24)
	diff := gotDays - expectedDays
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		return CheckResult{
			Check: CheckDateShift, Tag: tag.String(),
			Detail: fmt.Sprintf("%s shifted by %d days, expected %d", keyword, gotDays, expectedDays),
		}
	}
	return CheckResult{Check: CheckDateShift, Tag: tag.String(), Passed: true}
}

func trim8(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func failures(results []CheckResult) []CheckResult {
	var out []CheckResult
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
