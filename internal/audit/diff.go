// Package audit proves de-identification happened as declared: it walks an
// archived study's original and anonymized snapshots, diffs each file pair
// tag by tag, flags residual PHI, and checks the changes against the
// expectations extracted from the anonymization script. Audit receives
// paths only; it never reaches back into the archive manager.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/radgate/radgate/internal/dicom"
	"github.com/radgate/radgate/internal/fsutil"
	"github.com/radgate/radgate/internal/script"
)

// Change actions.
const (
	ActionRemoved  = "removed"
	ActionAdded    = "added"
	ActionHashed   = "hashed"
	ActionReplaced = "replaced"
)

// TagChange is one observed difference between an original and its
// anonymized counterpart.
type TagChange struct {
	Tag     string `json:"tag"`
	Keyword string `json:"keyword,omitempty"`
	Action  string `json:"action"`
	PHI     bool   `json:"phi"`
}

// FileResult is the per-pair outcome.
type FileResult struct {
	Name              string      `json:"name"`
	SOPInstanceUID    string      `json:"sop_instance_uid,omitempty"`
	Changes           []TagChange `json:"changes,omitempty"`
	ResidualWarnings  []string    `json:"residual_warnings,omitempty"`
	ConformanceIssues []string    `json:"conformance_issues,omitempty"`
}

// Conformant reports whether the pair satisfied every expectation and
// carried the de-identification markers.
func (f *FileResult) Conformant() bool { return len(f.ConformanceIssues) == 0 }

// Report aggregates the study-level audit.
type Report struct {
	GeneratedAt        time.Time      `json:"generated_at"`
	FilesCompared      int            `json:"files_compared"`
	NonConformantFiles int            `json:"non_conformant_files"`
	ChangesByTag       map[string]int `json:"changes_by_tag"`
	Files              []FileResult   `json:"files"`
	Errors             []string       `json:"errors,omitempty"`
	FullyConformant    bool           `json:"fully_conformant"`
}

var anonNameRe = regexp.MustCompile(`^(Anonymous|ANON|Subject_\d+|[A-Z0-9_]+)$`)
var eightDigitRe = regexp.MustCompile(`^\d{8}$`)

// Diff audits originalDir against anonymizedDir. Files pair by name; an
// anonymized file without an original (or the reverse) is an error entry,
// not a panic. expect may be nil when no script is on record.
func Diff(originalDir, anonymizedDir string, expect map[dicom.Tag]script.Expectation) (*Report, error) {
	origFiles, err := listFiles(originalDir)
	if err != nil {
		return nil, fmt.Errorf("audit: list originals: %w", err)
	}
	anonFiles, err := listFiles(anonymizedDir)
	if err != nil {
		return nil, fmt.Errorf("audit: list anonymized: %w", err)
	}

	report := &Report{
		GeneratedAt:  time.Now().UTC(),
		ChangesByTag: map[string]int{},
	}

	for name := range anonFiles {
		if _, ok := origFiles[name]; !ok {
			report.Errors = append(report.Errors, fmt.Sprintf("anonymized file %s has no original", name))
		}
	}

	names := make([]string, 0, len(origFiles))
	for name := range origFiles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		anonPath, ok := anonFiles[name]
		if !ok {
			report.Errors = append(report.Errors, fmt.Sprintf("original file %s has no anonymized counterpart", name))
			continue
		}
		fr, err := diffPair(origFiles[name], anonPath, expect)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		fr.Name = name
		report.FilesCompared++
		if !fr.Conformant() {
			report.NonConformantFiles++
		}
		for _, c := range fr.Changes {
			report.ChangesByTag[c.Tag]++
		}
		report.Files = append(report.Files, *fr)
	}

	report.FullyConformant = report.NonConformantFiles == 0 && len(report.Errors) == 0
	return report, nil
}

// WriteJSON persists the report atomically.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: marshal report: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

func listFiles(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			out[e.Name()] = filepath.Join(dir, e.Name())
		}
	}
	return out, nil
}

func diffPair(origPath, anonPath string, expect map[dicom.Tag]script.Expectation) (*FileResult, error) {
	orig, err := dicom.ParseFile(origPath)
	if err != nil {
		return nil, err
	}
	anon, err := dicom.ParseFile(anonPath)
	if err != nil {
		return nil, err
	}

	fr := &FileResult{SOPInstanceUID: orig.Dataset.StringValue(dicom.TagSOPInstanceUID)}
	fr.Changes = tagChanges(orig.Dataset, anon.Dataset)
	fr.ResidualWarnings = residualPHI(anon.Dataset)
	fr.ConformanceIssues = conformance(orig.Dataset, anon.Dataset, expect)
	return fr, nil
}

// tagChanges walks both datasets in tag order and classifies differences.
func tagChanges(orig, anon *dicom.Dataset) []TagChange {
	var changes []TagChange
	seen := map[dicom.Tag]bool{}

	for _, a := range orig.Attributes() {
		seen[a.Tag] = true
		after, ok := anon.Get(a.Tag)
		if !ok {
			changes = append(changes, change(a.Tag, ActionRemoved))
			continue
		}
		before := a.StringValue()
		if before == after.StringValue() {
			continue
		}
		if a.VR == "UI" && strings.HasPrefix(after.StringValue(), "2.25.") {
			changes = append(changes, change(a.Tag, ActionHashed))
		} else {
			changes = append(changes, change(a.Tag, ActionReplaced))
		}
	}
	for _, a := range anon.Attributes() {
		if !seen[a.Tag] {
			changes = append(changes, change(a.Tag, ActionAdded))
		}
	}
	return changes
}

func change(tag dicom.Tag, action string) TagChange {
	return TagChange{
		Tag:     tag.String(),
		Keyword: dicom.Keyword(tag),
		Action:  action,
		PHI:     IsPHI(tag),
	}
}

// residualPHI flags PHI tags that survived anonymization in a identifying
// shape: names outside the anonymous patterns, dates still 8 digits.
func residualPHI(anon *dicom.Dataset) []string {
	var warnings []string
	for tag, keyword := range phiTags {
		value := anon.StringValue(tag)
		if value == "" {
			continue
		}
		switch {
		case phiNameTags[tag]:
			if !anonNameRe.MatchString(value) {
				warnings = append(warnings, fmt.Sprintf("%s %s retains a non-anonymous name", keyword, tag))
			}
		case phiDateTags[tag]:
			if eightDigitRe.MatchString(value) {
				warnings = append(warnings, fmt.Sprintf("%s %s retains an 8-digit date", keyword, tag))
			}
		}
	}
	sort.Strings(warnings)
	return warnings
}

// conformance checks the observed output against the script's promises and
// the de-identification markers.
func conformance(orig, anon *dicom.Dataset, expect map[dicom.Tag]script.Expectation) []string {
	var issues []string

	tags := make([]dicom.Tag, 0, len(expect))
	for tag := range expect {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	for _, tag := range tags {
		exp := expect[tag]
		before := orig.StringValue(tag)
		after := anon.StringValue(tag)
		label := fmt.Sprintf("%s %s", dicom.Keyword(tag), tag)
		switch exp.Kind {
		case script.ExpectKept:
			if before != after {
				issues = append(issues, fmt.Sprintf("%s: declared kept but changed", label))
			}
		case script.ExpectCleared:
			if after != "" {
				issues = append(issues, fmt.Sprintf("%s: declared cleared but holds %q", label, after))
			}
		case script.ExpectReplaced:
			if after != exp.Value {
				issues = append(issues, fmt.Sprintf("%s: declared %q but holds %q", label, exp.Value, after))
			}
		case script.ExpectHashed:
			if before != "" && (after == before || after == "") {
				issues = append(issues, fmt.Sprintf("%s: declared hashed but not replaced", label))
			}
		case script.ExpectShifted:
			if before != "" && after == "" {
				issues = append(issues, fmt.Sprintf("%s: declared shifted but cleared", label))
			}
		}
	}

	if anon.StringValue(dicom.TagPatientIdentityRemoved) != "YES" {
		issues = append(issues, `PatientIdentityRemoved (0012,0062) is not "YES"`)
	}
	if anon.StringValue(dicom.TagDeidentificationMethod) == "" {
		issues = append(issues, "DeidentificationMethod (0012,0063) is empty")
	}
	return issues
}
