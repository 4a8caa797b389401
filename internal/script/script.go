// Package script implements the line-oriented anonymization mini-language:
// tag assignment, UID hashing, date shifting, and keep assertions. Scripts
// are parsed in full before any file is touched; a single malformed line
// rejects the whole script.
package script

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/radgate/radgate/internal/dicom"
)

// Action is the operator of one script line.
type Action uint8

const (
	ActionAssign Action = iota // (t) := "literal"; empty literal clears
	ActionHashUID              // (t) := hashUID[(src)]
	ActionShiftDate            // (t) := shiftDateTimeByIncrement[(src),"N","days"]
	ActionKeep                 // (t) keep
)

func (a Action) String() string {
	switch a {
	case ActionAssign:
		return "assign"
	case ActionHashUID:
		return "hashUID"
	case ActionShiftDate:
		return "shiftDateTimeByIncrement"
	case ActionKeep:
		return "keep"
	}
	return "unknown"
}

// Op is one parsed script operation.
type Op struct {
	Action    Action
	Target    dicom.Tag
	Source    dicom.Tag // hashUID and shiftDate argument
	Literal   string    // assign value
	ShiftDays int       // shiftDate increment (negative shifts into the past)
	Line      int
}

// Script is a parsed program. Execution follows source order.
type Script struct {
	Ops []Op
}

// SyntaxError reports a malformed script line.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("script: line %d: %s", e.Line, e.Msg)
}

var (
	tagPat    = `\(\s*([0-9A-Fa-f]{4})\s*,\s*([0-9A-Fa-f]{4})\s*\)`
	keepRe    = regexp.MustCompile(`^` + tagPat + `\s+keep$`)
	assignRe  = regexp.MustCompile(`^` + tagPat + `\s*:=\s*(.+)$`)
	literalRe = regexp.MustCompile(`^"(.*)"$`)
	hashRe    = regexp.MustCompile(`^hashUID\s*\[\s*` + tagPat + `\s*\]$`)
	shiftRe   = regexp.MustCompile(`^shiftDateTimeByIncrement\s*\[\s*` + tagPat + `\s*,\s*"(-?\d+)"\s*,\s*"(\w+)"\s*\]$`)
)

// Parse compiles script source. The first malformed line aborts with a
// *SyntaxError so a bad script never executes partially.
func Parse(content string) (*Script, error) {
	var ops []Op
	for i, raw := range strings.Split(content, "\n") {
		lineNo := i + 1
		line := stripComment(raw)
		if line == "" {
			continue
		}
		op, err := parseLine(line, lineNo)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return &Script{Ops: ops}, nil
}

// Validate parses content and reports the first error, if any.
func Validate(content string) error {
	_, err := Parse(content)
	return err
}

func parseLine(line string, lineNo int) (Op, error) {
	if m := keepRe.FindStringSubmatch(line); m != nil {
		return Op{Action: ActionKeep, Target: mustTag(m[1], m[2]), Line: lineNo}, nil
	}
	m := assignRe.FindStringSubmatch(line)
	if m == nil {
		return Op{}, &SyntaxError{Line: lineNo, Msg: fmt.Sprintf("unrecognized statement %q", line)}
	}
	target := mustTag(m[1], m[2])
	rhs := strings.TrimSpace(m[3])

	if lm := literalRe.FindStringSubmatch(rhs); lm != nil {
		return Op{Action: ActionAssign, Target: target, Literal: lm[1], Line: lineNo}, nil
	}
	if hm := hashRe.FindStringSubmatch(rhs); hm != nil {
		return Op{Action: ActionHashUID, Target: target, Source: mustTag(hm[1], hm[2]), Line: lineNo}, nil
	}
	if sm := shiftRe.FindStringSubmatch(rhs); sm != nil {
		if sm[4] != "days" {
			return Op{}, &SyntaxError{Line: lineNo, Msg: fmt.Sprintf("unsupported shift unit %q (only days)", sm[4])}
		}
		days, err := strconv.Atoi(sm[3])
		if err != nil {
			return Op{}, &SyntaxError{Line: lineNo, Msg: fmt.Sprintf("invalid shift amount %q", sm[3])}
		}
		return Op{Action: ActionShiftDate, Target: target, Source: mustTag(sm[1], sm[2]), ShiftDays: days, Line: lineNo}, nil
	}
	return Op{}, &SyntaxError{Line: lineNo, Msg: fmt.Sprintf("unknown operator in %q", rhs)}
}

// stripComment removes // comments (whole-line and trailing) and trims the
// remainder. Quoted literals never contain //.
func stripComment(line string) string {
	if i := strings.Index(line, "//"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func mustTag(group, element string) dicom.Tag {
	g, _ := strconv.ParseUint(group, 16, 16)
	e, _ := strconv.ParseUint(element, 16, 16)
	return dicom.MakeTag(uint16(g), uint16(e))
}
