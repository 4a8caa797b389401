// Package routing decides what happens to a completed study: validation
// against the route's rules, include/exclude filtering, destination
// selection, and the tag rewrite pass applied to the processing copy.
package routing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/radgate/radgate/internal/config"
	"github.com/radgate/radgate/internal/dicom"
)

// resolveTag accepts "gggg,eeee" (with or without parentheses) or a
// dictionary keyword such as PatientID.
func resolveTag(ref string) (dicom.Tag, error) {
	if t, ok := dicom.KeywordTag(strings.TrimSpace(ref)); ok {
		return t, nil
	}
	t, err := dicom.ParseTag(ref)
	if err != nil {
		return 0, fmt.Errorf("routing: tag reference %q is neither a keyword nor gggg,eeee", ref)
	}
	return t, nil
}

// predicate is one compiled operator-value test.
type predicate struct {
	op      string
	value   string
	re      *regexp.Regexp // matches
	members []string       // in
}

func compilePredicate(op, value string) (predicate, error) {
	p := predicate{op: op, value: value}
	switch op {
	case config.OpEquals, config.OpContains, config.OpStartsWith, config.OpEndsWith:
	case config.OpMatches:
		re, err := regexp.Compile(value)
		if err != nil {
			return predicate{}, fmt.Errorf("routing: invalid pattern %q: %w", value, err)
		}
		p.re = re
	case config.OpIn:
		for _, m := range strings.Split(value, ",") {
			p.members = append(p.members, strings.TrimSpace(m))
		}
	default:
		return predicate{}, fmt.Errorf("routing: unknown operator %q", op)
	}
	return p, nil
}

func (p predicate) match(actual string) bool {
	switch p.op {
	case config.OpEquals:
		return actual == p.value
	case config.OpContains:
		return strings.Contains(actual, p.value)
	case config.OpStartsWith:
		return strings.HasPrefix(actual, p.value)
	case config.OpEndsWith:
		return strings.HasSuffix(actual, p.value)
	case config.OpMatches:
		return p.re.MatchString(actual)
	case config.OpIn:
		for _, m := range p.members {
			if actual == m {
				return true
			}
		}
	}
	return false
}

type validationRule struct {
	ruleType  string
	tag       dicom.Tag
	tagRef    string
	pred      predicate
	minLen    int
	maxLen    int
	onFailure string
}

// check returns "" on pass, or a failure description.
func (v validationRule) check(ds *dicom.Dataset) string {
	value := ds.StringValue(v.tag)
	switch v.ruleType {
	case "required_tag":
		if value == "" {
			return fmt.Sprintf("required tag %s is absent or empty", v.tagRef)
		}
	case "tag_value":
		if !v.pred.match(value) {
			return fmt.Sprintf("tag %s value %q fails %s %q", v.tagRef, value, v.pred.op, v.pred.value)
		}
	case "tag_length":
		if v.minLen > 0 && len(value) < v.minLen {
			return fmt.Sprintf("tag %s length %d below minimum %d", v.tagRef, len(value), v.minLen)
		}
		if v.maxLen > 0 && len(value) > v.maxLen {
			return fmt.Sprintf("tag %s length %d above maximum %d", v.tagRef, len(value), v.maxLen)
		}
	}
	return ""
}

type filterRule struct {
	action string
	tag    dicom.Tag
	tagRef string
	pred   predicate
}

type routingRule struct {
	name         string
	tag          dicom.Tag
	pred         predicate
	destinations []string
}
