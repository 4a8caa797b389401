package dest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/config"
	"github.com/radgate/radgate/internal/dicom"
	"github.com/radgate/radgate/internal/fsutil"
)

// filesystem copies studies into a directory computed by expanding the
// configured pattern against the study's representative attributes.
type filesystem struct {
	name       string
	basePath   string
	dirPattern string
	namePat    string
	byListener bool
	log        *zap.Logger
}

func newFilesystem(name string, cfg config.DestinationConfig, log *zap.Logger) (*filesystem, error) {
	pattern := cfg.DirectoryPattern
	if pattern == "" {
		pattern = "{PatientID}/{StudyDate}_{StudyTime}"
	}
	return &filesystem{
		name:       name,
		basePath:   cfg.BasePath,
		dirPattern: pattern,
		namePat:    cfg.NamingPattern,
		byListener: cfg.OrganizeByListener,
		log:        log,
	}, nil
}

func (f *filesystem) Name() string { return f.name }
func (f *filesystem) Kind() Kind   { return KindFilesystem }

// Probe verifies the base path exists and is writable.
func (f *filesystem) Probe(ctx context.Context) error {
	fi, err := os.Stat(f.basePath)
	if err != nil {
		return fmt.Errorf("dest: filesystem %s: %w", f.name, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("dest: filesystem %s: %s is not a directory", f.name, f.basePath)
	}
	probe, err := os.CreateTemp(f.basePath, ".radgate-probe-*")
	if err != nil {
		return fmt.Errorf("dest: filesystem %s: not writable: %w", f.name, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

func (f *filesystem) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	target := f.basePath
	if f.byListener {
		target = filepath.Join(target, sanitizeComponent(req.ListenerAE))
	}
	target = filepath.Join(target, expandPattern(f.dirPattern, req.Attrs))

	var res SendResult
	for i, src := range req.Files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		name := filepath.Base(src)
		if f.namePat != "" {
			name = expandPattern(f.namePat, req.Attrs)
			if len(req.Files) > 1 {
				name = fmt.Sprintf("%s_%04d", name, i+1)
			}
			name += ".dcm"
		}
		dst := filepath.Join(target, name)
		if err := fsutil.CopyFile(src, dst); err != nil {
			return res, fmt.Errorf("dest: filesystem %s: %w", f.name, err)
		}
		res.FilesTransferred++
		if fi, err := os.Stat(dst); err == nil {
			res.BytesSent += fi.Size()
		}
	}
	f.log.Info("study copied to filesystem destination",
		zap.String("destination", f.name),
		zap.String("study_uid", req.StudyUID),
		zap.String("target", target),
		zap.Int("files", res.FilesTransferred))
	return res, nil
}

func (f *filesystem) Close() error { return nil }

var patternToken = regexp.MustCompile(`\{([A-Za-z]+)\}`)

// expandPattern substitutes {Keyword} tokens with sanitized attribute
// values; unknown or empty values become UNKNOWN.
func expandPattern(pattern string, attrs *dicom.Dataset) string {
	expanded := patternToken.ReplaceAllStringFunc(pattern, func(tok string) string {
		keyword := tok[1 : len(tok)-1]
		tag, ok := dicom.KeywordTag(keyword)
		if !ok {
			return "UNKNOWN"
		}
		value := ""
		if attrs != nil {
			value = attrs.StringValue(tag)
		}
		if value == "" {
			return "UNKNOWN"
		}
		return sanitizeComponent(value)
	})
	// Pattern separators delimit directories; nothing else may.
	parts := strings.Split(expanded, "/")
	for i, p := range parts {
		if p == "" {
			parts[i] = "UNKNOWN"
		}
	}
	return filepath.Join(parts...)
}

// sanitizeComponent keeps [A-Za-z0-9._-], mapping everything else to '_'.
func sanitizeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
