package routing

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/config"
	"github.com/radgate/radgate/internal/dicom"
	"github.com/radgate/radgate/internal/fsutil"
)

// Rewriter applies a route's tag modification list to every file in a
// processing directory, in place via atomic rewrite.
type Rewriter struct {
	mods []tagMod
	log  *zap.Logger
}

type tagMod struct {
	action string
	tag    dicom.Tag
	value  string
	source dicom.Tag
}

// NewRewriter compiles the modification list.
func NewRewriter(mods []config.TagModification, log *zap.Logger) (*Rewriter, error) {
	r := &Rewriter{log: log}
	for i, m := range mods {
		tag, err := resolveTag(m.Tag)
		if err != nil {
			return nil, fmt.Errorf("tag_modifications[%d]: %w", i, err)
		}
		cm := tagMod{action: m.Action, tag: tag, value: m.Value}
		if m.Action == "copy_from_tag" {
			if cm.source, err = resolveTag(m.SourceTag); err != nil {
				return nil, fmt.Errorf("tag_modifications[%d]: %w", i, err)
			}
		}
		r.mods = append(r.mods, cm)
	}
	return r, nil
}

// Empty reports whether there is nothing to apply.
func (r *Rewriter) Empty() bool { return len(r.mods) == 0 }

// ApplyDir rewrites every .dcm file under dir. Returns the number of files
// modified.
func (r *Rewriter) ApplyDir(dir string) (int, error) {
	if r.Empty() {
		return 0, nil
	}
	n := 0
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return err
		}
		if err := r.applyFile(path); err != nil {
			return fmt.Errorf("routing: rewrite %s: %w", path, err)
		}
		n++
		return nil
	})
	return n, err
}

func (r *Rewriter) applyFile(path string) error {
	f, err := dicom.ParseFile(path)
	if err != nil {
		return err
	}
	r.Apply(f.Dataset)
	return fsutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		return dicom.Write(w, f.Dataset, f.TransferSyntax)
	})
}

// Apply runs the modification list against one dataset, in declared order.
func (r *Rewriter) Apply(ds *dicom.Dataset) {
	for _, m := range r.mods {
		switch m.action {
		case "set":
			ds.SetString(m.tag, "", m.value)
		case "remove":
			ds.Remove(m.tag)
		case "copy_from_tag":
			if v := ds.StringValue(m.source); v != "" {
				ds.SetString(m.tag, "", v)
			}
		case "prefix":
			ds.SetString(m.tag, "", m.value+ds.StringValue(m.tag))
		case "suffix":
			ds.SetString(m.tag, "", ds.StringValue(m.tag)+m.value)
		case "hash":
			if v := ds.StringValue(m.tag); v != "" {
				ds.SetString(m.tag, "", HashValue(v))
			}
		}
	}
}

// HashValue is the deterministic tag-hash function: SHA-256, first 8 hex
// characters, upper case.
func HashValue(v string) string {
	sum := sha256.Sum256([]byte(v))
	return strings.ToUpper(fmt.Sprintf("%x", sum[:4]))
}
