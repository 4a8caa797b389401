// Package deid applies anonymization scripts to stored instances behind a
// pre-write verification gate: the output file is written only after every
// enabled check has passed against the untouched original. Inputs at or
// above the streaming threshold take a header-rewrite path that never loads
// pixel data.
package deid

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/dicom"
	"github.com/radgate/radgate/internal/fsutil"
	"github.com/radgate/radgate/internal/script"
)

// DefaultStreamThreshold selects the streaming path at 2 GiB.
const DefaultStreamThreshold = int64(2) << 30

// copyWindow is the tail-copy buffer size on the streaming path.
const copyWindow = 64 << 20

// Options tune one anonymization call.
type Options struct {
	// Hasher seeds hashUID; nil uses the process-scoped salt. Broker-backed
	// calls pass the broker's hasher so UIDs reproduce across restarts.
	Hasher *dicom.UIDHasher

	// ShiftDays, when non-nil, overrides every shift amount in the script
	// with the broker-allocated per-patient value.
	ShiftDays *int

	// OnUIDHashed observes hashUID applications for crosswalk recording.
	OnUIDHashed func(tag dicom.Tag, original, hashed string)
}

// Result describes one successful anonymization.
type Result struct {
	SOPInstanceUID string
	OutputPath     string
	Streamed       bool
	Checks         []CheckResult
	InputBytes     int64
	OutputBytes    int64
}

// Executor is stateless per call; the script cache is shared.
type Executor struct {
	cache     *script.Cache
	checks    Checks
	threshold int64
	log       *zap.Logger
}

// NewExecutor builds an executor with the given verification toggles.
// threshold <= 0 uses the 2 GiB default.
func NewExecutor(checks Checks, threshold int64, log *zap.Logger) *Executor {
	if threshold <= 0 {
		threshold = DefaultStreamThreshold
	}
	return &Executor{
		cache:     script.NewCache(),
		checks:    checks,
		threshold: threshold,
		log:       log,
	}
}

// Anonymize applies scriptContent to inPath and writes outPath. On a
// verification failure nothing is written and the error is a
// *VerificationError carrying per-check diagnostics.
func (e *Executor) Anonymize(inPath, outPath, scriptContent string, opts Options) (*Result, error) {
	s, err := e.cache.Parse(scriptContent)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(inPath)
	if err != nil {
		return nil, fmt.Errorf("deid: stat %s: %w", inPath, err)
	}
	if info.Size() >= e.threshold {
		return e.streaming(inPath, outPath, s, opts, info.Size())
	}
	return e.standard(inPath, outPath, s, opts, info.Size())
}

func (e *Executor) standard(inPath, outPath string, s *script.Script, opts Options, inSize int64) (*Result, error) {
	working, err := dicom.ParseFile(inPath)
	if err != nil {
		return nil, err
	}
	// Independent re-read: the verifier's original must not share state
	// with the dataset the script mutates.
	pristine, err := dicom.ParseFile(inPath)
	if err != nil {
		return nil, err
	}

	if err := e.apply(s, working.Dataset, opts); err != nil {
		return nil, err
	}

	results := verify(pristine.Dataset, working.Dataset, e.checks, e.expectedShift(s, opts), s.DeclaresClear)
	if failed := failures(results); len(failed) > 0 {
		return nil, &VerificationError{
			SOPInstanceUID: pristine.Dataset.StringValue(dicom.TagSOPInstanceUID),
			Failures:       failed,
		}
	}

	if err := fsutil.WriteAtomic(outPath, 0o644, func(w io.Writer) error {
		return dicom.Write(w, working.Dataset, working.TransferSyntax)
	}); err != nil {
		return nil, err
	}
	outInfo, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("deid: stat output %s: %w", outPath, err)
	}
	return &Result{
		SOPInstanceUID: working.Dataset.StringValue(dicom.TagSOPInstanceUID),
		OutputPath:     outPath,
		Checks:         results,
		InputBytes:     inSize,
		OutputBytes:    outInfo.Size(),
	}, nil
}

// streaming rewrites the header and copies the pixel-data tail verbatim.
// Verification covers header-scope checks only.
func (e *Executor) streaming(inPath, outPath string, s *script.Script, opts Options, inSize int64) (*Result, error) {
	in, err := os.Open(inPath)
	if err != nil {
		return nil, fmt.Errorf("deid: open %s: %w", inPath, err)
	}
	defer in.Close()

	working, err := dicom.ParseHeader(in)
	if err != nil {
		return nil, err
	}
	if working.PixelDataOffset < 0 {
		return nil, fmt.Errorf("deid: %s has no pixel data; refusing streaming rewrite", inPath)
	}
	pristine := working.Dataset.Clone()

	if err := e.apply(s, working.Dataset, opts); err != nil {
		return nil, err
	}

	results := verify(pristine, working.Dataset, e.checks, e.expectedShift(s, opts), s.DeclaresClear)
	if failed := failures(results); len(failed) > 0 {
		return nil, &VerificationError{
			SOPInstanceUID: pristine.StringValue(dicom.TagSOPInstanceUID),
			Failures:       failed,
		}
	}

	if err := fsutil.WriteAtomic(outPath, 0o644, func(w io.Writer) error {
		if err := dicom.Write(w, working.Dataset, working.TransferSyntax); err != nil {
			return err
		}
		if _, err := in.Seek(working.PixelDataOffset, io.SeekStart); err != nil {
			return fmt.Errorf("deid: seek to pixel data: %w", err)
		}
		if _, err := io.CopyBuffer(w, in, make([]byte, copyWindow)); err != nil {
			return fmt.Errorf("deid: copy pixel data: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	outInfo, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("deid: stat output %s: %w", outPath, err)
	}
	if delta := outInfo.Size() - inSize; delta > inSize/10 || delta < -inSize/10 {
		e.log.Warn("streamed output size deviates more than 10% from input",
			zap.String("output", outPath),
			zap.Int64("input_bytes", inSize),
			zap.Int64("output_bytes", outInfo.Size()))
	}
	return &Result{
		SOPInstanceUID: working.Dataset.StringValue(dicom.TagSOPInstanceUID),
		OutputPath:     outPath,
		Streamed:       true,
		Checks:         results,
		InputBytes:     inSize,
		OutputBytes:    outInfo.Size(),
	}, nil
}

func (e *Executor) apply(s *script.Script, ds *dicom.Dataset, opts Options) error {
	return s.Apply(ds, script.ExecOptions{
		Hasher:            opts.Hasher,
		ShiftDaysOverride: opts.ShiftDays,
		OnUIDHashed:       opts.OnUIDHashed,
	})
}

// expectedShift resolves the per-tag shift the date check verifies: the
// broker override when present, else the amount written in the script, else
// zero (the date must be unchanged).
func (e *Executor) expectedShift(s *script.Script, opts Options) func(dicom.Tag) int {
	expect := s.Expectations()
	return func(tag dicom.Tag) int {
		exp, ok := expect[tag]
		if !ok || exp.Kind != script.ExpectShifted {
			return 0
		}
		if opts.ShiftDays != nil {
			return *opts.ShiftDays
		}
		return exp.ShiftDays
	}
}
