// Package broker implements the honest broker: deterministic pseudonym
// generation backed by the durable crosswalk, per-patient date-shift
// allocation, and the UID reversal map. A pseudonym, once issued for an
// identifier, is returned unchanged forever, across restarts included.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/crosswalk"
	"github.com/radgate/radgate/internal/dicom"
)

// Schemes.
const (
	SchemeAdjectiveAnimal = "adjective_animal"
	SchemeColorAnimal     = "color_animal"
	SchemeNATOPhonetic    = "nato_phonetic"
	SchemeSequential      = "sequential"
	SchemeHash            = "hash"
	SchemeScript          = "script"
)

const (
	scriptTimeout   = 2 * time.Second
	scriptMaxOutput = 128
)

// Options configure one broker.
type Options struct {
	Scheme           string
	Prefix           string
	DateShiftEnabled bool
	DateShiftMin     int
	DateShiftMax     int
	HashUIDs         bool
	CacheTTL         time.Duration
	CacheSize        int
	Script           string // gojq expression for SchemeScript
}

// Broker issues pseudonyms for one named broker configuration. Generation
// is serialized per broker so the crosswalk uniqueness invariant holds
// under concurrent workers.
type Broker struct {
	name   string
	opts   Options
	store  *crosswalk.Store
	cache  *expirable.LRU[string, string]
	code   *gojq.Code
	hasher *dicom.UIDHasher
	log    *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a broker. The script scheme compiles its expression here so a
// broken expression fails at startup; runtime evaluation errors fall back
// to adjective_animal instead.
func New(name string, opts Options, store *crosswalk.Store, log *zap.Logger) (*Broker, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	b := &Broker{
		name:  name,
		opts:  opts,
		store: store,
		cache: expirable.NewLRU[string, string](opts.CacheSize, nil, opts.CacheTTL),
		// Salted with the broker name: hashUID output reproduces across
		// restarts for broker-managed executions.
		hasher: dicom.NewUIDHasher("radgate-broker:" + name),
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if opts.Scheme == SchemeScript {
		q, err := gojq.Parse(opts.Script)
		if err != nil {
			return nil, fmt.Errorf("broker %s: parse script: %w", name, err)
		}
		code, err := gojq.Compile(q)
		if err != nil {
			return nil, fmt.Errorf("broker %s: compile script: %w", name, err)
		}
		b.code = code
	}
	return b, nil
}

// Name returns the broker's configured name.
func (b *Broker) Name() string { return b.name }

// HashUIDs reports whether UID hashing is recorded in the crosswalk.
func (b *Broker) HashUIDs() bool { return b.opts.HashUIDs }

// DateShiftEnabled reports whether this broker allocates per-patient
// date shifts.
func (b *Broker) DateShiftEnabled() bool { return b.opts.DateShiftEnabled }

// Hasher returns the broker-seeded UID hasher.
func (b *Broker) Hasher() *dicom.UIDHasher { return b.hasher }

// Pseudonym returns the stable pseudonym for (idIn, idType): cache, then
// store, then a freshly generated mapping.
func (b *Broker) Pseudonym(ctx context.Context, idIn string, idType crosswalk.IDType) (string, error) {
	if idIn == "" {
		return "", fmt.Errorf("broker %s: empty identifier", b.name)
	}
	key := string(idType) + "\x00" + idIn
	if out, ok := b.cache.Get(key); ok {
		return out, nil
	}
	if out, ok, err := b.store.Lookup(ctx, b.name, idIn, idType); err != nil {
		return "", err
	} else if ok {
		b.cache.Add(key, out)
		if err := b.store.Append(ctx, b.name, crosswalk.LogRecord{
			Action: crosswalk.LogLookup, IDIn: idIn, IDOut: out, IDType: idType, Details: "cache_hit",
		}); err != nil {
			b.log.Warn("crosswalk log append failed", zap.Error(err))
		}
		return out, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// Another worker may have generated while this one waited.
	if out, ok, err := b.store.Lookup(ctx, b.name, idIn, idType); err != nil {
		return "", err
	} else if ok {
		b.cache.Add(key, out)
		return out, nil
	}

	out, err := b.generate(ctx, idIn, idType)
	if err != nil {
		return "", err
	}
	if err := b.store.Create(ctx, b.name, idIn, out, idType); err != nil {
		return "", err
	}
	if err := b.store.Append(ctx, b.name, crosswalk.LogRecord{
		Action: crosswalk.LogCreate, IDIn: idIn, IDOut: out, IDType: idType, Details: "new_mapping",
	}); err != nil {
		b.log.Warn("crosswalk log append failed", zap.Error(err))
	}
	b.cache.Add(key, out)
	b.log.Info("pseudonym created",
		zap.String("broker", b.name),
		zap.String("id_type", string(idType)),
		zap.String("id_out", out))
	return out, nil
}

// generate runs under b.mu.
func (b *Broker) generate(ctx context.Context, idIn string, idType crosswalk.IDType) (string, error) {
	switch b.opts.Scheme {
	case SchemeAdjectiveAnimal:
		return b.dictionary(ctx, idIn, idType, adjectives, animals)
	case SchemeColorAnimal:
		return b.dictionary(ctx, idIn, idType, colors, animals)
	case SchemeNATOPhonetic:
		return b.dictionary(ctx, idIn, idType, natoWords, natoWords)
	case SchemeSequential:
		count, err := b.store.MappingCount(ctx, b.name)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s-%05d", b.prefix(), count+1), nil
	case SchemeHash:
		sum := sha256.Sum256([]byte(idIn))
		base := fmt.Sprintf("%s-%02X%02X%02X", b.prefix(), sum[0], sum[1], sum[2])
		return b.unique(ctx, base, idType)
	case SchemeScript:
		out, err := b.evalScript(ctx, idIn, idType)
		if err == nil {
			return b.unique(ctx, out, idType)
		}
		// BrokerFailure: fall back to the default scheme, record the event.
		b.log.Warn("broker script failed, falling back to adjective_animal",
			zap.String("broker", b.name), zap.Error(err))
		if lerr := b.store.Append(ctx, b.name, crosswalk.LogRecord{
			Action: crosswalk.LogCreate, IDIn: idIn, IDType: idType,
			Details: "script_fallback: " + err.Error(),
		}); lerr != nil {
			b.log.Warn("crosswalk log append failed", zap.Error(lerr))
		}
		return b.dictionary(ctx, idIn, idType, adjectives, animals)
	default:
		return "", fmt.Errorf("broker %s: unknown scheme %q", b.name, b.opts.Scheme)
	}
}

// dictionary derives a word pair from a hash of idIn, then uniquifies.
func (b *Broker) dictionary(ctx context.Context, idIn string, idType crosswalk.IDType, first, second []string) (string, error) {
	sum := sha256.Sum256([]byte(idIn))
	i := binary.BigEndian.Uint32(sum[0:4]) % uint32(len(first))
	j := binary.BigEndian.Uint32(sum[4:8]) % uint32(len(second))
	base := first[i] + "_" + second[j]
	if b.opts.Prefix != "" {
		base = b.opts.Prefix + "_" + base
	}
	return b.unique(ctx, base, idType)
}

// unique appends a numeric suffix until the candidate is unused as an
// id_out within this broker.
func (b *Broker) unique(ctx context.Context, base string, idType crosswalk.IDType) (string, error) {
	candidate := base
	for n := 2; ; n++ {
		_, taken, err := b.store.Reverse(ctx, b.name, candidate, idType)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%d", base, n)
	}
}

func (b *Broker) prefix() string {
	if b.opts.Prefix != "" {
		return b.opts.Prefix
	}
	return strings.ToUpper(b.name)
}

// evalScript runs the gojq expression against the documented input shape
// under a wall-clock limit. The result must be a non-empty string of at
// most scriptMaxOutput characters.
func (b *Broker) evalScript(ctx context.Context, idIn string, idType crosswalk.IDType) (string, error) {
	count, err := b.store.MappingCount(ctx, b.name)
	if err != nil {
		return "", err
	}
	evalCtx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()
	input := map[string]any{
		"idIn":         idIn,
		"idType":       string(idType),
		"prefix":       b.prefix(),
		"brokerName":   b.name,
		"mappingCount": int(count),
	}
	iter := b.code.RunWithContext(evalCtx, input)
	v, ok := iter.Next()
	if !ok {
		return "", fmt.Errorf("script produced no output")
	}
	if err, isErr := v.(error); isErr {
		return "", err
	}
	s, isStr := v.(string)
	if !isStr {
		return "", fmt.Errorf("script returned %T, want string", v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("script returned an empty string")
	}
	if len(s) > scriptMaxOutput {
		return "", fmt.Errorf("script output exceeds %d characters", scriptMaxOutput)
	}
	return s, nil
}

// ShiftDays returns the patient's stable date shift, allocating one in
// [min, max] on first use. Disabled date shift with no stored value is 0.
func (b *Broker) ShiftDays(ctx context.Context, patientID string) (int, error) {
	if days, ok, err := b.store.DateShift(ctx, b.name, patientID); err != nil {
		return 0, err
	} else if ok {
		return days, nil
	}
	if !b.opts.DateShiftEnabled {
		return 0, nil
	}
	b.mu.Lock()
	span := b.opts.DateShiftMax - b.opts.DateShiftMin + 1
	days := b.opts.DateShiftMin + b.rng.Intn(span)
	b.mu.Unlock()
	stored, err := b.store.AllocateDateShift(ctx, b.name, patientID, days)
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// RecordUID persists an original→hashed UID pair when UID hashing is
// enabled for this broker.
func (b *Broker) RecordUID(ctx context.Context, tag dicom.Tag, original, hashed string) {
	if !b.opts.HashUIDs {
		return
	}
	if err := b.store.PutUID(ctx, b.name, original, hashed, UIDTypeForTag(tag)); err != nil {
		b.log.Error("uid map write failed",
			zap.String("broker", b.name), zap.Stringer("tag", tag), zap.Error(err))
	}
}

// UIDTypeForTag maps a UID tag to its crosswalk classification.
func UIDTypeForTag(tag dicom.Tag) crosswalk.IDType {
	switch tag {
	case dicom.TagStudyInstanceUID:
		return crosswalk.IDStudyUID
	case dicom.TagSeriesInstanceUID:
		return crosswalk.IDSeriesUID
	default:
		return crosswalk.IDSOPUID
	}
}
