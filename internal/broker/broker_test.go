package broker

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/crosswalk"
	"github.com/radgate/radgate/internal/dicom"
)

func mustKeyword(t *testing.T, keyword string) dicom.Tag {
	t.Helper()
	tag, ok := dicom.KeywordTag(keyword)
	if !ok {
		t.Fatalf("unknown keyword %s", keyword)
	}
	return tag
}

func testStore(t *testing.T) *crosswalk.Store {
	t.Helper()
	s, err := crosswalk.Open(filepath.Join(t.TempDir(), "crosswalk.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestBroker(t *testing.T, store *crosswalk.Store, opts Options) *Broker {
	t.Helper()
	b, err := New("study1", opts, store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func contains(words []string, w string) bool {
	for _, c := range words {
		if c == w {
			return true
		}
	}
	return false
}

func TestPseudonym_StableAcrossCalls(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	b := newTestBroker(t, store, Options{Scheme: SchemeAdjectiveAnimal})

	first, err := b.Pseudonym(ctx, "P12345", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Pseudonym(ctx, "P12345", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("pseudonym not stable: %q then %q", first, second)
	}
}

func TestPseudonym_SurvivesBrokerRestart(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	first, err := newTestBroker(t, store, Options{Scheme: SchemeAdjectiveAnimal}).
		Pseudonym(ctx, "P12345", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	// New broker instance, same store: the cache is cold but the crosswalk
	// must return the identical mapping.
	second, err := newTestBroker(t, store, Options{Scheme: SchemeAdjectiveAnimal}).
		Pseudonym(ctx, "P12345", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("pseudonym changed across restart: %q then %q", first, second)
	}
}

func TestPseudonym_EmptyIdentifier(t *testing.T) {
	b := newTestBroker(t, testStore(t), Options{Scheme: SchemeAdjectiveAnimal})
	if _, err := b.Pseudonym(context.Background(), "", crosswalk.IDPatientID); err == nil {
		t.Fatal("expected error for empty identifier")
	}
}

func TestPseudonym_AdjectiveAnimalShape(t *testing.T) {
	b := newTestBroker(t, testStore(t), Options{Scheme: SchemeAdjectiveAnimal})
	out, err := b.Pseudonym(context.Background(), "P1", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(out, "_")
	if len(parts) != 2 {
		t.Fatalf("expected adjective_animal pair, got %q", out)
	}
	if !contains(adjectives, parts[0]) {
		t.Errorf("%q is not a known adjective", parts[0])
	}
	if !contains(animals, parts[1]) {
		t.Errorf("%q is not a known animal", parts[1])
	}
}

func TestPseudonym_ColorAnimalShape(t *testing.T) {
	b := newTestBroker(t, testStore(t), Options{Scheme: SchemeColorAnimal})
	out, err := b.Pseudonym(context.Background(), "P1", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(out, "_")
	if len(parts) != 2 || !contains(colors, parts[0]) || !contains(animals, parts[1]) {
		t.Fatalf("expected color_animal pair, got %q", out)
	}
}

func TestPseudonym_NATOPhoneticShape(t *testing.T) {
	b := newTestBroker(t, testStore(t), Options{Scheme: SchemeNATOPhonetic})
	out, err := b.Pseudonym(context.Background(), "P1", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(out, "_")
	if len(parts) != 2 || !contains(natoWords, parts[0]) || !contains(natoWords, parts[1]) {
		t.Fatalf("expected nato word pair, got %q", out)
	}
}

func TestPseudonym_SequentialNumbering(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, testStore(t), Options{Scheme: SchemeSequential, Prefix: "STUDY"})

	first, err := b.Pseudonym(ctx, "P1", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	if first != "STUDY-00001" {
		t.Fatalf("expected STUDY-00001, got %q", first)
	}
	second, err := b.Pseudonym(ctx, "P2", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	if second != "STUDY-00002" {
		t.Fatalf("expected STUDY-00002, got %q", second)
	}
}

func TestPseudonym_SequentialDefaultPrefix(t *testing.T) {
	// No explicit prefix: the upper-cased broker name is used.
	b := newTestBroker(t, testStore(t), Options{Scheme: SchemeSequential})
	out, err := b.Pseudonym(context.Background(), "P1", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	if out != "STUDY1-00001" {
		t.Fatalf("expected STUDY1-00001, got %q", out)
	}
}

func TestPseudonym_HashShape(t *testing.T) {
	b := newTestBroker(t, testStore(t), Options{Scheme: SchemeHash, Prefix: "SUBJ"})
	out, err := b.Pseudonym(context.Background(), "P1", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	if !regexp.MustCompile(`^SUBJ-[0-9A-F]{6}$`).MatchString(out) {
		t.Fatalf("expected SUBJ-XXXXXX hex shape, got %q", out)
	}
}

func TestPseudonym_HashDeterministic(t *testing.T) {
	a := newTestBroker(t, testStore(t), Options{Scheme: SchemeHash, Prefix: "SUBJ"})
	b := newTestBroker(t, testStore(t), Options{Scheme: SchemeHash, Prefix: "SUBJ"})
	outA, err := a.Pseudonym(context.Background(), "P1", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	outB, err := b.Pseudonym(context.Background(), "P1", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	if outA != outB {
		t.Fatalf("hash scheme not content-derived: %q vs %q", outA, outB)
	}
}

func TestPseudonym_ScriptScheme(t *testing.T) {
	b := newTestBroker(t, testStore(t), Options{
		Scheme: SchemeScript,
		Script: `"\(.prefix)-\(.mappingCount + 1)"`,
		Prefix: "RX",
	})
	out, err := b.Pseudonym(context.Background(), "P1", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	if out != "RX-1" {
		t.Fatalf("expected RX-1, got %q", out)
	}
}

func TestPseudonym_ScriptFallback(t *testing.T) {
	// A script that returns a non-string value falls back to
	// adjective_animal rather than failing the transfer.
	b := newTestBroker(t, testStore(t), Options{
		Scheme: SchemeScript,
		Script: `42`,
	})
	out, err := b.Pseudonym(context.Background(), "P1", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(out, "_")
	if len(parts) != 2 || !contains(adjectives, parts[0]) || !contains(animals, parts[1]) {
		t.Fatalf("expected adjective_animal fallback, got %q", out)
	}
}

func TestNew_BadScriptFailsAtStartup(t *testing.T) {
	_, err := New("s", Options{Scheme: SchemeScript, Script: ".foo |"}, testStore(t), zap.NewNop())
	if err == nil {
		t.Fatal("expected parse error for broken expression")
	}
}

func TestShiftDays_AllocatedOnce(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	b := newTestBroker(t, store, Options{
		Scheme:           SchemeHash,
		DateShiftEnabled: true,
		DateShiftMin:     -365,
		DateShiftMax:     -30,
	})

	first, err := b.ShiftDays(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if first < -365 || first > -30 {
		t.Fatalf("shift %d outside configured range", first)
	}
	second, err := b.ShiftDays(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("shift not stable: %d then %d", first, second)
	}

	// A fresh broker on the same store sees the stored value.
	third, err := newTestBroker(t, store, Options{Scheme: SchemeHash, DateShiftEnabled: true, DateShiftMin: -365, DateShiftMax: -30}).
		ShiftDays(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if third != first {
		t.Fatalf("shift changed across restart: %d then %d", first, third)
	}
}

func TestShiftDays_DisabledIsZero(t *testing.T) {
	b := newTestBroker(t, testStore(t), Options{Scheme: SchemeHash})
	days, err := b.ShiftDays(context.Background(), "P1")
	if err != nil {
		t.Fatal(err)
	}
	if days != 0 {
		t.Fatalf("expected 0 shift when disabled, got %d", days)
	}
}

func TestRecordUID_LookupRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	b := newTestBroker(t, store, Options{Scheme: SchemeHash, HashUIDs: true})

	hashed := b.Hasher().Hash("1.2.840.113619.2.1.1")
	b.RecordUID(ctx, mustKeyword(t, "StudyInstanceUID"), "1.2.840.113619.2.1.1", hashed)

	got, ok, err := store.LookupUID(ctx, "study1", "1.2.840.113619.2.1.1", crosswalk.IDStudyUID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != hashed {
		t.Fatalf("uid map lookup: ok=%v got=%q want=%q", ok, got, hashed)
	}
}

func TestRecordUID_NoopWhenDisabled(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	b := newTestBroker(t, store, Options{Scheme: SchemeHash})

	b.RecordUID(ctx, mustKeyword(t, "SOPInstanceUID"), "1.2.3", "2.25.99")
	if _, ok, _ := store.LookupUID(ctx, "study1", "1.2.3", crosswalk.IDSOPUID); ok {
		t.Fatal("uid recorded despite hash_uids disabled")
	}
}

func TestPseudonym_CacheExpiryStillStable(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	b := newTestBroker(t, store, Options{Scheme: SchemeAdjectiveAnimal, CacheTTL: time.Millisecond, CacheSize: 4})

	first, err := b.Pseudonym(ctx, "P1", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := b.Pseudonym(ctx, "P1", crosswalk.IDPatientID)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("pseudonym changed after cache expiry: %q then %q", first, second)
	}
}
