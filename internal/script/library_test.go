package script

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	l, err := NewLibrary(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	return l
}

func TestLibrary_BuiltinsPresent(t *testing.T) {
	l := newTestLibrary(t)
	for _, name := range []string{"builtin-basic", "builtin-research", "builtin-dates"} {
		e, ok := l.Get(name)
		if !ok {
			t.Errorf("missing builtin %s", name)
			continue
		}
		if !e.Builtin || e.Category != CategoryBuiltin {
			t.Errorf("%s: expected builtin category, got %q builtin=%v", name, e.Category, e.Builtin)
		}
		if e.Content == "" {
			t.Errorf("%s: empty content", name)
		}
	}
}

func TestLibrary_AddGetDelete(t *testing.T) {
	l := newTestLibrary(t)
	added, err := l.Add(Entry{
		Name:        "site-profile",
		DisplayName: "Site profile",
		Category:    CategoryUser,
		Content:     `(0010,0010) := "ANON"`,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added.Path == "" || added.Created.IsZero() {
		t.Errorf("add must fill path and timestamps: %+v", added)
	}
	got, ok := l.Get("site-profile")
	if !ok || got.Content != `(0010,0010) := "ANON"` {
		t.Fatalf("get after add: ok=%v content=%q", ok, got.Content)
	}

	if _, err := l.Add(Entry{Name: "site-profile", Category: CategoryUser, Content: `(0010,0010) := "X"`}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate add: expected ErrExists, got %v", err)
	}

	if err := l.Delete("site-profile"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := l.Get("site-profile"); ok {
		t.Error("script still present after delete")
	}
}

func TestLibrary_RejectsInvalidContent(t *testing.T) {
	l := newTestLibrary(t)
	_, err := l.Add(Entry{Name: "bad", Category: CategoryUser, Content: "not a script"})
	var serr *SyntaxError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *SyntaxError, got %v", err)
	}
}

func TestLibrary_BuiltinImmutable(t *testing.T) {
	l := newTestLibrary(t)
	if _, err := l.Update("builtin-basic", `(0010,0010) := "X"`); !errors.Is(err, ErrBuiltinImmutable) {
		t.Errorf("update builtin: expected ErrBuiltinImmutable, got %v", err)
	}
	if err := l.Delete("builtin-basic"); !errors.Is(err, ErrBuiltinImmutable) {
		t.Errorf("delete builtin: expected ErrBuiltinImmutable, got %v", err)
	}
}

func TestLibrary_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLibrary(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	if _, err := l.Add(Entry{Name: "keeper", Category: CategoryUser, Content: `(0010,0020) := "K"`}); err != nil {
		t.Fatalf("add: %v", err)
	}

	reopened, err := NewLibrary(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	e, ok := reopened.Get("keeper")
	if !ok {
		t.Fatal("script lost across reopen")
	}
	if e.Content != `(0010,0020) := "K"` {
		t.Errorf("content lost: %q", e.Content)
	}
}

func TestLibrary_Update(t *testing.T) {
	l := newTestLibrary(t)
	if _, err := l.Add(Entry{Name: "mut", Category: CategoryUser, Content: `(0010,0010) := "A"`}); err != nil {
		t.Fatalf("add: %v", err)
	}
	updated, err := l.Update("mut", `(0010,0010) := "B"`)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Content != `(0010,0010) := "B"` {
		t.Errorf("update content: %q", updated.Content)
	}
	if !updated.Modified.After(updated.Created) && updated.Modified.Equal(updated.Created) {
		t.Log("modified == created is acceptable at clock resolution")
	}
	if _, err := l.Update("absent", `(0010,0010) := "B"`); !errors.Is(err, ErrNotFound) {
		t.Errorf("update absent: expected ErrNotFound, got %v", err)
	}
}

func TestLibrary_ImportChannel(t *testing.T) {
	l := newTestLibrary(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	reply := make(chan error, 1)
	l.Imports() <- ImportRequest{
		Name:      "fetched",
		SourceURL: "https://example.org/profiles/fetched.script",
		Content:   `(0010,0010) := "IMPORTED"`,
		Reply:     reply,
	}
	select {
	case err := <-reply:
		if err != nil {
			t.Fatalf("import failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("import not processed")
	}
	e, ok := l.Get("fetched")
	if !ok || e.Category != CategoryImported {
		t.Errorf("imported script: ok=%v category=%q", ok, e.Category)
	}

	// Invalid content is rejected through the same path.
	l.Imports() <- ImportRequest{Name: "broken", Content: "garbage", Reply: reply}
	select {
	case err := <-reply:
		if err == nil {
			t.Fatal("expected import rejection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("import not processed")
	}
}
