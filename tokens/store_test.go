package tokens

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fs, err := NewFileStore(filepath.Join(dir, "tokens.txt"), filepath.Join(dir, "unavailable_tokens.txt"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ss, err := NewSQLiteStore(filepath.Join(dir, "tokens.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { ss.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
		"sqlite": ss,
	}
}

func mustList(t *testing.T, fn func(context.Context) ([]string, error)) []string {
	t.Helper()
	got, err := fn(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got == nil {
		got = []string{}
	}
	return got
}

// --- Unit Tests ---

func TestStore_AppendAndList(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, tok := range []string{"111:a", " 222:b ", "111:a"} {
				if err := s.Append(ctx, tok); err != nil {
					t.Fatalf("Append(%q): %v", tok, err)
				}
			}
			got := mustList(t, s.ListAvailable)
			want := []string{"111:a", "222:b"}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("available = %v, want %v", got, want)
			}
		})
	}
}

func TestStore_AppendEmpty(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Append(context.Background(), "   "); !errors.Is(err, ErrEmptyToken) {
				t.Errorf("Append blank = %v, want ErrEmptyToken", err)
			}
		})
	}
}

func TestStore_MarkUnavailable(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			s.Append(ctx, "A")
			s.Append(ctx, "B")

			if err := s.MarkUnavailable(ctx, "A"); err != nil {
				t.Fatalf("MarkUnavailable: %v", err)
			}
			if err := s.MarkUnavailable(ctx, "A"); err != nil {
				t.Fatalf("MarkUnavailable twice: %v", err)
			}

			if got := mustList(t, s.ListAvailable); !reflect.DeepEqual(got, []string{"B"}) {
				t.Errorf("available = %v, want [B]", got)
			}
			if got := mustList(t, s.ListUnavailable); !reflect.DeepEqual(got, []string{"A"}) {
				t.Errorf("unavailable = %v, want [A]", got)
			}
		})
	}
}

func TestStore_RetiredCannotReturn(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			s.Append(ctx, "A")
			s.MarkUnavailable(ctx, "A")

			if err := s.Append(ctx, "A"); !errors.Is(err, ErrRetired) {
				t.Errorf("Append retired = %v, want ErrRetired", err)
			}
			if got := mustList(t, s.ListAvailable); len(got) != 0 {
				t.Errorf("available = %v, want empty", got)
			}
		})
	}
}

func TestStore_MarkUnknownRecordsAudit(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.MarkUnavailable(ctx, "ghost"); err != nil {
				t.Fatalf("MarkUnavailable: %v", err)
			}
			if got := mustList(t, s.ListUnavailable); !reflect.DeepEqual(got, []string{"ghost"}) {
				t.Errorf("unavailable = %v, want [ghost]", got)
			}
		})
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore("A")
	s.Close()
	if _, err := s.ListAvailable(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("ListAvailable after close = %v, want ErrClosed", err)
	}
}

func TestFilterRetired(t *testing.T) {
	got := filterRetired([]string{"A", "B", "A", "C"}, []string{"B"})
	if !reflect.DeepEqual(got, []string{"A", "C"}) {
		t.Errorf("filterRetired = %v", got)
	}
}

func TestFileStore_SkipsBlankLinesAndRetired(t *testing.T) {
	dir := t.TempDir()
	avail := filepath.Join(dir, "tokens.txt")
	unavail := filepath.Join(dir, "unavailable_tokens.txt")
	os.WriteFile(avail, []byte("A\n\n  \nB\nC\n"), 0600)
	os.WriteFile(unavail, []byte("C\n"), 0600)

	s, err := NewFileStore(avail, unavail)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	got := mustList(t, s.ListAvailable)
	if !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("available = %v, want [A B]", got)
	}
}

func TestFileStore_WritesNewlineDelimited(t *testing.T) {
	dir := t.TempDir()
	avail := filepath.Join(dir, "tokens.txt")
	unavail := filepath.Join(dir, "unavailable_tokens.txt")
	s, _ := NewFileStore(avail, unavail)
	ctx := context.Background()

	s.Append(ctx, "A")
	s.Append(ctx, "B")
	s.MarkUnavailable(ctx, "A")

	data, _ := os.ReadFile(avail)
	if string(data) != "B\n" {
		t.Errorf("tokens.txt = %q, want %q", data, "B\n")
	}
	data, _ = os.ReadFile(unavail)
	if string(data) != "A\n" {
		t.Errorf("unavailable_tokens.txt = %q, want %q", data, "A\n")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestFileStore_SharedAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	avail := filepath.Join(dir, "tokens.txt")
	unavail := filepath.Join(dir, "unavailable_tokens.txt")
	a, _ := NewFileStore(avail, unavail)
	b, _ := NewFileStore(avail, unavail)
	ctx := context.Background()

	a.Append(ctx, "A")
	if err := b.MarkUnavailable(ctx, "A"); err != nil {
		t.Fatalf("MarkUnavailable: %v", err)
	}
	if err := a.Append(ctx, "A"); !errors.Is(err, ErrRetired) {
		t.Errorf("Append after other instance retired = %v, want ErrRetired", err)
	}
}

func TestFileStore_WatchExternalEdit(t *testing.T) {
	dir := t.TempDir()
	avail := filepath.Join(dir, "tokens.txt")
	s, _ := NewFileStore(avail, filepath.Join(dir, "unavailable_tokens.txt"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(avail, []byte("X\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification for external edit")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// A trailing notification may already be buffered.
			<-ch
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestFileStore_WatchIgnoresOwnWrites(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileStore(filepath.Join(dir, "tokens.txt"), filepath.Join(dir, "unavailable_tokens.txt"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	s.Append(context.Background(), "A")

	select {
	case <-ch:
		t.Error("notified for the store's own write")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSQLiteStore_RetiredAt(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, ok, _ := s.RetiredAt(ctx, "A"); ok {
		t.Error("RetiredAt reported unretired token")
	}
	before := time.Now().Add(-time.Second)
	s.Append(ctx, "A")
	s.MarkUnavailable(ctx, "A")

	at, ok, err := s.RetiredAt(ctx, "A")
	if err != nil || !ok {
		t.Fatalf("RetiredAt = %v, %v, %v", at, ok, err)
	}
	if at.Before(before) {
		t.Errorf("retired_at %v before %v", at, before)
	}
}

func TestSQLiteStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")
	ctx := context.Background()

	s, _ := NewSQLiteStore(path)
	s.Append(ctx, "A")
	s.Append(ctx, "B")
	s.MarkUnavailable(ctx, "B")
	s.Close()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if got := mustList(t, s.ListAvailable); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("available after reopen = %v", got)
	}
}
