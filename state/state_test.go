package state

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"oidcclient/oidcerr"
)

// fakeStore lists ghost keys that Get reports as absent.
type fakeStore struct {
	mu     sync.Mutex
	items  map[string]string
	ghosts []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: make(map[string]string)}
}

func (f *fakeStore) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[key] = value
	return nil
}

func (f *fakeStore) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[key]
	return v, ok, nil
}

func (f *fakeStore) Remove(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[key]
	delete(f.items, key)
	for i, g := range f.ghosts {
		if g == key {
			f.ghosts = append(f.ghosts[:i], f.ghosts[i+1:]...)
			break
		}
	}
	return v, ok, nil
}

func (f *fakeStore) GetAllKeys(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.items)+len(f.ghosts))
	for k := range f.items {
		keys = append(keys, k)
	}
	keys = append(keys, f.ghosts...)
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[key]
	return ok
}

func mustStore(t *testing.T, store Store, s *State) {
	t.Helper()
	v, err := s.ToStorageString()
	if err != nil {
		t.Fatalf("ToStorageString: %v", err)
	}
	if err := store.Set(context.Background(), s.ID, v); err != nil {
		t.Fatalf("Set: %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	before := time.Now().Unix()
	s := New(Args{})
	if s.ID == "" {
		t.Fatalf("expected generated id")
	}
	if s.Created < before {
		t.Fatalf("created %d earlier than %d", s.Created, before)
	}

	other := New(Args{})
	if other.ID == s.ID {
		t.Fatalf("expected unique ids")
	}

	fixed := New(Args{ID: "5", Created: 1000, RequestType: "si:r"})
	if fixed.ID != "5" || fixed.Created != 1000 || fixed.RequestType != "si:r" {
		t.Fatalf("unexpected state: %+v", fixed)
	}
}

func TestStorageStringRoundTrip(t *testing.T) {
	s := New(Args{
		ID:          "5",
		Data:        json.RawMessage(`{"foo":"bar","n":[1,2]}`),
		Created:     1000,
		RequestType: "type",
	})

	v, err := s.ToStorageString()
	if err != nil {
		t.Fatalf("ToStorageString: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(v), &fields); err != nil {
		t.Fatalf("storage string is not JSON: %v", err)
	}
	if len(fields) != 4 {
		t.Fatalf("expected exactly four fields, got %v", fields)
	}

	got, err := FromStorageString(v)
	if err != nil {
		t.Fatalf("FromStorageString: %v", err)
	}
	if got.ID != s.ID || got.Created != s.Created || got.RequestType != s.RequestType {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, s)
	}
	if string(got.Data) != string(s.Data) {
		t.Fatalf("data mismatch: %s vs %s", got.Data, s.Data)
	}
}

func TestFromStorageStringInvalid(t *testing.T) {
	for _, value := range []string{"not json", "null", " null ", "42", `"text"`, "[]"} {
		if _, err := FromStorageString(value); !errors.Is(err, oidcerr.ErrParse) {
			t.Fatalf("FromStorageString(%q): expected parse error, got %v", value, err)
		}
	}
}

func TestClearStaleState(t *testing.T) {
	store := newFakeStore()
	now := time.Now().Unix()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	old := New(Args{ID: "old", Created: now - 200})
	edge := New(Args{ID: "edge", Created: now - 100})
	fresh := New(Args{ID: "fresh", Created: now - 10})
	mustStore(t, store, old)
	mustStore(t, store, edge)
	mustStore(t, store, fresh)
	store.Set(context.Background(), "corrupt", "{not json")
	store.Set(context.Background(), "null", "null")
	store.ghosts = []string{"ghost"}

	done, err := ClearStaleState(context.Background(), store, 100*time.Second, logger)
	if err != nil {
		t.Fatalf("ClearStaleState: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweep did not complete")
	}

	for _, key := range []string{"old", "edge", "corrupt", "null"} {
		if store.has(key) {
			t.Fatalf("expected %q to be removed", key)
		}
	}
	if !store.has("fresh") {
		t.Fatalf("expected fresh entry to be retained")
	}
	keys, _ := store.GetAllKeys(context.Background())
	if len(keys) != 1 {
		t.Fatalf("expected only fresh key to remain, got %v", keys)
	}
}

func TestClearStaleStateEmpty(t *testing.T) {
	done, err := ClearStaleState(context.Background(), newFakeStore(), time.Minute, nil)
	if err != nil {
		t.Fatalf("ClearStaleState: %v", err)
	}
	<-done
}
