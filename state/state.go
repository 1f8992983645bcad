// Package state implements the anti-forgery correlation entity that is
// round-tripped through the provider, together with its storage contract
// and the stale-entry sweep.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"oidcclient/metrics"
	"oidcclient/oidcerr"
)

// Store is the key-value medium states are persisted in. Keys are opaque
// strings, values are serialized states.
type Store interface {
	Set(ctx context.Context, key, value string) error
	// Get returns ok=false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Remove returns the previous value, if any.
	Remove(ctx context.Context, key string) (value string, ok bool, err error)
	GetAllKeys(ctx context.Context) ([]string, error)
}

// State binds a provider response to the request that originated it.
type State struct {
	ID          string          `json:"id"`
	Data        json.RawMessage `json:"data,omitempty"`
	Created     int64           `json:"created"`
	RequestType string          `json:"request_type,omitempty"`
}

// Args are the optional construction inputs of a State.
type Args struct {
	ID          string
	Data        json.RawMessage
	Created     int64
	RequestType string
}

// New builds a State, filling in a random id and the current epoch
// seconds when they are not supplied.
func New(args Args) *State {
	s := &State{
		ID:          args.ID,
		Data:        args.Data,
		Created:     args.Created,
		RequestType: args.RequestType,
	}
	if s.ID == "" {
		s.ID = NewID()
	}
	if s.Created <= 0 {
		s.Created = time.Now().Unix()
	}
	return s
}

// NewID generates an unguessable identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ToStorageString serializes the state as {id, data, created, request_type}.
func (s *State) ToStorageString() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	return string(b), nil
}

// FromStorageString is the inverse of ToStorageString.
func FromStorageString(value string) (*State, error) {
	var s State
	if err := Decode(value, &s); err != nil {
		return nil, oidcerr.Parse("invalid state storage string", err)
	}
	return New(Args(s)), nil
}

// Decode unmarshals a storage string into v. The value must be a JSON
// object; null and other literals are rejected.
func Decode(value string, v any) error {
	trimmed := strings.TrimLeft(value, " \t\r\n")
	if !strings.HasPrefix(trimmed, "{") {
		return fmt.Errorf("storage string is not a JSON object")
	}
	return json.Unmarshal([]byte(trimmed), v)
}

// ClearStaleState removes every stored entry created at or before
// now-age, along with entries that are missing or cannot be parsed.
//
// Removals run in the background. The returned channel is closed once they
// have all finished; callers are free to ignore it.
func ClearStaleState(ctx context.Context, store Store, age time.Duration, logger *slog.Logger) (<-chan struct{}, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cutoff := time.Now().Unix() - int64(age/time.Second)

	keys, err := store.GetAllKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list state keys: %w", err)
	}
	logger.Debug("state sweep", "keys", len(keys), "cutoff", cutoff)

	removeCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, key := range keys {
		item, ok, err := store.Get(ctx, key)
		if err != nil {
			logger.Error("state sweep: load item", "key", key, "error", err)
			continue
		}

		reason := ""
		switch {
		case !ok:
			reason = "missing"
		default:
			st, err := FromStorageString(item)
			if err != nil {
				logger.Error("state sweep: parse item", "key", key, "error", err)
				reason = "corrupt"
			} else if st.Created <= cutoff {
				reason = "stale"
			}
		}
		if reason == "" {
			continue
		}

		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := store.Remove(removeCtx, key); err != nil {
				logger.Warn("state sweep: remove item", "key", key, "error", err)
				return
			}
			metrics.RecordSwept(reason)
			logger.Debug("state sweep: removed item", "key", key, "reason", reason)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done, nil
}
