// Package twin keeps local configuration in step with the device twin:
// desired properties are read once at startup and then followed through
// deltas, and reported properties are only sent when they change.
package twin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sweeney/thermo-controller/internal/conn"
	"github.com/sweeney/thermo-controller/internal/hub"
	"github.com/sweeney/thermo-controller/internal/retry"
)

// ErrNoSnapshot is returned when the desired properties could not be fetched.
var ErrNoSnapshot = errors.New("twin: desired properties unavailable")

// Remote is the connection the synchronizer works through.
// *conn.Manager satisfies it.
type Remote interface {
	Execute(ctx context.Context, name string, op conn.Op, shouldRun func() bool, classify retry.Classifier) (retry.Result, error)
	IsConnected() bool
	SetDeltaHandler(h hub.DeltaHandler)
}

// Synchronizer reads desired and writes reported properties.
type Synchronizer struct {
	remote Remote
	log    zerolog.Logger

	mu       sync.Mutex
	snapshot *hub.Configuration
	reported map[string]string
}

// New creates a Synchronizer.
func New(remote Remote, log zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		remote:   remote,
		log:      log,
		reported: make(map[string]string),
	}
}

// configuration returns the cached desired snapshot, fetching it on first use.
// A failed fetch is not cached.
func (s *Synchronizer) configuration(ctx context.Context) (hub.Configuration, error) {
	s.mu.Lock()
	if s.snapshot != nil {
		cfg := *s.snapshot
		s.mu.Unlock()
		return cfg, nil
	}
	s.mu.Unlock()

	var cfg hub.Configuration
	res, err := s.remote.Execute(ctx, "get configuration", func(ctx context.Context, c hub.Client) error {
		var err error
		cfg, err = c.GetConfiguration(ctx)
		return err
	}, retry.Always, hub.Classify)
	if err != nil {
		return hub.Configuration{}, err
	}
	if res != retry.Done {
		return hub.Configuration{}, fmt.Errorf("%w: fetch %s", ErrNoSnapshot, res)
	}

	s.mu.Lock()
	s.snapshot = &cfg
	s.mu.Unlock()
	return cfg, nil
}

// ReadInitial returns the desired value of name decoded as T, or def when the
// snapshot is unavailable, name is absent or the value does not decode.
// Failures are logged, never returned.
func ReadInitial[T any](ctx context.Context, s *Synchronizer, name string, def T) T {
	log := s.log.With().Str("property", name).Logger()

	cfg, err := s.configuration(ctx)
	if err != nil {
		log.Warn().Err(err).Interface("default", def).Msg("desired properties unavailable, using default")
		return def
	}
	raw, ok := cfg.Lookup(name)
	if !ok {
		log.Info().Interface("default", def).Msg("desired property not set, using default")
		return def
	}
	v, err := Decode[T](raw)
	if err != nil {
		log.Warn().Err(err).Str("raw", string(raw)).Interface("default", def).Msg("desired property invalid, using default")
		return def
	}
	log.Info().Interface("value", v).Msg("desired property loaded")
	return v
}

// Decode parses a desired value as T. A JSON string whose contents decode
// as T is accepted too, so "19" reads as the integer 19.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return v, fmt.Errorf("decode %s as %T: %w", raw, v, err)
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return v, fmt.Errorf("decode %q as %T: %w", s, v, err)
	}
	return v, nil
}

// Subscribe installs handler for desired-property deltas. Whatever subset
// handler returns is echoed back as reported properties while connected.
// ctx bounds the echo calls.
func (s *Synchronizer) Subscribe(ctx context.Context, handler func(props []hub.Property) []hub.Property) {
	s.remote.SetDeltaHandler(func(props []hub.Property) {
		echo := handler(props)
		if len(echo) == 0 {
			return
		}

		patch := make(hub.Properties, len(echo))
		for _, p := range echo {
			patch[p.Key] = p.Value
		}
		res, err := s.remote.Execute(ctx, "echo desired properties", func(ctx context.Context, c hub.Client) error {
			return c.UpdateReported(ctx, patch)
		}, s.remote.IsConnected, hub.Classify)
		if err != nil {
			s.log.Warn().Err(err).Msg("echoing desired properties failed")
			return
		}
		if res == retry.Done {
			s.mu.Lock()
			for _, p := range echo {
				s.reported[p.Key] = string(p.Value)
			}
			s.mu.Unlock()
		}
	})
}

// ReportDiff reports value under key unless it equals the last value
// successfully reported for key, in which case it returns Skipped without a
// remote call. Only a Done result updates the cache, so a skipped or
// ignored report is attempted again on the next call.
func (s *Synchronizer) ReportDiff(ctx context.Context, key string, value any) (retry.Result, error) {
	enc, err := json.Marshal(value)
	if err != nil {
		return retry.Failed, fmt.Errorf("encode %s: %w", key, err)
	}

	s.mu.Lock()
	last, ok := s.reported[key]
	s.mu.Unlock()
	if ok && last == string(enc) {
		s.log.Debug().Str("property", key).Msg("reported property unchanged")
		return retry.Skipped, nil
	}

	res, err := s.remote.Execute(ctx, "report "+key, func(ctx context.Context, c hub.Client) error {
		return c.UpdateReported(ctx, hub.Properties{key: value})
	}, s.remote.IsConnected, hub.Classify)
	if res == retry.Done {
		s.mu.Lock()
		s.reported[key] = string(enc)
		s.mu.Unlock()
		s.log.Debug().Str("property", key).RawJSON("value", enc).Msg("reported property updated")
	}
	return res, err
}
