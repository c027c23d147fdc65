// Package scheduler fetches segment payloads with timeouts, retries and
// speculative prebuffering.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrMissing reports that a segment is unavailable for the requested quality,
// either permanently (404) or after exhausting all attempts.
var ErrMissing = errors.New("segment missing")

// Default configuration values.
const (
	DefaultAttempts          = 3
	DefaultTimeout           = 5 * time.Second
	DefaultBackoffBase       = 500 * time.Millisecond
	DefaultMinSampleDuration = 100 * time.Millisecond
)

// Recorder receives throughput samples in bits per second.
type Recorder interface {
	Record(bps float64) bool
}

// Config holds the scheduler configuration.
type Config struct {
	// BackoffBase is the delay before the first retry; it doubles per attempt.
	BackoffBase time.Duration

	// MinSampleDuration is the shortest fetch that still yields a throughput
	// sample. Faster fetches are cache hits and would inflate the estimate.
	MinSampleDuration time.Duration

	// OnSample is called after a sample was accepted by the recorder.
	OnSample func(bps float64)

	// Client is the HTTP client. Per-request timeouts come from Request.
	Client *http.Client

	// Now overrides the clock used to time fetches.
	Now func() time.Time

	Logger *slog.Logger
}

// Request describes one segment fetch.
type Request struct {
	Index   int
	Quality string
	URL     string

	// Attempts is the maximum number of tries, at least 1.
	Attempts int

	// Timeout bounds each attempt.
	Timeout time.Duration
}

func (r Request) key() string {
	return r.Quality + "/" + strconv.Itoa(r.Index)
}

// PrebufferResult is delivered when a prebuffer fetch settles.
type PrebufferResult struct {
	Index   int
	Quality string
	Err     error
}

// Scheduler fetches segment payloads. It is safe for concurrent use.
type Scheduler struct {
	cfg      Config
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	ready map[string][]byte
}

// New creates a scheduler that feeds throughput samples to recorder.
func New(cfg Config, recorder Recorder) *Scheduler {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.MinSampleDuration <= 0 {
		cfg.MinSampleDuration = DefaultMinSampleDuration
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		cfg:      cfg,
		recorder: recorder,
		logger:   cfg.Logger,
		now:      now,
		ready:    make(map[string][]byte),
	}
}

// Fetch downloads a segment payload. It returns ErrMissing when the segment
// is absent or every attempt failed, and the context error when ctx is
// cancelled by the caller.
func (s *Scheduler) Fetch(ctx context.Context, req Request) ([]byte, error) {
	attempts := req.Attempts
	if attempts < 1 {
		attempts = 1
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		payload, err := s.fetchOnce(ctx, req, timeout)
		if err == nil {
			return payload, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrMissing) {
			s.logger.Warn("segment not found",
				"index", req.Index,
				"quality", req.Quality,
				"url", req.URL,
			)
			return nil, err
		}

		lastErr = err
		s.logger.Warn("segment fetch failed",
			"index", req.Index,
			"quality", req.Quality,
			"attempt", attempt+1,
			"attempts", attempts,
			"error", err,
		)

		if attempt < attempts-1 {
			if err := s.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("%w: %d attempts for segment %d in %s: %v",
		ErrMissing, attempts, req.Index, req.Quality, lastErr)
}

// fetchOnce performs a single time-bounded attempt.
func (s *Scheduler) fetchOnce(ctx context.Context, req Request, timeout time.Duration) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		// A malformed locator will not heal on retry.
		return nil, fmt.Errorf("%w: %v", ErrMissing, err)
	}

	start := s.now()
	resp, err := s.cfg.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request segment: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: HTTP %d", ErrMissing, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("request segment: HTTP %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("read segment: %w", err)
	}

	s.sample(buf.Len(), s.now().Sub(start))
	return buf.Bytes(), nil
}

// sample records the implied throughput of a completed fetch.
func (s *Scheduler) sample(size int, elapsed time.Duration) {
	if s.recorder == nil || elapsed < s.cfg.MinSampleDuration {
		return
	}

	bps := float64(size) * 8 / elapsed.Seconds()
	if !s.recorder.Record(bps) {
		s.logger.Debug("throughput sample rejected", "bps", bps, "bytes", size, "elapsed", elapsed)
		return
	}
	if s.cfg.OnSample != nil {
		s.cfg.OnSample(bps)
	}
}

// backoff waits BackoffBase * 2^attempt or until ctx is done.
func (s *Scheduler) backoff(ctx context.Context, attempt int) error {
	delay := s.cfg.BackoffBase << attempt

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Prebuffer fetches a segment in the background and keeps the payload for
// a later Take. Concurrent prebuffers of the same (quality, index) share a
// single fetch. done, if non-nil, is called from another goroutine once the
// fetch settles.
func (s *Scheduler) Prebuffer(ctx context.Context, req Request, done func(PrebufferResult)) {
	key := req.key()

	s.mu.Lock()
	_, have := s.ready[key]
	s.mu.Unlock()
	if have {
		if done != nil {
			go done(PrebufferResult{Index: req.Index, Quality: req.Quality})
		}
		return
	}

	ch := s.group.DoChan(key, func() (any, error) {
		payload, err := s.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.ready[key] = payload
		s.mu.Unlock()
		return nil, nil
	})

	go func() {
		res := <-ch
		if res.Err != nil {
			s.logger.Debug("prebuffer failed", "index", req.Index, "quality", req.Quality, "error", res.Err)
		}
		if done != nil {
			done(PrebufferResult{Index: req.Index, Quality: req.Quality, Err: res.Err})
		}
	}()
}

// Take removes and returns a prebuffered payload.
func (s *Scheduler) Take(index int, quality string) ([]byte, bool) {
	key := Request{Index: index, Quality: quality}.key()

	s.mu.Lock()
	defer s.mu.Unlock()

	payload, ok := s.ready[key]
	if ok {
		delete(s.ready, key)
	}
	return payload, ok
}

// Discard drops every prebuffered payload not in quality.
func (s *Scheduler) Discard(keepQuality string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := keepQuality + "/"
	for key := range s.ready {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			delete(s.ready, key)
		}
	}
}
