// Package sink provides media sinks for headless playback.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/agleyzer/segplay/internal/playback"
	"github.com/agleyzer/segplay/internal/variant"
)

// ErrEmptyPayload is returned by Load for a payload with no bytes.
var ErrEmptyPayload = errors.New("empty segment payload")

// Default configuration values.
const (
	DefaultSpeed = 1.0
	DefaultTick  = 250 * time.Millisecond
)

// Config holds the virtual sink configuration.
type Config struct {
	// Speed multiplies the wall clock. 2 plays a 10s segment in 5s.
	Speed float64

	// Tick is how often progress is reported.
	Tick time.Duration

	// OutputDir, if set, receives a copy of every loaded payload.
	OutputDir string

	Logger *slog.Logger
}

// Virtual is a MediaSink that "plays" payloads against a clock without
// decoding them. Progress and end-of-segment events are emitted from the
// goroutine running Run.
type Virtual struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	handler  func(playback.SinkEvent)
	src      *playback.Source
	duration float64
	position float64
	playing  bool
	muted    bool
	queued   []playback.SinkEvent
}

// NewVirtual creates a virtual sink.
func NewVirtual(cfg Config) *Virtual {
	if cfg.Speed <= 0 {
		cfg.Speed = DefaultSpeed
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Virtual{cfg: cfg, logger: cfg.Logger}
}

// Attach registers the event handler.
func (v *Virtual) Attach(handler func(playback.SinkEvent)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handler = handler
}

// Load replaces the current payload. Playback starts paused at offset 0.
func (v *Virtual) Load(src playback.Source) error {
	if len(src.Payload) == 0 {
		return fmt.Errorf("load segment %d: %w", src.Segment.Index, ErrEmptyPayload)
	}

	if v.cfg.OutputDir != "" {
		if err := v.write(src); err != nil {
			return err
		}
	}

	duration := src.Segment.Duration
	if duration <= 0 {
		duration = variant.DefaultSegmentDuration
	}

	v.mu.Lock()
	v.src = &src
	v.duration = duration
	v.position = 0
	v.playing = false
	v.queued = append(v.queued, playback.SinkEvent{
		Kind:     playback.SinkLoaded,
		SourceID: src.ID,
		Buffered: duration,
	})
	v.mu.Unlock()

	v.logger.Debug("segment loaded",
		"index", src.Segment.Index,
		"quality", src.Quality,
		"size", humanize.Bytes(uint64(len(src.Payload))),
		"duration", duration,
	)
	return nil
}

func (v *Virtual) write(src playback.Source) error {
	if err := os.MkdirAll(v.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	name := src.Segment.Filename
	if name == "" {
		name = fmt.Sprintf("seg_%03d.mp4", src.Segment.Index)
	}
	path := filepath.Join(v.cfg.OutputDir, src.Quality+"_"+filepath.Base(name))
	if err := os.WriteFile(path, src.Payload, 0o644); err != nil {
		return fmt.Errorf("write segment: %w", err)
	}
	return nil
}

// Seek moves the position within the current payload, clamped to its
// duration.
func (v *Virtual) Seek(offset float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.src == nil {
		return errors.New("seek without a loaded segment")
	}
	v.position = min(max(offset, 0), v.duration)
	return nil
}

// Play resumes playback.
func (v *Virtual) Play() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.src == nil {
		return errors.New("play without a loaded segment")
	}
	v.playing = true
	return nil
}

// Pause stops the clock.
func (v *Virtual) Pause() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.playing = false
	return nil
}

// SetMuted records the mute toggle.
func (v *Virtual) SetMuted(muted bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.muted = muted
}

// Muted reports the mute toggle.
func (v *Virtual) Muted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.muted
}

// Position returns the position within the current payload in seconds.
func (v *Virtual) Position() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.position
}

// Run advances the clock every tick until ctx is cancelled.
func (v *Virtual) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.cfg.Tick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			v.advance(now.Sub(last))
			last = now
		}
	}
}

// advance moves the clock by elapsed and delivers pending events.
func (v *Virtual) advance(elapsed time.Duration) {
	v.mu.Lock()
	events := v.queued
	v.queued = nil

	if v.src != nil && v.playing {
		v.position += elapsed.Seconds() * v.cfg.Speed
		if v.position >= v.duration {
			v.position = v.duration
			v.playing = false
			events = append(events, playback.SinkEvent{
				Kind:     playback.SinkEnded,
				SourceID: v.src.ID,
				Position: v.position,
				Buffered: v.duration,
			})
		} else {
			events = append(events, playback.SinkEvent{
				Kind:     playback.SinkProgress,
				SourceID: v.src.ID,
				Position: v.position,
				Buffered: v.duration,
			})
		}
	}
	handler := v.handler
	v.mu.Unlock()

	if handler == nil {
		return
	}
	for _, ev := range events {
		handler(ev)
	}
}
