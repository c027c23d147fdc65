package abr

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Mode is the ABR mode of a playback session.
type Mode int

const (
	// Auto lets the selector pick the quality from the bandwidth estimate.
	Auto Mode = iota
	// Manual pins a quality chosen by the viewer.
	Manual
)

func (m Mode) String() string {
	if m == Manual {
		return "manual"
	}
	return "auto"
}

// DefaultInterval is the decision period, independent of segment boundaries.
const DefaultInterval = 3 * time.Second

// Estimator is the read side of a bandwidth estimator.
type Estimator interface {
	Estimate() (float64, bool)
}

// Switcher receives quality switch requests.
type Switcher interface {
	// TargetQuality is the quality currently playing or being loaded.
	TargetQuality() string
	// SwitchQuality asks for playback to be re-anchored in quality.
	SwitchQuality(quality string)
}

// Selector periodically maps the bandwidth estimate to a quality variant.
type Selector struct {
	ladder    Ladder
	estimator Estimator
	switcher  Switcher
	available []string
	logger    *slog.Logger

	mu     sync.Mutex
	mode   Mode
	pinned string
}

// NewSelector creates a selector in auto mode. available lists the quality
// names reported by the catalog in ascending order.
func NewSelector(ladder Ladder, estimator Estimator, switcher Switcher, available []string, logger *slog.Logger) *Selector {
	names := make([]string, len(available))
	copy(names, available)

	return &Selector{
		ladder:    ladder,
		estimator: estimator,
		switcher:  switcher,
		available: names,
		logger:    logger,
		mode:      Auto,
	}
}

// SetMode switches between auto and manual. pinned is ignored in auto mode.
func (s *Selector) SetMode(mode Mode, pinned string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mode = mode
	s.pinned = ""
	if mode == Manual {
		s.pinned = pinned
	}
	s.logger.Debug("abr mode changed", "mode", mode, "pinned", s.pinned)
}

// Mode returns the current mode and pinned quality.
func (s *Selector) Mode() (Mode, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mode, s.pinned
}

// Decide returns the quality the ladder picks for the current estimate.
// The second result is false when there is no estimate yet.
func (s *Selector) Decide() (string, bool) {
	bps, ok := s.estimator.Estimate()
	if !ok {
		return "", false
	}
	q := s.ladder.Select(bps, s.available)
	return q, q != ""
}

// Tick runs one decision cycle and reports whether a switch was requested.
func (s *Selector) Tick() bool {
	if mode, _ := s.Mode(); mode != Auto {
		return false
	}

	target, ok := s.Decide()
	if !ok {
		return false
	}

	current := s.switcher.TargetQuality()
	if target == current {
		return false
	}

	s.logger.Info("abr switching quality", "from", current, "to", target)
	s.switcher.SwitchQuality(target)
	return true
}

// Run calls Tick every interval until ctx is cancelled.
func (s *Selector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.logger.Debug("starting abr loop", "interval", interval, "qualities", s.available)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stopping abr loop")
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}
