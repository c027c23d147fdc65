// Package session assembles a playback session: catalog metadata, the
// segment scheduler, bandwidth estimation, the ABR selector and the playback
// coordinator, all bound to one media sink.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/segplay/internal/abr"
	"github.com/agleyzer/segplay/internal/bandwidth"
	"github.com/agleyzer/segplay/internal/catalog"
	"github.com/agleyzer/segplay/internal/config"
	"github.com/agleyzer/segplay/internal/logging"
	"github.com/agleyzer/segplay/internal/playback"
	"github.com/agleyzer/segplay/internal/scheduler"
)

// Runner is implemented by sinks that need their own goroutine.
type Runner interface {
	Run(ctx context.Context) error
}

// Options configures a session.
type Options struct {
	Config *config.Config

	VideoID string

	// Quality is the starting quality; empty selects the best one.
	Quality string

	Sink     playback.MediaSink
	Notifier playback.Notifier

	// HTTPClient fetches segment payloads. Per-attempt timeouts come from
	// the playback configuration.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Session is one viewer watching one video.
type Session struct {
	ID    string
	Video *catalog.Video

	coordinator *playback.Coordinator
	selector    *abr.Selector
	estimator   *bandwidth.Estimator
	sink        playback.MediaSink
	quality     string
	abrInterval time.Duration
	logger      *slog.Logger
}

// New loads the video metadata and wires a session around it.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("media sink is required")
	}
	cfg := opts.Config

	notifier := opts.Notifier
	if notifier == nil {
		notifier = playback.NopNotifier{}
	}

	id := uuid.NewString()
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := logging.WithSession(base, id, opts.VideoID)

	client := catalog.NewClient(cfg.Catalog.BaseURL, cfg.Catalog.Timeout, logging.WithComponent(logger, "catalog"))
	video, err := client.Load(ctx, opts.VideoID)
	if err != nil {
		return nil, err
	}

	ladder := abr.NewLadder(cfg.ABR.HighBps, cfg.ABR.MidHighBps, cfg.ABR.MidLowBps)
	if err := ladder.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quality ladder: %w", err)
	}

	estimator := bandwidth.NewWithConfig(cfg.ABR.Window, cfg.ABR.MinBps, cfg.ABR.MaxBps)
	sched := scheduler.New(scheduler.Config{
		BackoffBase:       cfg.Playback.BackoffBase,
		MinSampleDuration: cfg.Playback.MinSampleDuration,
		OnSample: func(sample float64) {
			if bps, ok := estimator.Estimate(); ok {
				logger.Debug("bandwidth sample", "sample", sample, "estimate", bps, "window", estimator.Samples())
				notifier.BandwidthChanged(bps)
			}
		},
		Client: opts.HTTPClient,
		Logger: logging.WithComponent(logger, "scheduler"),
	}, estimator)

	s := &Session{
		ID:          id,
		Video:       video,
		estimator:   estimator,
		sink:        opts.Sink,
		quality:     opts.Quality,
		abrInterval: cfg.ABR.Interval,
		logger:      logger,
	}

	coord, err := playback.New(playback.Options{
		Config: playback.Config{
			FetchAttempts:     cfg.Playback.FetchAttempts,
			PrebufferAttempts: cfg.Playback.PrebufferAttempts,
			FetchTimeout:      cfg.Playback.FetchTimeout,
			SkipDelay:         cfg.Playback.SkipDelay,
		},
		Video:    video,
		Catalog:  client,
		Fetcher:  sched,
		Sink:     opts.Sink,
		Notifier: notifier,
		OnModeChange: func(mode abr.Mode, pinned string) {
			s.selector.SetMode(mode, pinned)
		},
		Logger: logging.WithComponent(logger, "playback"),
	})
	if err != nil {
		return nil, err
	}
	s.coordinator = coord
	s.selector = abr.NewSelector(ladder, estimator, coord, video.QualityNames(), logging.WithComponent(logger, "abr"))

	logger.Info("session created",
		"title", video.Title,
		"qualities", video.QualityNames(),
		"segmentDuration", video.SegmentDuration,
	)
	return s, nil
}

// Coordinator exposes the playback controls.
func (s *Session) Coordinator() *playback.Coordinator {
	return s.coordinator
}

// Estimator exposes the bandwidth estimator.
func (s *Session) Estimator() *bandwidth.Estimator {
	return s.estimator
}

// Run starts playback and blocks until ctx is cancelled or a component
// fails. Cancelling ctx tears down the ABR loop, in-flight fetches and
// timers.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.coordinator.Run(ctx) })
	g.Go(func() error {
		s.selector.Run(ctx, s.abrInterval)
		return nil
	})
	if r, ok := s.sink.(Runner); ok {
		g.Go(func() error { return r.Run(ctx) })
	}

	// Samples from an earlier run would skew the first decisions.
	s.estimator.Reset()
	s.coordinator.Start(s.quality)

	err := g.Wait()
	s.logger.Info("session ended", "error", err)
	return err
}
