// Package playback drives a single media sink through segment loads, quality
// switches, seeks and missing-segment recovery.
//
// All playback state is owned by the goroutine running Coordinator.Run.
// Fetches, timers and sink notifications never touch that state directly;
// they post events which the loop applies in order. Every load carries a
// generation number so results that arrive after being superseded are
// dropped.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agleyzer/segplay/internal/abr"
	"github.com/agleyzer/segplay/internal/catalog"
	"github.com/agleyzer/segplay/internal/scheduler"
	"github.com/agleyzer/segplay/internal/variant"
)

// ErrOutOfRange reports a segment index outside the active quality.
var ErrOutOfRange = errors.New("segment index out of range")

// Default configuration values.
const (
	DefaultFetchAttempts     = scheduler.DefaultAttempts
	DefaultPrebufferAttempts = 2
	DefaultFetchTimeout      = scheduler.DefaultTimeout
	DefaultSkipDelay         = 2 * time.Second
)

// endTolerance absorbs timing jitter in the natural-end advance.
const endTolerance = 0.1

// QualityAuto selects adaptive mode in SelectQuality.
const QualityAuto = "auto"

// Catalog resolves segment lists per quality.
type Catalog interface {
	SegmentsFor(ctx context.Context, videoID, quality string, nominal float64) (*variant.Variant, error)
}

// Fetcher downloads and prebuffers segment payloads.
type Fetcher interface {
	Fetch(ctx context.Context, req scheduler.Request) ([]byte, error)
	Prebuffer(ctx context.Context, req scheduler.Request, done func(scheduler.PrebufferResult))
	Take(index int, quality string) ([]byte, bool)
	Discard(keepQuality string)
}

// Config holds the coordinator tuning knobs.
type Config struct {
	FetchAttempts     int
	PrebufferAttempts int
	FetchTimeout      time.Duration

	// SkipDelay is how long a missing segment is announced before moving on.
	SkipDelay time.Duration
}

// Options wires a coordinator to its collaborators.
type Options struct {
	Config

	Video    *catalog.Video
	Catalog  Catalog
	Fetcher  Fetcher
	Sink     MediaSink
	Notifier Notifier

	// OnModeChange is called from the loop when the viewer toggles between
	// auto and a pinned quality.
	OnModeChange func(mode abr.Mode, pinned string)

	Logger *slog.Logger
}

// loadRequest asks for one segment to be put on screen.
type loadRequest struct {
	quality string
	index   int

	// byTime re-anchors the load on a timeline position instead of index.
	byTime   bool
	timeline float64
}

type inflightLoad struct {
	gen     uint64
	quality string
	cancel  context.CancelFunc
}

// Events posted to the loop.
type (
	startEvent    struct{ quality string }
	switchEvent   struct{ quality string }
	selectEvent   struct{ quality string }
	navigateEvent struct{ index int }
	stepEvent     struct{ delta int }
	muteEvent     struct{ muted bool }
	pauseEvent    struct{ paused bool }
	skipEvent     struct {
		gen   uint64
		index int
	}
	prebufferEvent struct{ result scheduler.PrebufferResult }
	loadResult     struct {
		gen     uint64
		quality string
		variant *variant.Variant
		index   int
		offset  float64
		payload []byte
		err     error
	}
)

// Coordinator owns the playback state machine for one session.
type Coordinator struct {
	cfg          Config
	video        *catalog.Video
	catalog      Catalog
	fetcher      Fetcher
	sink         MediaSink
	notifier     Notifier
	onModeChange func(abr.Mode, string)
	logger       *slog.Logger

	events   chan any
	done     chan struct{}
	snapshot atomic.Pointer[Snapshot]

	// Everything below is owned by the Run goroutine.
	ctx       context.Context
	state     State
	quality   string
	variant   *variant.Variant
	buffers   *BufferMap
	index     int
	offset    float64
	playing   int
	mode      abr.Mode
	pinned    string
	gen       uint64
	inflight  *inflightLoad
	pending   string
	sourceID  uint64
	skipTimer *time.Timer

	// finished holds an end or error of the playing source that arrived
	// while a switch was in flight.
	finished *SinkEvent
}

// New creates a coordinator. Call Run to start it.
func New(opts Options) (*Coordinator, error) {
	if opts.Video == nil {
		return nil, fmt.Errorf("video is required")
	}
	if opts.Catalog == nil || opts.Fetcher == nil {
		return nil, fmt.Errorf("catalog and fetcher are required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("media sink is required")
	}
	if len(opts.Video.Qualities) == 0 {
		return nil, fmt.Errorf("video %q has no qualities", opts.Video.ID)
	}

	cfg := opts.Config
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = DefaultFetchAttempts
	}
	if cfg.PrebufferAttempts <= 0 {
		cfg.PrebufferAttempts = DefaultPrebufferAttempts
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.SkipDelay < 0 {
		cfg.SkipDelay = 0
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:          cfg,
		video:        opts.Video,
		catalog:      opts.Catalog,
		fetcher:      opts.Fetcher,
		sink:         opts.Sink,
		notifier:     notifier,
		onModeChange: opts.OnModeChange,
		logger:       logger,
		events:       make(chan any, 64),
		done:         make(chan struct{}),
		buffers:      NewBufferMap(0),
		playing:      -1,
		mode:         abr.Auto,
	}
	c.snapshot.Store(&Snapshot{State: StateIdle, Mode: abr.Auto})
	c.sink.Attach(func(ev SinkEvent) { c.post(ev) })

	return c, nil
}

// Run processes events until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.done)
	defer c.teardown()

	c.logger.Info("playback coordinator started", "video", c.video.ID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("playback coordinator stopped", "video", c.video.ID)
			return nil
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

// Start begins playback of the first segment in quality, or in the best
// available quality when quality is empty.
func (c *Coordinator) Start(quality string) { c.post(startEvent{quality}) }

// SwitchQuality requests a switch to quality at the current timeline
// position. A request made while a load is in flight is queued; the most
// recent one wins.
func (c *Coordinator) SwitchQuality(quality string) { c.post(switchEvent{quality}) }

// TargetQuality returns the quality being loaded or queued, or the active
// quality when idle.
func (c *Coordinator) TargetQuality() string { return c.Snapshot().Target }

// SelectQuality pins quality, or returns to adaptive mode for "auto".
func (c *Coordinator) SelectQuality(quality string) { c.post(selectEvent{quality}) }

// Seek jumps to segment index in the active quality. Out of range indexes
// are ignored.
func (c *Coordinator) Seek(index int) { c.post(navigateEvent{index}) }

// Next moves to the following segment.
func (c *Coordinator) Next() { c.post(stepEvent{1}) }

// Previous moves to the preceding segment.
func (c *Coordinator) Previous() { c.post(stepEvent{-1}) }

// Jump maps a digit key to a segment: 1-9 select segments one to nine and
// 0 selects the tenth.
func (c *Coordinator) Jump(digit int) {
	if digit < 0 || digit > 9 {
		return
	}
	index := digit - 1
	if digit == 0 {
		index = 9
	}
	c.post(navigateEvent{index})
}

// SetMuted forwards the mute toggle to the sink.
func (c *Coordinator) SetMuted(muted bool) { c.post(muteEvent{muted}) }

// SetPaused pauses or resumes the sink.
func (c *Coordinator) SetPaused(paused bool) { c.post(pauseEvent{paused}) }

// Snapshot returns the most recently published state.
func (c *Coordinator) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

func (c *Coordinator) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) dispatch(ev any) {
	switch ev := ev.(type) {
	case startEvent:
		c.handleStart(ev.quality)
	case switchEvent:
		c.handleSwitch(ev.quality)
	case selectEvent:
		c.handleSelect(ev.quality)
	case navigateEvent:
		c.handleNavigate(ev.index)
	case stepEvent:
		c.handleNavigate(c.index + ev.delta)
	case muteEvent:
		c.sink.SetMuted(ev.muted)
	case pauseEvent:
		c.handlePause(ev.paused)
	case skipEvent:
		c.handleSkip(ev)
	case prebufferEvent:
		c.handlePrebuffer(ev.result)
	case loadResult:
		c.handleLoadResult(ev)
	case SinkEvent:
		c.handleSinkEvent(ev)
	default:
		c.logger.Error("unknown playback event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Coordinator) handleStart(quality string) {
	if c.state != StateIdle {
		return
	}
	if quality == "" || !c.video.Has(quality) {
		quality = c.video.Best()
	}
	c.logger.Info("starting playback", "video", c.video.ID, "quality", quality)
	c.startLoad(loadRequest{quality: quality}, StateLoading)
	c.publish()
}

func (c *Coordinator) handleSwitch(quality string) {
	if quality == "" {
		return
	}
	if !c.video.Has(quality) {
		c.logger.Warn("ignoring switch to unknown quality", "quality", quality)
		return
	}
	switch c.state {
	case StateIdle, StateFailed, StateExhausted:
		return
	}

	if c.inflight != nil {
		if quality == c.inflight.quality {
			c.pending = ""
		} else {
			c.pending = quality
		}
		c.publish()
		return
	}
	if quality == c.quality {
		return
	}

	t := c.timeline()
	c.logger.Info("switching quality",
		"from", c.quality,
		"to", quality,
		"timeline", t,
	)
	c.startLoad(loadRequest{quality: quality, byTime: true, timeline: t}, StateSwitching)
	c.publish()
}

func (c *Coordinator) handleSelect(quality string) {
	if quality == "" || strings.EqualFold(quality, QualityAuto) {
		c.mode, c.pinned = abr.Auto, ""
	} else {
		if !c.video.Has(quality) {
			c.notice(NoticeWarning, fmt.Sprintf("Quality %s is not available", quality))
			return
		}
		c.mode, c.pinned = abr.Manual, quality
	}

	if c.onModeChange != nil {
		c.onModeChange(c.mode, c.pinned)
	}
	if c.mode == abr.Manual {
		c.handleSwitch(c.pinned)
	}
	c.publish()
}

func (c *Coordinator) handleNavigate(index int) {
	switch c.state {
	case StateIdle, StateFailed:
		return
	}
	if c.variant == nil || index < 0 || index >= c.variant.Count() {
		c.logger.Debug("ignoring navigation out of range", "index", index)
		return
	}
	c.startLoad(loadRequest{quality: c.quality, index: index}, StateSeeking)
	c.publish()
}

func (c *Coordinator) handlePause(paused bool) {
	var err error
	if paused {
		err = c.sink.Pause()
	} else {
		err = c.sink.Play()
	}
	if err != nil {
		c.logger.Warn("sink pause toggle failed", "paused", paused, "error", err)
	}
}

// startLoad supersedes any in-flight load and skip timer and fetches req in
// the background.
func (c *Coordinator) startLoad(req loadRequest, state State) {
	if c.inflight != nil && c.inflight.quality != req.quality && c.pending == "" {
		// Navigation replaced a switch; keep the quality intent.
		c.pending = c.inflight.quality
	}
	c.cancelInflight()
	c.stopSkipTimer()
	if state != StateSwitching {
		c.finished = nil
	}

	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.ctx)
	c.inflight = &inflightLoad{gen: gen, quality: req.quality, cancel: cancel}
	c.state = state

	current := c.variant
	if current != nil && req.quality == c.quality && !req.byTime {
		c.index = req.index
		c.offset = 0
		if c.buffers.Get(req.index) != BufferPlaying {
			c.buffers.Set(req.index, BufferLoading)
		}
	}

	go func() {
		res := c.load(ctx, current, req)
		res.gen = gen
		c.post(res)
	}()
}

// load runs off the loop and must only read immutable fields.
func (c *Coordinator) load(ctx context.Context, current *variant.Variant, req loadRequest) loadResult {
	res := loadResult{quality: req.quality}

	v := current
	if v == nil || v.Quality != req.quality {
		var err error
		v, err = c.catalog.SegmentsFor(ctx, c.video.ID, req.quality, c.video.SegmentDuration)
		if err != nil {
			res.err = err
			return res
		}
	}
	res.variant = v

	index, offset := req.index, 0.0
	if req.byTime {
		index = v.IndexAt(req.timeline)
		offset = req.timeline - float64(index)*v.SegmentDuration
	}
	seg, ok := v.Segment(index)
	if !ok {
		res.err = fmt.Errorf("%w: %d of %d in %s", ErrOutOfRange, index, v.Count(), v.Quality)
		return res
	}
	offset = math.Max(0, math.Min(offset, seg.Duration))
	res.index, res.offset = index, offset

	if payload, ok := c.fetcher.Take(index, req.quality); ok {
		res.payload = payload
		return res
	}
	res.payload, res.err = c.fetcher.Fetch(ctx, scheduler.Request{
		Index:    index,
		Quality:  req.quality,
		URL:      seg.URL,
		Attempts: c.cfg.FetchAttempts,
		Timeout:  c.cfg.FetchTimeout,
	})
	return res
}

func (c *Coordinator) handleLoadResult(res loadResult) {
	if res.gen != c.gen {
		c.logger.Debug("discarding stale load", "gen", res.gen, "current", c.gen, "quality", res.quality)
		return
	}
	c.cancelInflight()

	if errors.Is(res.err, context.Canceled) {
		return
	}

	if res.variant == nil {
		c.handleVariantFailure(res)
		c.applyPending()
		return
	}

	// A switch target without segments is treated like one whose list
	// could not be fetched.
	if errors.Is(res.err, ErrOutOfRange) && c.variant != nil && res.variant != c.variant {
		c.handleVariantFailure(res)
		c.applyPending()
		return
	}

	if res.variant != c.variant {
		c.adopt(res.variant)
	}

	switch {
	case errors.Is(res.err, ErrOutOfRange):
		c.logger.Warn("load out of range", "error", res.err)
		c.exhaust(NoticeError, "No more segments available")
	case res.err != nil:
		c.missing(res.index, fmt.Sprintf("Segment %d is missing in %s quality", res.index+1, c.quality))
	default:
		c.play(res)
	}
	c.applyPending()
}

func (c *Coordinator) handleVariantFailure(res loadResult) {
	c.logger.Warn("segment list unavailable", "quality", res.quality, "error", res.err)

	if c.variant == nil {
		c.state = StateFailed
		c.notice(NoticeError, fmt.Sprintf("Failed to load video %s", c.video.ID))
		c.publish()
		return
	}

	c.notice(NoticeWarning, fmt.Sprintf("Quality %s is unavailable", res.quality))
	if c.playing == c.index {
		c.state = StatePlaying
		if f := c.finished; f != nil {
			// The segment on screen ran out while the switch was pending.
			c.finished = nil
			if f.Kind == SinkError {
				c.missing(c.index, "Error loading segment. Trying next...")
			} else {
				c.advance(f.Position)
			}
			return
		}
		c.publish()
		return
	}
	c.startLoad(loadRequest{quality: c.quality, index: c.index}, StateLoading)
	c.publish()
}

// adopt makes v the active quality. The buffer map is rebuilt from scratch.
func (c *Coordinator) adopt(v *variant.Variant) {
	if c.variant != nil {
		c.logger.Info("quality changed", "from", c.quality, "to", v.Quality, "segments", v.Count())
	}
	c.variant = v
	c.quality = v.Quality
	c.buffers = NewBufferMap(v.Count())
	c.playing = -1
	c.fetcher.Discard(v.Quality)
}

func (c *Coordinator) play(res loadResult) {
	seg, _ := c.variant.Segment(res.index)

	c.sourceID++
	err := c.sink.Load(Source{
		ID:      c.sourceID,
		Quality: c.quality,
		Segment: seg,
		Payload: res.payload,
	})
	if err != nil {
		c.logger.Warn("sink rejected segment", "index", res.index, "error", err)
		c.missing(res.index, "Error loading segment. Trying next...")
		return
	}
	if res.offset > 0 {
		if err := c.sink.Seek(res.offset); err != nil {
			c.logger.Warn("sink seek failed", "offset", res.offset, "error", err)
		}
	}
	if err := c.sink.Play(); err != nil {
		c.logger.Warn("sink play failed", "error", err)
	}

	if c.playing >= 0 && c.playing != res.index && c.buffers.Get(c.playing) == BufferPlaying {
		c.buffers.Set(c.playing, BufferBuffered)
	}
	c.buffers.Set(res.index, BufferPlaying)
	c.playing = res.index
	c.index = res.index
	c.offset = res.offset
	c.state = StatePlaying
	c.finished = nil

	c.logger.Debug("segment playing",
		"index", res.index,
		"quality", c.quality,
		"offset", res.offset,
		"bytes", len(res.payload),
	)
	c.publish()
	c.prebuffer(res.index + 1)
}

// missing marks index unavailable and schedules a skip to the next segment,
// or ends playback when index is the last one.
func (c *Coordinator) missing(index int, message string) {
	c.buffers.Set(index, BufferMissing)
	if c.playing == index {
		c.playing = -1
	}
	c.index = index

	next := index + 1
	if next >= c.variant.Count() {
		c.exhaust(NoticeError, "No more segments available")
		return
	}

	c.notice(NoticeWarning, message)
	c.state = StateLoading
	gen := c.gen
	c.skipTimer = time.AfterFunc(c.cfg.SkipDelay, func() {
		c.post(skipEvent{gen: gen, index: next})
	})
	c.publish()
}

func (c *Coordinator) handleSkip(ev skipEvent) {
	if ev.gen != c.gen {
		return
	}
	c.skipTimer = nil
	c.notice(NoticeInfo, fmt.Sprintf("Skipping to segment %d", ev.index+1))
	c.startLoad(loadRequest{quality: c.quality, index: ev.index}, StateLoading)
	c.publish()
}

func (c *Coordinator) exhaust(level NoticeLevel, message string) {
	c.cancelInflight()
	c.stopSkipTimer()
	c.pending = ""
	c.state = StateExhausted
	c.logger.Info("playback exhausted", "index", c.index, "quality", c.quality)
	c.notice(level, message)
	c.publish()
}

func (c *Coordinator) applyPending() {
	if c.pending == "" || c.inflight != nil {
		return
	}
	quality := c.pending
	c.pending = ""
	c.handleSwitch(quality)
}

func (c *Coordinator) handleSinkEvent(ev SinkEvent) {
	if ev.SourceID != c.sourceID {
		return
	}

	switch ev.Kind {
	case SinkLoaded:
		c.logger.Debug("sink loaded", "source", ev.SourceID)
	case SinkProgress:
		c.offset = ev.Position
	case SinkEnded:
		switch {
		case c.state == StatePlaying:
			c.advance(ev.Position)
		case c.state == StateSwitching && c.playing == c.index:
			c.endDuringSwitch(ev)
		}
	case SinkError:
		switch {
		case c.state == StatePlaying:
			c.logger.Warn("sink error", "index", c.index, "error", ev.Err)
			c.missing(c.index, "Error loading segment. Trying next...")
		case c.state == StateSwitching && c.playing == c.index:
			// The switch still brings a new payload; remember the error in
			// case it fails.
			c.logger.Warn("sink error during switch", "index", c.index, "error", ev.Err)
			c.finished = &ev
		}
	}
}

// endDuringSwitch handles the playing segment running out before the new
// quality is ready. The switch is re-anchored on the end of that segment so
// the new quality picks up where the old one stopped.
func (c *Coordinator) endDuringSwitch(ev SinkEvent) {
	c.finished = &ev

	if c.inflight == nil || c.index+1 >= c.variant.Count() {
		c.cancelInflight()
		c.pending = ""
		c.state = StatePlaying
		c.advance(ev.Position)
		return
	}

	quality := c.inflight.quality
	t := float64(c.index)*c.segmentDuration() + c.endPosition(ev.Position)
	c.logger.Info("segment ended during switch", "index", c.index, "to", quality, "timeline", t)
	c.startLoad(loadRequest{quality: quality, byTime: true, timeline: t}, StateSwitching)
	c.publish()
}

// advance moves past the segment that just ended. The next index is derived
// from elapsed timeline time so that a segment entered mid-way is not
// replayed.
func (c *Coordinator) advance(position float64) {
	c.finished = nil
	d := c.segmentDuration()
	elapsed := float64(c.index)*d + c.endPosition(position)
	next := int(math.Floor((elapsed-endTolerance)/d)) + 1
	if next <= c.index {
		next = c.index + 1
	}

	if next >= c.variant.Count() {
		c.buffers.Set(c.index, BufferBuffered)
		c.playing = -1
		c.exhaust(NoticeInfo, "Playback finished")
		return
	}
	c.startLoad(loadRequest{quality: c.quality, index: next}, StateLoading)
	c.publish()
}

func (c *Coordinator) segmentDuration() float64 {
	if c.variant.SegmentDuration <= 0 {
		return variant.DefaultSegmentDuration
	}
	return c.variant.SegmentDuration
}

// endPosition substitutes the segment length when the sink did not report
// where it stopped.
func (c *Coordinator) endPosition(position float64) float64 {
	if position > 0 {
		return position
	}
	seg, _ := c.variant.Segment(c.index)
	return seg.Duration
}

// prebuffer speculatively fetches segment i of the active quality.
func (c *Coordinator) prebuffer(i int) {
	seg, ok := c.variant.Segment(i)
	if !ok || c.buffers.Get(i) != BufferMissing {
		return
	}
	c.buffers.Set(i, BufferLoading)

	c.fetcher.Prebuffer(c.ctx, scheduler.Request{
		Index:    i,
		Quality:  c.quality,
		URL:      seg.URL,
		Attempts: c.cfg.PrebufferAttempts,
		Timeout:  c.cfg.FetchTimeout,
	}, func(r scheduler.PrebufferResult) {
		c.post(prebufferEvent{r})
	})
	c.publish()
}

func (c *Coordinator) handlePrebuffer(r scheduler.PrebufferResult) {
	if r.Quality != c.quality {
		return
	}
	if r.Index == c.index {
		// The foreground load owns this index now.
		c.fetcher.Take(r.Index, r.Quality)
		return
	}
	if c.buffers.Get(r.Index) != BufferLoading {
		return
	}

	if r.Err != nil {
		c.buffers.Set(r.Index, BufferMissing)
	} else {
		c.buffers.Set(r.Index, BufferBuffered)
	}
	c.publish()
}

// timeline is the playback position in seconds on the shared timeline.
func (c *Coordinator) timeline() float64 {
	if c.variant == nil {
		return 0
	}
	pos := 0.0
	if c.playing == c.index {
		pos = c.sink.Position()
	}
	return float64(c.index)*c.variant.SegmentDuration + pos
}

func (c *Coordinator) notice(level NoticeLevel, message string) {
	c.notifier.Notice(Notice{Level: level, Message: message, TTL: DefaultNoticeTTL})
}

func (c *Coordinator) publish() {
	target := c.quality
	if c.inflight != nil {
		target = c.inflight.quality
	}
	if c.pending != "" {
		target = c.pending
	}

	snap := Snapshot{
		State:        c.state,
		Quality:      c.quality,
		Target:       target,
		Index:        c.index,
		Offset:       c.offset,
		SegmentCount: c.buffers.Len(),
		Mode:         c.mode,
		Pinned:       c.pinned,
		Buffers:      c.buffers.Statuses(),
	}
	c.snapshot.Store(&snap)
	c.notifier.StateChanged(snap)
}

func (c *Coordinator) cancelInflight() {
	if c.inflight != nil {
		c.inflight.cancel()
		c.inflight = nil
	}
}

func (c *Coordinator) stopSkipTimer() {
	if c.skipTimer != nil {
		c.skipTimer.Stop()
		c.skipTimer = nil
	}
}

func (c *Coordinator) teardown() {
	c.cancelInflight()
	c.stopSkipTimer()
	if err := c.sink.Pause(); err != nil {
		c.logger.Debug("sink pause on shutdown failed", "error", err)
	}
}
