package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/segplay/internal/abr"
	"github.com/agleyzer/segplay/internal/catalog"
	"github.com/agleyzer/segplay/internal/scheduler"
	"github.com/agleyzer/segplay/internal/segment"
	"github.com/agleyzer/segplay/internal/variant"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func makeVariant(quality string, n int, d float64) *variant.Variant {
	segs := make([]segment.Segment, n)
	for i := range segs {
		segs[i] = segment.Segment{
			Filename: fmt.Sprintf("seg_%03d.mp4", i),
			URL:      fmt.Sprintf("http://cdn.test/%s/seg_%03d.mp4", quality, i),
			Duration: d,
		}
	}
	segment.Reindex(segs, d)
	return &variant.Variant{Quality: quality, SegmentDuration: d, Segments: segs}
}

func testVideo() *catalog.Video {
	return &catalog.Video{
		ID:              "bbb",
		Title:           "Big Buck Bunny",
		SegmentDuration: 10,
		Qualities: []variant.Quality{
			{Name: "360p"},
			{Name: "480p"},
			{Name: "720p"},
		},
	}
}

type fakeCatalog struct {
	mu       sync.Mutex
	variants map[string]*variant.Variant
	gates    map[string]chan struct{}
}

func newFakeCatalog(variants ...*variant.Variant) *fakeCatalog {
	f := &fakeCatalog{
		variants: make(map[string]*variant.Variant),
		gates:    make(map[string]chan struct{}),
	}
	for _, v := range variants {
		f.variants[v.Quality] = v
	}
	return f
}

func (f *fakeCatalog) gate(quality string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[quality] = ch
	return ch
}

func (f *fakeCatalog) SegmentsFor(ctx context.Context, videoID, quality string, nominal float64) (*variant.Variant, error) {
	f.mu.Lock()
	v := f.variants[quality]
	gate := f.gates[quality]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if v == nil {
		return nil, fmt.Errorf("segments for %s/%s: %w", videoID, quality, catalog.ErrNotFound)
	}
	return v, nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	missing map[string]bool
	gates   map[string]chan struct{}
	ready   map[string][]byte
	fetches map[string]int
}

func newFakeFetcher(missing ...string) *fakeFetcher {
	f := &fakeFetcher{
		missing: make(map[string]bool),
		gates:   make(map[string]chan struct{}),
		ready:   make(map[string][]byte),
		fetches: make(map[string]int),
	}
	for _, k := range missing {
		f.missing[k] = true
	}
	return f
}

func fetchKey(quality string, index int) string {
	return fmt.Sprintf("%s/%d", quality, index)
}

func (f *fakeFetcher) gate(key string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[key] = ch
	return ch
}

// Fetch ignores ctx so that superseded loads still deliver a result.
func (f *fakeFetcher) Fetch(ctx context.Context, req scheduler.Request) ([]byte, error) {
	key := fetchKey(req.Quality, req.Index)

	f.mu.Lock()
	gate := f.gates[key]
	missing := f.missing[key]
	f.fetches[key]++
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if missing {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrMissing, key)
	}
	return []byte(key), nil
}

func (f *fakeFetcher) Prebuffer(ctx context.Context, req scheduler.Request, done func(scheduler.PrebufferResult)) {
	go func() {
		payload, err := f.Fetch(ctx, req)
		if err == nil {
			f.mu.Lock()
			f.ready[fetchKey(req.Quality, req.Index)] = payload
			f.mu.Unlock()
		}
		done(scheduler.PrebufferResult{Index: req.Index, Quality: req.Quality, Err: err})
	}()
}

func (f *fakeFetcher) Take(index int, quality string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fetchKey(quality, index)
	payload, ok := f.ready[key]
	delete(f.ready, key)
	return payload, ok
}

func (f *fakeFetcher) Discard(keepQuality string) {}

func (f *fakeFetcher) fetchCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[key]
}

func (f *fakeFetcher) hasReady(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ready[key]
	return ok
}

type fakeSink struct {
	mu       sync.Mutex
	handler  func(SinkEvent)
	loads    []Source
	seeks    []float64
	position float64
	muted    bool
	paused   bool
	failLoad bool
}

func (s *fakeSink) Attach(handler func(SinkEvent)) { s.handler = handler }

func (s *fakeSink) Load(src Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLoad {
		return fmt.Errorf("decode error")
	}
	s.loads = append(s.loads, src)
	s.position = 0
	return nil
}

func (s *fakeSink) Seek(offset float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeks = append(s.seeks, offset)
	s.position = offset
	return nil
}

func (s *fakeSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	return nil
}

func (s *fakeSink) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	return nil
}

func (s *fakeSink) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

func (s *fakeSink) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *fakeSink) setPosition(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = p
}

func (s *fakeSink) loaded() []Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Source, len(s.loads))
	copy(out, s.loads)
	return out
}

func (s *fakeSink) loadedIndexes() []int {
	var out []int
	for _, src := range s.loaded() {
		out = append(out, src.Segment.Index)
	}
	return out
}

func (s *fakeSink) loadedQualities() []string {
	var out []string
	for _, src := range s.loaded() {
		out = append(out, src.Quality)
	}
	return out
}

func (s *fakeSink) lastID() uint64 {
	loads := s.loaded()
	if len(loads) == 0 {
		return 0
	}
	return loads[len(loads)-1].ID
}

func (s *fakeSink) emit(ev SinkEvent) {
	s.handler(ev)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
	states  int
}

func (n *recordingNotifier) StateChanged(Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states++
}

func (n *recordingNotifier) BandwidthChanged(float64) {}

func (n *recordingNotifier) Notice(notice Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) has(level NoticeLevel, message string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, notice := range n.notices {
		if notice.Level == level && notice.Message == message {
			return true
		}
	}
	return false
}

type harness struct {
	c        *Coordinator
	catalog  *fakeCatalog
	fetcher  *fakeFetcher
	sink     *fakeSink
	notifier *recordingNotifier
}

func newHarness(t *testing.T, cat *fakeCatalog, fetcher *fakeFetcher, onMode func(abr.Mode, string)) *harness {
	t.Helper()

	h := &harness{
		catalog:  cat,
		fetcher:  fetcher,
		sink:     &fakeSink{},
		notifier: &recordingNotifier{},
	}

	c, err := New(Options{
		Config:       Config{SkipDelay: 10 * time.Millisecond},
		Video:        testVideo(),
		Catalog:      cat,
		Fetcher:      fetcher,
		Sink:         h.sink,
		Notifier:     h.notifier,
		OnModeChange: onMode,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) waitPlaying(t *testing.T, quality string, index int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.c.Snapshot()
		return s.State == StatePlaying && s.Quality == quality && s.Index == index
	}, waitFor, tick, "expected %s segment %d playing, have %+v", quality, index, h.c.Snapshot())
}

func defaultCatalog() *fakeCatalog {
	return newFakeCatalog(
		makeVariant("360p", 12, 10),
		makeVariant("480p", 12, 10),
		makeVariant("720p", 12, 10),
	)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Video: &catalog.Video{ID: "x"}, Catalog: defaultCatalog(), Fetcher: newFakeFetcher(), Sink: &fakeSink{}})
	assert.Error(t, err, "a video without qualities cannot be played")
}

func TestCoordinator_StartPlaysBestQuality(t *testing.T) {
	h := newHarness(t, defaultCatalog(), newFakeFetcher(), nil)

	assert.Equal(t, StateIdle, h.c.Snapshot().State)
	h.c.Start("")
	h.waitPlaying(t, "720p", 0)

	s := h.c.Snapshot()
	assert.Equal(t, 12, s.SegmentCount)
	assert.Equal(t, BufferPlaying, s.Buffers[0])
	assert.Equal(t, []byte("720p/0"), h.sink.loaded()[0].Payload)

	require.Eventually(t, func() bool {
		return h.c.Snapshot().Buffers[1] == BufferBuffered
	}, waitFor, tick, "next segment is prebuffered")
}

func TestCoordinator_SkipsMissingSegment(t *testing.T) {
	h := newHarness(t, defaultCatalog(), newFakeFetcher("720p/3"), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)

	h.c.Seek(3)
	h.waitPlaying(t, "720p", 4)

	s := h.c.Snapshot()
	assert.Equal(t, BufferMissing, s.Buffers[3])
	assert.Equal(t, BufferPlaying, s.Buffers[4])
	assert.NotContains(t, h.sink.loadedIndexes(), 3)
	assert.True(t, h.notifier.has(NoticeWarning, "Segment 4 is missing in 720p quality"))
	assert.True(t, h.notifier.has(NoticeInfo, "Skipping to segment 5"))
}

func TestCoordinator_ExhaustsOnMissingLastSegment(t *testing.T) {
	cat := newFakeCatalog(makeVariant("720p", 4, 10), makeVariant("360p", 4, 10), makeVariant("480p", 4, 10))
	h := newHarness(t, cat, newFakeFetcher("720p/3"), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)

	h.c.Seek(3)
	require.Eventually(t, func() bool {
		return h.c.Snapshot().State == StateExhausted
	}, waitFor, tick)

	assert.Equal(t, BufferMissing, h.c.Snapshot().Buffers[3])
	assert.True(t, h.notifier.has(NoticeError, "No more segments available"))

	// Navigation still works from the exhausted state.
	h.c.Seek(1)
	h.waitPlaying(t, "720p", 1)
}

func TestCoordinator_NaturalEndAdvances(t *testing.T) {
	cat := newFakeCatalog(makeVariant("720p", 3, 10), makeVariant("360p", 3, 10), makeVariant("480p", 3, 10))
	h := newHarness(t, cat, newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)

	h.sink.emit(SinkEvent{Kind: SinkEnded, SourceID: h.sink.lastID(), Position: 10})
	h.waitPlaying(t, "720p", 1)
	assert.Equal(t, BufferBuffered, h.c.Snapshot().Buffers[0])

	// Slightly early end still lands on the following segment.
	h.sink.emit(SinkEvent{Kind: SinkEnded, SourceID: h.sink.lastID(), Position: 9.95})
	h.waitPlaying(t, "720p", 2)

	h.sink.emit(SinkEvent{Kind: SinkEnded, SourceID: h.sink.lastID(), Position: 10})
	require.Eventually(t, func() bool {
		return h.c.Snapshot().State == StateExhausted
	}, waitFor, tick)
	assert.True(t, h.notifier.has(NoticeInfo, "Playback finished"))
	assert.Equal(t, []int{0, 1, 2}, h.sink.loadedIndexes())
}

func TestCoordinator_StaleSinkEventsIgnored(t *testing.T) {
	h := newHarness(t, defaultCatalog(), newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)
	stale := h.sink.lastID()

	h.c.Seek(5)
	h.waitPlaying(t, "720p", 5)

	h.sink.emit(SinkEvent{Kind: SinkEnded, SourceID: stale, Position: 10})
	h.sink.emit(SinkEvent{Kind: SinkError, SourceID: stale})
	h.c.Seek(7)
	h.waitPlaying(t, "720p", 7)

	assert.Equal(t, []int{0, 5, 7}, h.sink.loadedIndexes())
}

func TestCoordinator_SinkErrorSkipsAhead(t *testing.T) {
	h := newHarness(t, defaultCatalog(), newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)

	h.sink.emit(SinkEvent{Kind: SinkError, SourceID: h.sink.lastID()})
	h.waitPlaying(t, "720p", 1)
	assert.True(t, h.notifier.has(NoticeWarning, "Error loading segment. Trying next..."))
}

func TestCoordinator_SwitchPreservesTimeline(t *testing.T) {
	cat := newFakeCatalog(
		makeVariant("720p", 6, 10),
		makeVariant("480p", 6, 10),
		makeVariant("360p", 10, 6),
	)
	h := newHarness(t, cat, newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)
	h.c.Seek(2)
	h.waitPlaying(t, "720p", 2)

	// 2*10 + 5 = 25s, which is 4*6 + 1 in the 360p timeline.
	h.sink.setPosition(5)
	h.c.SwitchQuality("360p")
	h.waitPlaying(t, "360p", 4)

	s := h.c.Snapshot()
	assert.InDelta(t, 1.0, s.Offset, 1e-9)
	assert.Equal(t, 10, s.SegmentCount)
	assert.Len(t, s.Buffers, 10, "buffer map is rebuilt for the new quality")
	assert.Equal(t, "360p", s.Target)

	h.sink.mu.Lock()
	seeks := append([]float64(nil), h.sink.seeks...)
	h.sink.mu.Unlock()
	require.NotEmpty(t, seeks)
	assert.InDelta(t, 1.0, seeks[len(seeks)-1], 1e-9)
}

func TestCoordinator_SwitchClampsToLastSegment(t *testing.T) {
	cat := newFakeCatalog(
		makeVariant("720p", 6, 10),
		makeVariant("480p", 6, 10),
		makeVariant("360p", 3, 10),
	)
	h := newHarness(t, cat, newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)
	h.c.Seek(5)
	h.waitPlaying(t, "720p", 5)

	h.c.SwitchQuality("360p")
	h.waitPlaying(t, "360p", 2)
}

func TestCoordinator_SwitchQueuedWhileLoading(t *testing.T) {
	cat := defaultCatalog()
	h := newHarness(t, cat, newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)

	release := cat.gate("480p")
	h.c.SwitchQuality("480p")
	require.Eventually(t, func() bool {
		s := h.c.Snapshot()
		return s.State == StateSwitching && s.Target == "480p"
	}, waitFor, tick)

	h.c.SwitchQuality("360p")
	require.Eventually(t, func() bool { return h.c.Snapshot().Target == "360p" }, waitFor, tick)
	h.c.SwitchQuality("720p")
	h.c.SwitchQuality("720p")

	close(release)
	require.Eventually(t, func() bool {
		return len(h.sink.loaded()) == 3 && h.c.Snapshot().State == StatePlaying
	}, waitFor, tick)

	assert.Equal(t, []string{"720p", "480p", "720p"}, h.sink.loadedQualities())
	assert.Equal(t, "720p", h.c.Snapshot().Quality)
}

func TestCoordinator_StaleLoadDiscarded(t *testing.T) {
	fetcher := newFakeFetcher()
	h := newHarness(t, defaultCatalog(), fetcher, nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)

	release := fetcher.gate(fetchKey("720p", 4))
	h.c.Seek(4)
	require.Eventually(t, func() bool { return h.c.Snapshot().State == StateSeeking }, waitFor, tick)

	h.c.Seek(6)
	h.waitPlaying(t, "720p", 6)

	close(release)
	assert.Never(t, func() bool {
		for _, i := range h.sink.loadedIndexes() {
			if i == 4 {
				return true
			}
		}
		return false
	}, 100*time.Millisecond, tick, "superseded load must not reach the sink")
	assert.Equal(t, 6, h.c.Snapshot().Index)
}

func TestCoordinator_NavigationOutOfRangeIsNoop(t *testing.T) {
	h := newHarness(t, defaultCatalog(), newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)

	h.c.Seek(99)
	h.c.Seek(-1)
	h.c.Previous()
	h.c.Next()
	h.waitPlaying(t, "720p", 1)

	assert.Equal(t, []int{0, 1}, h.sink.loadedIndexes())
}

func TestCoordinator_JumpDigits(t *testing.T) {
	h := newHarness(t, defaultCatalog(), newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)

	h.c.Jump(0)
	h.waitPlaying(t, "720p", 9)

	h.c.Jump(3)
	h.waitPlaying(t, "720p", 2)

	h.c.Previous()
	h.waitPlaying(t, "720p", 1)
}

func TestCoordinator_SelectQuality(t *testing.T) {
	var mu sync.Mutex
	var modes []abr.Mode
	onMode := func(mode abr.Mode, pinned string) {
		mu.Lock()
		defer mu.Unlock()
		modes = append(modes, mode)
	}
	h := newHarness(t, defaultCatalog(), newFakeFetcher(), onMode)

	h.c.Start("")
	h.waitPlaying(t, "720p", 0)
	assert.Equal(t, abr.Auto, h.c.Snapshot().Mode)

	h.c.SelectQuality("360p")
	h.waitPlaying(t, "360p", 0)
	s := h.c.Snapshot()
	assert.Equal(t, abr.Manual, s.Mode)
	assert.Equal(t, "360p", s.Pinned)

	h.c.SelectQuality("4k")
	h.c.SelectQuality(QualityAuto)
	require.Eventually(t, func() bool { return h.c.Snapshot().Mode == abr.Auto }, waitFor, tick)
	assert.True(t, h.notifier.has(NoticeWarning, "Quality 4k is not available"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []abr.Mode{abr.Manual, abr.Auto}, modes)
}

func TestCoordinator_UnavailableQualityKeepsPlaying(t *testing.T) {
	cat := newFakeCatalog(makeVariant("720p", 6, 10), makeVariant("360p", 6, 10))
	h := newHarness(t, cat, newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)

	h.c.SwitchQuality("480p")
	require.Eventually(t, func() bool {
		return h.notifier.has(NoticeWarning, "Quality 480p is unavailable")
	}, waitFor, tick)
	h.waitPlaying(t, "720p", 0)
	assert.Len(t, h.sink.loaded(), 1)
}

func TestCoordinator_StartFailsWithoutSegments(t *testing.T) {
	h := newHarness(t, newFakeCatalog(), newFakeFetcher(), nil)

	h.c.Start("720p")
	require.Eventually(t, func() bool { return h.c.Snapshot().State == StateFailed }, waitFor, tick)
	assert.True(t, h.notifier.has(NoticeError, "Failed to load video bbb"))
}

func TestCoordinator_MuteAndPause(t *testing.T) {
	h := newHarness(t, defaultCatalog(), newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)

	h.c.SetMuted(true)
	h.c.SetPaused(true)
	require.Eventually(t, func() bool {
		h.sink.mu.Lock()
		defer h.sink.mu.Unlock()
		return h.sink.muted && h.sink.paused
	}, waitFor, tick)
}

func (h *harness) waitState(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.c.Snapshot().State == state
	}, waitFor, tick, "expected state %s, have %+v", state, h.c.Snapshot())
}

func TestCoordinator_EndDuringFailedSwitchAdvances(t *testing.T) {
	cat := newFakeCatalog(makeVariant("720p", 6, 10), makeVariant("360p", 6, 10))
	h := newHarness(t, cat, newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)

	release := cat.gate("480p")
	h.c.SwitchQuality("480p")
	h.waitState(t, StateSwitching)

	h.sink.emit(SinkEvent{Kind: SinkEnded, SourceID: h.sink.lastID(), Position: 10})
	close(release)

	h.waitPlaying(t, "720p", 1)
	assert.True(t, h.notifier.has(NoticeWarning, "Quality 480p is unavailable"))
	assert.Equal(t, []int{0, 1}, h.sink.loadedIndexes())
}

func TestCoordinator_SinkErrorDuringFailedSwitchSkips(t *testing.T) {
	cat := newFakeCatalog(makeVariant("720p", 6, 10), makeVariant("360p", 6, 10))
	h := newHarness(t, cat, newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)

	release := cat.gate("480p")
	h.c.SwitchQuality("480p")
	h.waitState(t, StateSwitching)

	h.sink.emit(SinkEvent{Kind: SinkError, SourceID: h.sink.lastID()})
	close(release)

	h.waitPlaying(t, "720p", 1)
	assert.True(t, h.notifier.has(NoticeWarning, "Error loading segment. Trying next..."))
}

func TestCoordinator_EndDuringSwitchMovesAnchor(t *testing.T) {
	cat := defaultCatalog()
	h := newHarness(t, cat, newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)
	h.sink.setPosition(3)

	release := cat.gate("480p")
	h.c.SwitchQuality("480p")
	h.waitState(t, StateSwitching)

	h.sink.emit(SinkEvent{Kind: SinkEnded, SourceID: h.sink.lastID(), Position: 10})
	close(release)

	h.waitPlaying(t, "480p", 1)
	assert.Equal(t, 0.0, h.c.Snapshot().Offset)
	assert.Equal(t, []int{0, 1}, h.sink.loadedIndexes())
	assert.Equal(t, []string{"720p", "480p"}, h.sink.loadedQualities())

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.Empty(t, h.sink.seeks, "the ended segment must not be replayed")
}

func TestCoordinator_EndOfLastSegmentDuringSwitchFinishes(t *testing.T) {
	cat := newFakeCatalog(makeVariant("720p", 3, 10), makeVariant("480p", 3, 10), makeVariant("360p", 3, 10))
	h := newHarness(t, cat, newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)
	h.c.Seek(2)
	h.waitPlaying(t, "720p", 2)

	release := cat.gate("480p")
	defer close(release)
	h.c.SwitchQuality("480p")
	h.waitState(t, StateSwitching)

	h.sink.emit(SinkEvent{Kind: SinkEnded, SourceID: h.sink.lastID(), Position: 10})
	h.waitState(t, StateExhausted)
	assert.True(t, h.notifier.has(NoticeInfo, "Playback finished"))
}

func TestCoordinator_SwitchToEmptyQualityKeepsPlaying(t *testing.T) {
	cat := newFakeCatalog(makeVariant("720p", 6, 10), makeVariant("480p", 0, 10), makeVariant("360p", 6, 10))
	h := newHarness(t, cat, newFakeFetcher(), nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)

	h.c.SwitchQuality("480p")
	require.Eventually(t, func() bool {
		return h.notifier.has(NoticeWarning, "Quality 480p is unavailable")
	}, waitFor, tick)

	h.waitPlaying(t, "720p", 0)
	s := h.c.Snapshot()
	assert.Equal(t, 6, s.SegmentCount)
	assert.False(t, h.notifier.has(NoticeError, "No more segments available"))
	assert.Len(t, h.sink.loaded(), 1)
}

func TestCoordinator_PrebufferForActiveIndexKeepsBufferState(t *testing.T) {
	fetcher := newFakeFetcher()
	release := fetcher.gate(fetchKey("720p", 1))
	h := newHarness(t, defaultCatalog(), fetcher, nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)
	require.Equal(t, BufferLoading, h.c.Snapshot().Buffers[1])

	// The foreground load and the prebuffer both wait on segment 1.
	h.c.Seek(1)
	h.waitState(t, StateSeeking)
	close(release)

	h.waitPlaying(t, "720p", 1)
	assert.Never(t, func() bool {
		return h.c.Snapshot().Buffers[1] != BufferPlaying
	}, 100*time.Millisecond, tick, "a late prebuffer result must not overwrite the playing segment")
	assert.False(t, fetcher.hasReady(fetchKey("720p", 1)), "the prebuffered payload is dropped")
}

func TestCoordinator_PrebufferForOldQualityIgnored(t *testing.T) {
	fetcher := newFakeFetcher()
	releaseOld := fetcher.gate(fetchKey("720p", 1))
	releaseNew := fetcher.gate(fetchKey("360p", 1))
	h := newHarness(t, defaultCatalog(), fetcher, nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)

	h.c.SwitchQuality("360p")
	h.waitPlaying(t, "360p", 0)
	require.Eventually(t, func() bool {
		return h.c.Snapshot().Buffers[1] == BufferLoading
	}, waitFor, tick)

	close(releaseOld)
	assert.Never(t, func() bool {
		return h.c.Snapshot().Buffers[1] != BufferLoading
	}, 100*time.Millisecond, tick, "a 720p result must not touch the 360p buffer map")

	close(releaseNew)
	require.Eventually(t, func() bool {
		return h.c.Snapshot().Buffers[1] == BufferBuffered
	}, waitFor, tick)
}

func TestCoordinator_ForegroundTakesPrebufferedPayload(t *testing.T) {
	fetcher := newFakeFetcher()
	h := newHarness(t, defaultCatalog(), fetcher, nil)

	h.c.Start("720p")
	h.waitPlaying(t, "720p", 0)
	require.Eventually(t, func() bool {
		return h.c.Snapshot().Buffers[1] == BufferBuffered
	}, waitFor, tick)

	h.c.Next()
	h.waitPlaying(t, "720p", 1)

	loads := h.sink.loaded()
	assert.Equal(t, []byte("720p/1"), loads[len(loads)-1].Payload)
	assert.Equal(t, 1, fetcher.fetchCount(fetchKey("720p", 1)), "segment 1 is downloaded once")
	assert.False(t, fetcher.hasReady(fetchKey("720p", 1)))
}
