package sink

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/segplay/internal/playback"
	"github.com/agleyzer/segplay/internal/segment"
)

type eventLog struct {
	mu     sync.Mutex
	events []playback.SinkEvent
}

func (l *eventLog) add(ev playback.SinkEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) has(kind playback.SinkEventKind, id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind && ev.SourceID == id {
			return true
		}
	}
	return false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVirtual_PlaysToEnd(t *testing.T) {
	v := NewVirtual(Config{Speed: 100, Tick: 5 * time.Millisecond, Logger: testLogger()})
	var log eventLog
	v.Attach(log.add)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go v.Run(ctx)

	src := playback.Source{
		ID:      7,
		Quality: "720p",
		Segment: segment.Segment{Index: 0, Duration: 1},
		Payload: []byte("payload"),
	}
	require.NoError(t, v.Load(src))
	require.NoError(t, v.Play())

	require.Eventually(t, func() bool { return log.has(playback.SinkEnded, 7) }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, log.has(playback.SinkLoaded, 7))
	assert.Equal(t, 1.0, v.Position())
}

func TestVirtual_PausedClockStandsStill(t *testing.T) {
	v := NewVirtual(Config{Logger: testLogger()})
	require.NoError(t, v.Load(playback.Source{ID: 1, Segment: segment.Segment{Duration: 10}, Payload: []byte{1}}))

	v.advance(time.Second)
	assert.Zero(t, v.Position(), "loaded segments start paused")

	require.NoError(t, v.Play())
	v.advance(2 * time.Second)
	assert.InDelta(t, 2.0, v.Position(), 1e-9)

	require.NoError(t, v.Pause())
	v.advance(2 * time.Second)
	assert.InDelta(t, 2.0, v.Position(), 1e-9)
}

func TestVirtual_SeekClamps(t *testing.T) {
	v := NewVirtual(Config{Logger: testLogger()})
	assert.Error(t, v.Seek(1), "nothing loaded")

	require.NoError(t, v.Load(playback.Source{ID: 1, Segment: segment.Segment{Duration: 4}, Payload: []byte{1}}))
	require.NoError(t, v.Seek(3.5))
	assert.Equal(t, 3.5, v.Position())
	require.NoError(t, v.Seek(40))
	assert.Equal(t, 4.0, v.Position())
	require.NoError(t, v.Seek(-1))
	assert.Zero(t, v.Position())
}

func TestVirtual_RejectsEmptyPayload(t *testing.T) {
	v := NewVirtual(Config{Logger: testLogger()})
	err := v.Load(playback.Source{ID: 1})
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestVirtual_WritesPayloads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	v := NewVirtual(Config{OutputDir: dir, Logger: testLogger()})

	require.NoError(t, v.Load(playback.Source{
		ID:      1,
		Quality: "360p",
		Segment: segment.Segment{Index: 2, Filename: "seg_002.mp4", Duration: 10},
		Payload: []byte("data"),
	}))

	got, err := os.ReadFile(filepath.Join(dir, "360p_seg_002.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestVirtual_Muted(t *testing.T) {
	v := NewVirtual(Config{Logger: testLogger()})
	v.SetMuted(true)
	assert.True(t, v.Muted())
}
