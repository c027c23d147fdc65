package playback

import (
	"time"

	"github.com/agleyzer/segplay/internal/segment"
)

// Source is a segment payload handed to the media sink.
type Source struct {
	// ID identifies the load; sink events echo it back.
	ID uint64

	Quality string
	Segment segment.Segment
	Payload []byte
}

// SinkEventKind enumerates media sink notifications.
type SinkEventKind int

const (
	SinkLoaded SinkEventKind = iota
	SinkProgress
	SinkEnded
	SinkError
)

// SinkEvent is a notification emitted by the media sink.
type SinkEvent struct {
	Kind     SinkEventKind
	SourceID uint64

	// Position is the playback position within the payload, in seconds.
	Position float64

	// Buffered is how many seconds of the payload are ready.
	Buffered float64

	Err error
}

// MediaSink is the single playback surface. Only the coordinator calls it.
type MediaSink interface {
	// Attach registers the event handler. It is called once.
	Attach(handler func(SinkEvent))

	Load(src Source) error
	Seek(offset float64) error
	Play() error
	Pause() error
	SetMuted(muted bool)

	// Position returns the playback position within the current payload.
	Position() float64
}

// NoticeLevel grades viewer-facing notices.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarning
	NoticeError
)

func (l NoticeLevel) String() string {
	switch l {
	case NoticeWarning:
		return "warning"
	case NoticeError:
		return "error"
	default:
		return "info"
	}
}

// DefaultNoticeTTL is how long a banner stays up before dismissing itself.
const DefaultNoticeTTL = 5 * time.Second

// Notice is a transient, auto-dismissed message for the viewer.
type Notice struct {
	Level   NoticeLevel
	Message string
	TTL     time.Duration
}

// Notifier receives everything the UI shows: badges, segment list and banners.
type Notifier interface {
	StateChanged(s Snapshot)
	BandwidthChanged(bps float64)
	Notice(n Notice)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) StateChanged(Snapshot)    {}
func (NopNotifier) BandwidthChanged(float64) {}
func (NopNotifier) Notice(Notice)            {}
