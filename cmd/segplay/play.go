package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agleyzer/segplay/internal/logging"
	"github.com/agleyzer/segplay/internal/playback"
	"github.com/agleyzer/segplay/internal/session"
	"github.com/agleyzer/segplay/internal/sink"
)

func newPlayCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play <video-id>",
		Short: "Play a video from the catalog",
		Long: `Play a video from the catalog with a headless sink.

Quality starts at the best available rendition and then follows the
measured bandwidth unless a quality is pinned. With --interactive,
commands are read from stdin:

  n, next          next segment
  p, prev          previous segment
  0-9              jump to segment 1-9 (0 is segment 10)
  seek <n>         jump to segment n
  auto             automatic quality
  <quality>        pin a quality, e.g. 720p
  m, mute          toggle mute
  space, pause     toggle pause
  quit             stop playback`,
		Example: `  segplay play bbb
  segplay play --catalog http://media.local:8080 --quality 480p bbb
  segplay play --speed 4 --output ./frames --interactive bbb`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("catalog") {
				a.cfg.Catalog.BaseURL, _ = flags.GetString("catalog")
			}
			if flags.Changed("speed") {
				a.cfg.Sink.Speed, _ = flags.GetFloat64("speed")
			}
			if flags.Changed("output") {
				a.cfg.Sink.OutputDir, _ = flags.GetString("output")
			}
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("validating config: %w", err)
			}

			quality, _ := flags.GetString("quality")
			interactive, _ := flags.GetBool("interactive")
			return a.play(cmd, args[0], quality, interactive)
		},
	}

	cmd.Flags().String("catalog", "", "catalog base URL (overrides catalog.base_url)")
	cmd.Flags().String("quality", "", "starting quality (default is the best available)")
	cmd.Flags().Float64("speed", 1, "playback speed of the headless sink")
	cmd.Flags().String("output", "", "directory to write received segment payloads to")
	cmd.Flags().Bool("interactive", false, "read playback commands from stdin")
	return cmd
}

func (a *app) play(cmd *cobra.Command, videoID, quality string, interactive bool) error {
	logger := a.logger
	logger.Info("segplay starting", "version", version, "command", "play", "video", videoID)

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	out := cmd.OutOrStdout()
	notifier := newConsoleNotifier(out)
	if !interactive {
		notifier.onFinish = cancel
	}

	s, err := session.New(ctx, session.Options{
		Config:  a.cfg,
		VideoID: videoID,
		Quality: quality,
		Sink: sink.NewVirtual(sink.Config{
			Speed:     a.cfg.Sink.Speed,
			Tick:      a.cfg.Sink.Tick,
			OutputDir: a.cfg.Sink.OutputDir,
			Logger:    logging.WithComponent(logger, "sink"),
		}),
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open video: %w", err)
	}

	fmt.Fprintf(out, "%s (%s, %d qualities: %s)\n",
		s.Video.Title, s.Video.ID, len(s.Video.Qualities), strings.Join(s.Video.QualityNames(), ", "))

	if interactive {
		go func() {
			runControls(ctx, cmd.InOrStdin(), s.Coordinator(), s.Video.QualityNames())
			cancel()
		}()
	}

	err = s.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("segplay stopped")
	if snap := s.Coordinator().Snapshot(); snap.State == playback.StateFailed {
		return fmt.Errorf("playback of %s failed", videoID)
	}
	return nil
}

// consoleNotifier prints playback changes and notices as plain lines.
type consoleNotifier struct {
	mu       sync.Mutex
	out      io.Writer
	last     playback.Snapshot
	started  bool
	onFinish func()
}

func newConsoleNotifier(out io.Writer) *consoleNotifier {
	if out == nil {
		out = os.Stdout
	}
	return &consoleNotifier{out: out}
}

func (n *consoleNotifier) StateChanged(s playback.Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// Progress ticks only move the offset.
	if n.started && s.State == n.last.State && s.Quality == n.last.Quality &&
		s.Index == n.last.Index && s.Mode == n.last.Mode && s.Target == n.last.Target {
		n.last = s
		return
	}
	n.started = true
	n.last = s

	line := fmt.Sprintf("[%s] %s", s.State, s.Quality)
	if s.Target != "" && s.Target != s.Quality {
		line += " -> " + s.Target
	}
	if s.SegmentCount > 0 {
		line += fmt.Sprintf(" segment %d/%d", s.Index+1, s.SegmentCount)
	}
	line += fmt.Sprintf(" (%s", s.Mode)
	if s.Pinned != "" {
		line += " " + s.Pinned
	}
	line += ") " + bufferBar(s.Buffers)
	fmt.Fprintln(n.out, line)

	if s.State == playback.StateExhausted || s.State == playback.StateFailed {
		if n.onFinish != nil {
			n.onFinish()
		}
	}
}

func (n *consoleNotifier) BandwidthChanged(bps float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.out, "bandwidth %s\n", humanize.SIWithDigits(bps, 1, "bps"))
}

func (n *consoleNotifier) Notice(notice playback.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.out, "%s: %s\n", notice.Level, notice.Message)
}

// bufferBar renders one character per segment.
func bufferBar(statuses []playback.BufferStatus) string {
	var b strings.Builder
	b.Grow(len(statuses) + 2)
	b.WriteByte('[')
	for _, st := range statuses {
		switch st {
		case playback.BufferPlaying:
			b.WriteByte('>')
		case playback.BufferBuffered:
			b.WriteByte('#')
		case playback.BufferLoading:
			b.WriteByte('~')
		default:
			b.WriteByte('.')
		}
	}
	b.WriteByte(']')
	return b.String()
}

var _ playback.Notifier = (*consoleNotifier)(nil)
