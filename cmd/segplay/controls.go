package main

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/agleyzer/segplay/internal/playback"
)

// controller is the subset of the coordinator driven by keyboard commands.
type controller interface {
	Next()
	Previous()
	Jump(digit int)
	Seek(index int)
	SelectQuality(quality string)
	SetMuted(muted bool)
	SetPaused(paused bool)
}

// runControls reads one command per line until EOF, "quit" or ctx is done.
func runControls(ctx context.Context, r io.Reader, c controller, qualities []string) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var muted, paused bool
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleCommand(line, c, qualities, &muted, &paused) {
				return
			}
		}
	}
}

// handleCommand applies one command and reports whether to keep reading.
func handleCommand(line string, c controller, qualities []string, muted, paused *bool) bool {
	// A bare space toggles pause like the space bar.
	if line == " " {
		*paused = !*paused
		c.SetPaused(*paused)
		return true
	}

	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return true
	}

	switch cmd := fields[0]; cmd {
	case "q", "quit", "exit":
		return false
	case "n", "next":
		c.Next()
	case "p", "prev", "previous":
		c.Previous()
	case "m", "mute":
		*muted = !*muted
		c.SetMuted(*muted)
	case "space", "pause":
		*paused = !*paused
		c.SetPaused(*paused)
	case playback.QualityAuto:
		c.SelectQuality(playback.QualityAuto)
	case "seek":
		if len(fields) < 2 {
			return true
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			c.Seek(n - 1)
		}
	default:
		if len(cmd) == 1 && cmd[0] >= '0' && cmd[0] <= '9' {
			c.Jump(int(cmd[0] - '0'))
			return true
		}
		for _, q := range qualities {
			if strings.EqualFold(q, cmd) {
				c.SelectQuality(q)
				break
			}
		}
	}
	return true
}
