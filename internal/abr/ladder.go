// Package abr chooses a quality variant from a bandwidth estimate.
package abr

import (
	"fmt"
)

// Rung maps a bandwidth threshold to a quality name. A rung qualifies when
// the estimate is strictly greater than MinBps.
type Rung struct {
	MinBps  float64
	Quality string
}

// Ladder is an ordered list of rungs, highest threshold first. The floor
// quality is picked when no rung qualifies.
type Ladder struct {
	Rungs []Rung
	Floor string
}

// DefaultLadder returns the 1080p/720p/480p/360p ladder.
func DefaultLadder() Ladder {
	return NewLadder(8_000_000, 4_000_000, 2_000_000)
}

// NewLadder builds the standard four-tier ladder from its three thresholds.
func NewLadder(highBps, midHighBps, midLowBps float64) Ladder {
	return Ladder{
		Rungs: []Rung{
			{MinBps: highBps, Quality: "1080p"},
			{MinBps: midHighBps, Quality: "720p"},
			{MinBps: midLowBps, Quality: "480p"},
		},
		Floor: "360p",
	}
}

// Validate checks that thresholds strictly decrease, which keeps the
// selection monotonic in bandwidth.
func (l Ladder) Validate() error {
	for i := 1; i < len(l.Rungs); i++ {
		if l.Rungs[i].MinBps >= l.Rungs[i-1].MinBps {
			return fmt.Errorf("ladder rung %d (%s) threshold %.0f must be below rung %d threshold %.0f",
				i, l.Rungs[i].Quality, l.Rungs[i].MinBps, i-1, l.Rungs[i-1].MinBps)
		}
	}
	for i, r := range l.Rungs {
		if r.Quality == "" {
			return fmt.Errorf("ladder rung %d has no quality", i)
		}
	}
	return nil
}

// Select returns the quality for bps among the available names, which are
// in ascending quality order as reported by the catalog. Tiers whose
// quality is not available fall through to the next lower tier; when
// nothing qualifies the lowest available quality is returned. Select
// returns "" only when available is empty.
func (l Ladder) Select(bps float64, available []string) string {
	if len(available) == 0 {
		return ""
	}

	has := make(map[string]bool, len(available))
	for _, q := range available {
		has[q] = true
	}

	for _, r := range l.Rungs {
		if bps > r.MinBps && has[r.Quality] {
			return r.Quality
		}
	}
	if l.Floor != "" && has[l.Floor] {
		return l.Floor
	}
	return available[0]
}
