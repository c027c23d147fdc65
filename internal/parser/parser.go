// Package parser provides HLS media playlist parsing functionality.
package parser

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/segplay/internal/segment"
)

// ErrMasterPlaylist is returned when a media playlist was expected.
var ErrMasterPlaylist = errors.New("expected media playlist, got master playlist")

// MediaInfo contains the parsed media playlist information.
type MediaInfo struct {
	// Segments are indexed from 0 in playlist order.
	Segments []segment.Segment

	// TargetDuration is the maximum segment duration in seconds
	TargetDuration int
}

// ParseMedia decodes a media playlist from r. Segment URIs are resolved
// against base when base is non-empty and left as written otherwise.
func ParseMedia(r io.Reader, base string) (*MediaInfo, error) {
	playlist, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}
	if listType == m3u8.MASTER {
		return nil, ErrMasterPlaylist
	}

	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	var segments []segment.Segment
	for _, seg := range mediaPlaylist.Segments {
		if seg == nil {
			break
		}

		segmentURL := seg.URI
		if base != "" {
			segmentURL, err = resolveURL(base, seg.URI)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve segment URL: %w", err)
			}
		}

		segments = append(segments, segment.Segment{
			Filename: path.Base(seg.URI),
			URL:      segmentURL,
			Duration: seg.Duration,
		})
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("playlist contains no segments")
	}
	segment.Reindex(segments, mediaPlaylist.TargetDuration)

	targetDuration := int(mediaPlaylist.TargetDuration)
	if targetDuration == 0 {
		// If target duration is not set, use the max segment duration
		maxDuration := 0.0
		for _, seg := range segments {
			if seg.Duration > maxDuration {
				maxDuration = seg.Duration
			}
		}
		targetDuration = int(maxDuration) + 1
	}

	return &MediaInfo{
		Segments:       segments,
		TargetDuration: targetDuration,
	}, nil
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	// Resolve the relative URL against the base
	resolved := base.ResolveReference(rel)
	return resolved.String(), nil
}
