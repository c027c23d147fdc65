// Package playlist renders HLS VOD playlists for catalog videos.
package playlist

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/agleyzer/segplay/internal/variant"
)

// Bandwidth converts a catalog bitrate label such as "800k" or "2.8M" to
// bits per second.
func Bandwidth(q variant.Quality) (uint64, error) {
	if q.Bitrate == "" {
		return 0, fmt.Errorf("quality %s has no bitrate", q.Name)
	}
	bps, err := humanize.ParseBytes(q.Bitrate)
	if err != nil {
		return 0, fmt.Errorf("quality %s: invalid bitrate %q: %w", q.Name, q.Bitrate, err)
	}
	return bps, nil
}

// GenerateMaster creates an HLS master playlist listing every quality.
// uri maps a quality name to its media playlist location.
func GenerateMaster(qualities []variant.Quality, uri func(quality string) string) (string, error) {
	if len(qualities) == 0 {
		return "", fmt.Errorf("cannot create master playlist with zero qualities")
	}

	var b strings.Builder

	// HLS master playlist header
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	for _, q := range qualities {
		bandwidth, err := Bandwidth(q)
		if err != nil {
			return "", err
		}

		b.WriteString("#EXT-X-STREAM-INF:")
		b.WriteString(fmt.Sprintf("BANDWIDTH=%d", bandwidth))
		if q.Width > 0 && q.Height > 0 {
			b.WriteString(fmt.Sprintf(",RESOLUTION=%dx%d", q.Width, q.Height))
		}
		b.WriteString(fmt.Sprintf(",NAME=\"%s\"", q.Name))
		b.WriteString("\n")

		b.WriteString(uri(q.Name))
		b.WriteString("\n")
	}

	return b.String(), nil
}

// GenerateMedia creates a complete VOD media playlist for v. Segment URLs
// are written as they appear in v.
func GenerateMedia(v *variant.Variant) (string, error) {
	if v == nil || v.Count() == 0 {
		return "", fmt.Errorf("cannot create playlist with zero segments")
	}

	var b strings.Builder

	// HLS playlist header
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", TargetDuration(v)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")

	for _, seg := range v.Segments {
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", seg.Duration))
		b.WriteString(seg.URL)
		b.WriteString("\n")
	}

	b.WriteString("#EXT-X-ENDLIST\n")

	return b.String(), nil
}

// TargetDuration is the longest segment rounded up to whole seconds.
func TargetDuration(v *variant.Variant) int {
	longest := 0.0
	for _, seg := range v.Segments {
		longest = math.Max(longest, seg.Duration)
	}
	return int(math.Ceil(longest))
}
