// Package library reads processed videos from a media directory laid out as
//
//	<dir>/<video>/metadata.json
//	<dir>/<video>/thumbnail.jpg
//	<dir>/<video>/<quality>/segments.json
//	<dir>/<video>/<quality>/playlist.m3u8
//	<dir>/<video>/<quality>/seg_000.mp4 ...
package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/agleyzer/segplay/internal/catalog"
	"github.com/agleyzer/segplay/internal/parser"
	"github.com/agleyzer/segplay/internal/variant"
)

// ErrNotFound reports an unknown video, quality or segment list.
var ErrNotFound = errors.New("not found")

const (
	metadataFile = "metadata.json"
	segmentsFile = "segments.json"
	playlistFile = "playlist.m3u8"
	thumbnailURL = "thumbnail.jpg"
)

// Summary is one entry of the video listing.
type Summary struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Duration        float64           `json:"duration"`
	OriginalWidth   int               `json:"originalWidth,omitempty"`
	OriginalHeight  int               `json:"originalHeight,omitempty"`
	Qualities       []variant.Quality `json:"qualities"`
	ProcessedAt     string            `json:"processedAt,omitempty"`
	Thumbnail       string            `json:"thumbnail"`
	Size            int64             `json:"size"`
	SizeHuman       string            `json:"sizeHuman"`
	TotalSegments   int               `json:"totalSegments"`
	SegmentDuration float64           `json:"segmentDuration"`
}

// Listing is the body of GET /videos.
type Listing struct {
	Videos        []Summary `json:"videos"`
	TotalDuration float64   `json:"totalDuration"`
	TotalSize     int64     `json:"totalSize"`
	Count         int       `json:"count"`
}

// Library serves video metadata and segment lists from disk.
type Library struct {
	dir    string
	logger *slog.Logger
}

// New creates a library rooted at dir.
func New(dir string, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{dir: dir, logger: logger}
}

// Dir returns the media directory.
func (l *Library) Dir() string {
	return l.dir
}

// List returns every video with readable metadata, most recently processed
// first. A missing media directory yields an empty listing.
func (l *Library) List() (*Listing, error) {
	listing := &Listing{Videos: []Summary{}}

	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return listing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read media directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()

		meta, err := l.Metadata(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			l.logger.Warn("skipping video with bad metadata", "video", id, "error", err)
			continue
		}

		size, err := dirSize(filepath.Join(l.dir, id))
		if err != nil {
			l.logger.Warn("failed to size video directory", "video", id, "error", err)
		}

		total := 0
		if n := len(meta.Qualities); n > 0 {
			total = meta.Qualities[n-1].TotalSegments
		}
		segDur := meta.SegmentDuration
		if segDur <= 0 {
			segDur = variant.DefaultSegmentDuration
		}

		listing.Videos = append(listing.Videos, Summary{
			ID:              id,
			Title:           meta.Title,
			Duration:        meta.Duration,
			OriginalWidth:   meta.OriginalWidth,
			OriginalHeight:  meta.OriginalHeight,
			Qualities:       meta.Qualities,
			ProcessedAt:     meta.ProcessedAt,
			Thumbnail:       path.Join("/media", id, thumbnailURL),
			Size:            size,
			SizeHuman:       humanize.Bytes(uint64(size)),
			TotalSegments:   total,
			SegmentDuration: segDur,
		})
		listing.TotalDuration += meta.Duration
		listing.TotalSize += size
	}

	// RFC 3339 timestamps order lexically.
	sort.SliceStable(listing.Videos, func(i, j int) bool {
		return listing.Videos[i].ProcessedAt > listing.Videos[j].ProcessedAt
	})
	listing.Count = len(listing.Videos)

	return listing, nil
}

// Metadata reads the metadata of video id.
func (l *Library) Metadata(id string) (*catalog.MetadataResponse, error) {
	if !validName(id) {
		return nil, fmt.Errorf("video %q: %w", id, ErrNotFound)
	}

	data, err := os.ReadFile(filepath.Join(l.dir, id, metadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("metadata for %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta catalog.MetadataResponse
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata for %q: %w", id, err)
	}
	return &meta, nil
}

// BestQuality returns the last listed quality of video id.
func (l *Library) BestQuality(id string) (string, error) {
	meta, err := l.Metadata(id)
	if err != nil {
		return "", err
	}
	if len(meta.Qualities) == 0 {
		return "", fmt.Errorf("video %q has no qualities: %w", id, ErrNotFound)
	}
	return meta.Qualities[len(meta.Qualities)-1].Name, nil
}

// Segments returns the segment list of one quality. segments.json is
// preferred; otherwise the list is rebuilt from playlist.m3u8.
func (l *Library) Segments(id, quality string) (*catalog.SegmentsResponse, error) {
	if !validName(id) || !validName(quality) {
		return nil, fmt.Errorf("segments %s/%s: %w", id, quality, ErrNotFound)
	}

	qualityDir := filepath.Join(l.dir, id, quality)
	if _, err := os.Stat(qualityDir); err != nil {
		return nil, fmt.Errorf("quality %s/%s: %w", id, quality, ErrNotFound)
	}

	resp, err := l.readSegments(qualityDir)
	if errors.Is(err, fs.ErrNotExist) {
		resp, err = l.buildSegments(id, quality, qualityDir)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("segments %s/%s: %w", id, quality, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	resp.VideoID = id
	resp.Quality = quality
	if resp.TotalSegments == 0 {
		resp.TotalSegments = len(resp.Segments)
	}
	if resp.SegmentDuration <= 0 {
		resp.SegmentDuration = variant.DefaultSegmentDuration
	}
	if resp.Segments == nil {
		resp.Segments = []catalog.SegmentDescriptor{}
	}
	return resp, nil
}

func (l *Library) readSegments(qualityDir string) (*catalog.SegmentsResponse, error) {
	data, err := os.ReadFile(filepath.Join(qualityDir, segmentsFile))
	if err != nil {
		return nil, err
	}
	var resp catalog.SegmentsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode %s: %w", segmentsFile, err)
	}
	return &resp, nil
}

// buildSegments derives descriptors from the quality's HLS playlist.
func (l *Library) buildSegments(id, quality, qualityDir string) (*catalog.SegmentsResponse, error) {
	f, err := os.Open(filepath.Join(qualityDir, playlistFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := parser.ParseMedia(f, "")
	if err != nil {
		return nil, fmt.Errorf("build segments for %s/%s: %w", id, quality, err)
	}

	descriptors := make([]catalog.SegmentDescriptor, len(info.Segments))
	for i, seg := range info.Segments {
		var size int64
		if st, err := os.Stat(filepath.Join(qualityDir, seg.Filename)); err == nil {
			size = st.Size()
		}
		descriptors[i] = catalog.SegmentDescriptor{
			Index:     seg.Index + 1,
			Filename:  seg.Filename,
			URL:       path.Join("/media", id, quality, seg.Filename),
			Size:      size,
			Duration:  round3(seg.Duration),
			StartTime: round3(seg.Start),
			EndTime:   round3(seg.End()),
		}
	}

	l.logger.Debug("built segment list from playlist",
		"video", id,
		"quality", quality,
		"segments", len(descriptors),
	)

	return &catalog.SegmentsResponse{
		SegmentDuration: variant.MeasuredDuration(info.Segments, variant.DefaultSegmentDuration),
		TotalSegments:   len(descriptors),
		Segments:        descriptors,
	}, nil
}

// Delete removes video id and all of its files.
func (l *Library) Delete(id string) error {
	if !validName(id) {
		return fmt.Errorf("video %q: %w", id, ErrNotFound)
	}

	dir := filepath.Join(l.dir, id)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("video %q: %w", id, ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete video %q: %w", id, err)
	}

	l.logger.Info("deleted video", "video", id)
	return nil
}

// validName rejects empty names and anything that could escape the media
// directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
