// Package catalog reads video metadata and segment lists from the catalog service.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agleyzer/segplay/internal/segment"
	"github.com/agleyzer/segplay/internal/variant"
)

// ErrNotFound reports an unknown video or quality. It is permanent and must
// not be retried.
var ErrNotFound = errors.New("not found")

// DefaultTimeout bounds each catalog request.
const DefaultTimeout = 10 * time.Second

// Video is the immutable metadata of a video.
type Video struct {
	ID              string
	Title           string
	Duration        float64
	SegmentDuration float64

	// Qualities are in ascending quality order.
	Qualities []variant.Quality
}

// QualityNames returns the quality names in catalog order.
func (v *Video) QualityNames() []string {
	names := make([]string, len(v.Qualities))
	for i, q := range v.Qualities {
		names[i] = q.Name
	}
	return names
}

// Best returns the highest quality name, or "" when there is none.
func (v *Video) Best() string {
	if len(v.Qualities) == 0 {
		return ""
	}
	return v.Qualities[len(v.Qualities)-1].Name
}

// Has reports whether the video is available in quality.
func (v *Video) Has(quality string) bool {
	for _, q := range v.Qualities {
		if q.Name == quality {
			return true
		}
	}
	return false
}

// MetadataResponse is the body of GET /metadata/{id}.
type MetadataResponse struct {
	Title           string            `json:"title"`
	Duration        float64           `json:"duration"`
	SegmentDuration float64           `json:"segmentDuration"`
	Qualities       []variant.Quality `json:"qualities"`
	OriginalWidth   int               `json:"originalWidth,omitempty"`
	OriginalHeight  int               `json:"originalHeight,omitempty"`
	ProcessedAt     string            `json:"processedAt,omitempty"`
}

// SegmentDescriptor is one entry of a segment list as sent on the wire.
type SegmentDescriptor struct {
	Index     int     `json:"index"`
	Filename  string  `json:"filename"`
	URL       string  `json:"url"`
	MP4URL    string  `json:"mp4Url,omitempty"`
	Size      int64   `json:"size"`
	Duration  float64 `json:"duration"`
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
	Thumbnail string  `json:"thumbnail,omitempty"`
}

// SegmentsResponse is the body of GET /segments/{id}/{quality}.
type SegmentsResponse struct {
	VideoID         string              `json:"videoId,omitempty"`
	Quality         string              `json:"quality,omitempty"`
	SegmentDuration float64             `json:"segmentDuration"`
	TotalSegments   int                 `json:"totalSegments"`
	Segments        []SegmentDescriptor `json:"segments"`
}

// Client talks to the catalog service. Segment lists are cached per video
// and quality for the lifetime of the client.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu       sync.Mutex
	variants map[string]*variant.Variant
}

// NewClient creates a catalog client for baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		variants: make(map[string]*variant.Variant),
	}
}

// Load fetches the metadata of videoID.
func (c *Client) Load(ctx context.Context, videoID string) (*Video, error) {
	var meta MetadataResponse
	if err := c.getJSON(ctx, "/metadata/"+url.PathEscape(videoID), &meta); err != nil {
		return nil, fmt.Errorf("load video %q: %w", videoID, err)
	}

	if len(meta.Qualities) == 0 {
		return nil, fmt.Errorf("load video %q: no qualities available: %w", videoID, ErrNotFound)
	}

	nominal := meta.SegmentDuration
	if nominal <= 0 {
		nominal = variant.DefaultSegmentDuration
	}

	c.logger.Debug("loaded video metadata",
		"video", videoID,
		"title", meta.Title,
		"qualities", len(meta.Qualities),
		"segmentDuration", nominal,
	)

	return &Video{
		ID:              videoID,
		Title:           meta.Title,
		Duration:        meta.Duration,
		SegmentDuration: nominal,
		Qualities:       meta.Qualities,
	}, nil
}

// SegmentsFor fetches the segment list of a quality. nominal is the video's
// nominal segment duration, used only when the list reports nothing better.
func (c *Client) SegmentsFor(ctx context.Context, videoID, quality string, nominal float64) (*variant.Variant, error) {
	key := videoID + "/" + quality

	c.mu.Lock()
	cached, ok := c.variants[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	path := "/segments/" + url.PathEscape(videoID) + "/" + url.PathEscape(quality)
	var resp SegmentsResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("load segments %s/%s: %w", videoID, quality, err)
	}

	fallback := resp.SegmentDuration
	if fallback <= 0 {
		fallback = nominal
	}

	segments := make([]segment.Segment, 0, len(resp.Segments))
	for _, d := range resp.Segments {
		locator := d.MP4URL
		if locator == "" {
			locator = d.URL
		}
		resolved, err := resolveURL(c.baseURL+path, locator)
		if err != nil {
			return nil, fmt.Errorf("load segments %s/%s: %w", videoID, quality, err)
		}
		thumb := ""
		if d.Thumbnail != "" {
			if thumb, err = resolveURL(c.baseURL+path, d.Thumbnail); err != nil {
				thumb = ""
			}
		}
		segments = append(segments, segment.Segment{
			Filename:  d.Filename,
			URL:       resolved,
			Size:      d.Size,
			Duration:  d.Duration,
			Thumbnail: thumb,
		})
	}
	segments = segment.Reindex(segments, fallback)

	v := &variant.Variant{
		Quality:         quality,
		SegmentDuration: variant.MeasuredDuration(segments, fallback),
		Segments:        segments,
	}

	c.logger.Debug("loaded segment list",
		"video", videoID,
		"quality", quality,
		"segments", len(segments),
		"measuredDuration", v.SegmentDuration,
	)

	c.mu.Lock()
	c.variants[key] = v
	c.mu.Unlock()

	return v, nil
}

// getJSON performs a GET against the catalog and decodes the JSON body.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerAcceptEncoding, acceptedEncodings)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request catalog: HTTP %d", resp.StatusCode)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode catalog response: %w", err)
	}
	return nil
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

	return base.ResolveReference(rel).String(), nil
}
