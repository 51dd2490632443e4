package download

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// probeResult is what the initial request learned about the source
type probeResult struct {
	FinalURL       string
	TotalBytes     int64 // -1 when unknown
	RangeSupported bool
	FileName       string // from Content-Disposition
	ETag           string
}

// prober inspects a remote file before a task is created
type prober struct {
	client    *http.Client
	userAgent string
	backoff   time.Duration
}

// probe tries once, then retries a single time after a backoff
func (p *prober) probe(ctx context.Context, rawURL string) (*probeResult, error) {
	res, err := p.probeOnce(ctx, rawURL)
	if err == nil {
		return res, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.backoff):
	}

	res, retryErr := p.probeOnce(ctx, rawURL)
	if retryErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrProbeFailed, retryErr)
	}
	return res, nil
}

// probeOnce issues a HEAD request and falls back to a one-byte ranged GET
// when HEAD is refused or does not reveal size and range support.
func (p *prober) probeOnce(ctx context.Context, rawURL string) (*probeResult, error) {
	head, headErr := p.head(ctx, rawURL)
	if headErr == nil && head.TotalBytes > 0 && head.RangeSupported {
		return head, nil
	}

	ranged, rangeErr := p.rangedGet(ctx, rawURL)
	if rangeErr == nil {
		if head != nil {
			if ranged.FileName == "" {
				ranged.FileName = head.FileName
			}
			if ranged.ETag == "" {
				ranged.ETag = head.ETag
			}
		}
		return ranged, nil
	}

	if headErr == nil {
		return head, nil
	}
	return nil, rangeErr
}

func (p *prober) head(ctx context.Context, rawURL string) (*probeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HEAD %s: unexpected status: %s", rawURL, resp.Status)
	}

	res := &probeResult{
		FinalURL:       resp.Request.URL.String(),
		TotalBytes:     -1,
		RangeSupported: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		FileName:       parseFileName(resp.Header.Get("Content-Disposition")),
		ETag:           resp.Header.Get("ETag"),
	}
	if resp.ContentLength >= 0 {
		res.TotalBytes = resp.ContentLength
	}
	return res, nil
}

func (p *prober) rangedGet(ctx context.Context, rawURL string) (*probeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	res := &probeResult{
		FinalURL:   resp.Request.URL.String(),
		TotalBytes: -1,
		FileName:   parseFileName(resp.Header.Get("Content-Disposition")),
		ETag:       resp.Header.Get("ETag"),
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		_, _, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, err
		}
		res.TotalBytes = total
		res.RangeSupported = total > 0
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1))
	case http.StatusOK:
		// Server ignored the range; do not read the body.
		if resp.ContentLength >= 0 {
			res.TotalBytes = resp.ContentLength
		}
	default:
		return nil, fmt.Errorf("GET %s: unexpected status: %s", rawURL, resp.Status)
	}
	return res, nil
}

// parseContentRange parses "bytes <start>-<end>/<total>".
// total is -1 when the server sends "*".
func parseContentRange(header string) (start, end, total int64, err error) {
	if header == "" {
		return 0, 0, 0, fmt.Errorf("missing Content-Range header")
	}
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}
	rng, size, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}
	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}
	if start, err = strconv.ParseInt(strings.TrimSpace(first), 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range start: %w", err)
	}
	if end, err = strconv.ParseInt(strings.TrimSpace(last), 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range end: %w", err)
	}
	total = -1
	if size = strings.TrimSpace(size); size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid Content-Range size: %w", err)
		}
	}
	return start, end, total, nil
}

// extractFileNameFromURL extracts filename from URL
func extractFileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		parts := strings.Split(rawURL, "/")
		name := parts[len(parts)-1]
		if idx := strings.Index(name, "?"); idx >= 0 {
			name = name[:idx]
		}
		return name
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return ""
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name
}

// parseFileName parses filename from Content-Disposition header
func parseFileName(cd string) string {
	if cd == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(cd); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	// Format: attachment; filename="file.txt"
	if idx := strings.Index(cd, "filename="); idx > 0 {
		filename := cd[idx+9:]
		if semi := strings.Index(filename, ";"); semi >= 0 {
			filename = filename[:semi]
		}
		return strings.Trim(filename, `" `)
	}
	return ""
}

// sanitizeFileName keeps only the final path element of name
func sanitizeFileName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
