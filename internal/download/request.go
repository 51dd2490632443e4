package download

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// ModelDownloadRequest describes a possibly multi-file model fetch.
// Each URL becomes an independent task in the same directory.
type ModelDownloadRequest struct {
	Author   string   `json:"author"`
	ModelID  string   `json:"modelId"`
	URLs     []string `json:"urls"`
	FileName string   `json:"fileName,omitempty"` // honored only for a single URL
	Size     int64    `json:"size,omitempty"`
	SHA256   string   `json:"sha256,omitempty"`
	TaskType TaskType `json:"taskType,omitempty"`
}

// Validate checks the request has at least one usable URL
func (r ModelDownloadRequest) Validate() error {
	if len(r.URLs) == 0 {
		return ErrNoURLs
	}
	for _, raw := range r.URLs {
		if strings.TrimSpace(raw) == "" {
			return ErrEmptyURL
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid URL %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid URL %q: unsupported scheme", raw)
		}
	}
	return nil
}

// Name returns "author/model" or just the model id
func (r ModelDownloadRequest) Name() string {
	if r.Author == "" {
		return r.ModelID
	}
	return r.Author + "/" + r.ModelID
}

// DefaultDir returns <base>/<author>/<model> for callers that do not
// pick a directory themselves
func (r ModelDownloadRequest) DefaultDir(base string) string {
	elems := []string{base}
	if a := sanitizeFileName(r.Author); a != "" {
		elems = append(elems, a)
	}
	if id := sanitizeFileName(r.ModelID); id != "" {
		elems = append(elems, id)
	}
	return filepath.Join(elems...)
}

// OptionsFor returns the creation options for one of the request URLs.
// File name, size and checksum apply only to single-URL requests.
func (r ModelDownloadRequest) OptionsFor(rawURL string) CreateOptions {
	taskType := r.TaskType
	if taskType == "" {
		taskType = TaskTypeGGUFModel
	}
	opts := CreateOptions{TaskType: taskType}
	if len(r.URLs) == 1 {
		opts.FileName = r.FileName
		opts.ExpectedSize = r.Size
		opts.ExpectedSHA256 = r.SHA256
	}
	return opts
}
