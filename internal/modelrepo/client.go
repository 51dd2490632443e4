// Package modelrepo resolves HuggingFace and ModelScope repositories into
// download requests for the download manager.
package modelrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/shepherd-project/shepherd-fetch/internal/config"
	"github.com/shepherd-project/shepherd-fetch/internal/download"
	"github.com/shepherd-project/shepherd-fetch/internal/logger"
)

// Source represents the model repository source
type Source string

const (
	SourceHuggingFace Source = "huggingface"
	SourceModelScope  Source = "modelscope"
)

const defaultEndpoint = "huggingface.co"

// Client is a model repository client
type Client struct {
	httpClient *http.Client
	baseURL    string
	hfToken    string // Optional HuggingFace authentication token
}

// NewClient creates a new model repository client. An endpoint without a
// scheme, such as hf-mirror.com, is reached over https.
func NewClient(cfg config.ModelRepoConfig) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		baseURL: normalizeEndpoint(cfg.Endpoint),
		hfToken: cfg.Token,
	}
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	return endpoint
}

// SetHFToken sets the HuggingFace authentication token
func (c *Client) SetHFToken(token string) {
	c.hfToken = token
}

// BaseURL returns the HuggingFace endpoint in use
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FileInfo represents information about a model file
type FileInfo struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256,omitempty"` // LFS oid, empty for non-LFS files
	DownloadURL string `json:"downloadUrl"`
}

// GenerateDownloadURL generates a download URL from repository information
func (c *Client) GenerateDownloadURL(source Source, repoID, fileName string) (string, error) {
	switch source {
	case SourceHuggingFace:
		return c.resolveURL(repoID, fileName), nil
	case SourceModelScope:
		return fmt.Sprintf("https://www.modelscope.cn/api/v1/models/%s/repo?Revision=master&FilePath=%s", repoID, fileName), nil
	default:
		return "", fmt.Errorf("unsupported source: %s", source)
	}
}

// resolveURL builds {endpoint}/{repoId}/resolve/main/{fileName}
func (c *Client) resolveURL(repoID, fileName string) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", c.baseURL, repoID, fileName)
}

// treeEntry is one item of the HuggingFace tree API
type treeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	LFS  *struct {
		Oid  string `json:"oid"`
		Size int64  `json:"size"`
	} `json:"lfs,omitempty"`
}

// ListFiles lists every file of a HuggingFace repository
func (c *Client) ListFiles(ctx context.Context, repoID string) ([]FileInfo, error) {
	if _, _, err := ParseRepoID(repoID); err != nil {
		return nil, err
	}

	treeURL := fmt.Sprintf("%s/api/models/%s/tree/main?recursive=true", c.baseURL, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, treeURL, nil)
	if err != nil {
		return nil, err
	}
	if c.hfToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.hfToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch model info: %s", resp.Status)
	}

	var entries []treeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode model tree: %w", err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Type != "file" {
			continue
		}
		info := FileInfo{
			Name:        e.Path,
			Size:        e.Size,
			DownloadURL: c.resolveURL(repoID, e.Path),
		}
		if e.LFS != nil {
			info.SHA256 = e.LFS.Oid
			if e.LFS.Size > 0 {
				info.Size = e.LFS.Size
			}
		}
		files = append(files, info)
	}

	logger.Debugf("Repository %s lists %d files", repoID, len(files))
	return files, nil
}

// ListGGUFFiles lists GGUF files in a HuggingFace repository
func (c *Client) ListGGUFFiles(ctx context.Context, repoID string) ([]FileInfo, error) {
	files, err := c.ListFiles(ctx, repoID)
	if err != nil {
		return nil, err
	}

	gguf := files[:0]
	for _, f := range files {
		if isGGUFFile(f.Name) {
			gguf = append(gguf, f)
		}
	}
	return gguf, nil
}

// BuildRequest turns the GGUF files of repoID matching pattern into a
// model download request. pattern is a path.Match glob tried against the
// base name, falling back to a case-insensitive substring match; an empty
// pattern selects every GGUF file.
func (c *Client) BuildRequest(ctx context.Context, repoID, pattern string) (download.ModelDownloadRequest, error) {
	owner, model, err := ParseRepoID(repoID)
	if err != nil {
		return download.ModelDownloadRequest{}, err
	}

	files, err := c.ListGGUFFiles(ctx, repoID)
	if err != nil {
		return download.ModelDownloadRequest{}, err
	}

	req := download.ModelDownloadRequest{
		Author:   owner,
		ModelID:  model,
		TaskType: download.TaskTypeGGUFModel,
	}

	var selected []FileInfo
	for _, f := range files {
		if matchFile(f.Name, pattern) {
			selected = append(selected, f)
			req.URLs = append(req.URLs, f.DownloadURL)
		}
	}
	if len(selected) == 0 {
		return req, fmt.Errorf("no GGUF files in %s match %q", repoID, pattern)
	}

	if len(selected) == 1 {
		req.FileName = path.Base(selected[0].Name)
		req.Size = selected[0].Size
		req.SHA256 = selected[0].SHA256
	}
	return req, nil
}

func matchFile(name, pattern string) bool {
	if pattern == "" {
		return true
	}
	base := path.Base(name)
	if ok, err := path.Match(pattern, base); err == nil && ok {
		return true
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(pattern))
}

// isGGUFFile checks if a file is a GGUF model file
func isGGUFFile(p string) bool {
	return strings.HasSuffix(strings.ToLower(p), ".gguf")
}

// ParseRepoID validates and parses a repository ID
func ParseRepoID(repoID string) (owner, model string, err error) {
	parts := strings.Split(repoID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo ID format (expected 'owner/model'): %s", repoID)
	}
	if parts[0] == ".." || parts[1] == ".." || url.PathEscape(parts[0]) != parts[0] || url.PathEscape(parts[1]) != parts[1] {
		return "", "", fmt.Errorf("invalid characters in repo ID: %s", repoID)
	}
	return parts[0], parts[1], nil
}
