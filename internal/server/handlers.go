package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shepherd-project/shepherd-fetch/internal/download"
	"github.com/shepherd-project/shepherd-fetch/internal/gguf"
	"github.com/shepherd-project/shepherd-fetch/internal/logger"
	"github.com/shepherd-project/shepherd-fetch/internal/monitor"
	"github.com/shepherd-project/shepherd-fetch/internal/version"
)

// createDownloadRequest is the body of POST /api/downloads
type createDownloadRequest struct {
	URL          string `json:"url" binding:"required"`
	TargetPath   string `json:"targetPath"`
	FileName     string `json:"fileName"`
	TaskType     string `json:"taskType"`
	ExpectedSize int64  `json:"expectedSize"`
	SHA256       string `json:"sha256"`
}

// modelDownloadRequest is the body of POST /api/models/download. Either
// urls or repoId must be given; repoId is resolved through the model
// repository using pattern to pick files.
type modelDownloadRequest struct {
	download.ModelDownloadRequest
	RepoID     string `json:"repoId"`
	Pattern    string `json:"pattern"`
	TargetPath string `json:"targetPath"`
}

// resolveTarget turns a client path into a directory below the download
// directory. Paths escaping it are rejected.
func (s *Server) resolveTarget(target string) (string, error) {
	if target == "" {
		return s.config.DownloadDir, nil
	}
	clean := filepath.Clean(target)
	if filepath.IsAbs(clean) {
		rel, err := filepath.Rel(s.config.DownloadDir, clean)
		if err != nil || !filepath.IsLocal(rel) {
			return "", fmt.Errorf("target path must be inside %s", s.config.DownloadDir)
		}
		return clean, nil
	}
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("target path must be inside %s", s.config.DownloadDir)
	}
	return filepath.Join(s.config.DownloadDir, clean), nil
}

func (s *Server) handleServerInfo(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	system, err := monitor.Collect(ctx, s.config.DownloadDir)
	if err != nil {
		logger.WithError(err).Debug("System info incomplete")
	}

	success(c, gin.H{
		"name":        "shepherd-fetch",
		"version":     version.Get(),
		"mode":        s.config.Mode,
		"status":      "running",
		"downloadDir": s.config.DownloadDir,
		"system":      system,
		"downloads":   s.downloads.Stats(),
		"connections": s.events.GetConnectionCount(),
	})
}

func (s *Server) handleListDownloads(c *gin.Context) {
	tasks := s.downloads.ListTasks()

	if filter := c.Query("state"); filter != "" {
		state, err := download.ParseState(filter)
		if err != nil {
			failWithDetails(c, ErrInvalidRequest, "invalid state filter", err)
			return
		}
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.State == state {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	success(c, gin.H{"downloads": tasks, "total": len(tasks)})
}

func (s *Server) handleDownloadStats(c *gin.Context) {
	success(c, s.downloads.Stats())
}

func (s *Server) handleCreateDownload(c *gin.Context) {
	var req createDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWithDetails(c, ErrInvalidRequest, "invalid request body", err)
		return
	}

	dir, err := s.resolveTarget(req.TargetPath)
	if err != nil {
		fail(c, ErrInvalidRequest, err.Error())
		return
	}

	id, err := s.downloads.CreateTask(c.Request.Context(), strings.TrimSpace(req.URL), dir, download.CreateOptions{
		FileName:       req.FileName,
		TaskType:       download.ParseTaskType(req.TaskType),
		ExpectedSize:   req.ExpectedSize,
		ExpectedSHA256: req.SHA256,
	})
	if err != nil {
		downloadError(c, "failed to create download", err)
		return
	}

	task, _ := s.downloads.GetTask(id)
	created(c, task)
}

func (s *Server) handleGetDownload(c *gin.Context) {
	task, ok := s.downloads.GetTask(c.Param("id"))
	if !ok {
		downloadError(c, "download not found", download.ErrTaskNotFound)
		return
	}
	success(c, task)
}

// controlRefused answers a pause or resume call that returned false
func (s *Server) controlRefused(c *gin.Context, id, action string) {
	task, ok := s.downloads.GetTask(id)
	if !ok {
		downloadError(c, "download not found", download.ErrTaskNotFound)
		return
	}
	fail(c, ErrConflict, fmt.Sprintf("cannot %s download in state %s", action, task.State))
}

func (s *Server) handlePauseDownload(c *gin.Context) {
	id := c.Param("id")
	if !s.downloads.Pause(id) {
		s.controlRefused(c, id, "pause")
		return
	}
	task, _ := s.downloads.GetTask(id)
	success(c, task)
}

func (s *Server) handleResumeDownload(c *gin.Context) {
	id := c.Param("id")
	if !s.downloads.Resume(id) {
		s.controlRefused(c, id, "resume")
		return
	}
	task, _ := s.downloads.GetTask(id)
	success(c, task)
}

func (s *Server) handleDeleteDownload(c *gin.Context) {
	if !s.downloads.Delete(c.Param("id")) {
		downloadError(c, "download not found", download.ErrTaskNotFound)
		return
	}
	success(c, gin.H{"message": "download deleted"})
}

func (s *Server) handleDownloadMetadata(c *gin.Context) {
	task, ok := s.downloads.GetTask(c.Param("id"))
	if !ok {
		downloadError(c, "download not found", download.ErrTaskNotFound)
		return
	}
	if task.State != download.StateCompleted {
		fail(c, ErrConflict, fmt.Sprintf("download is %s, metadata is available once completed", task.State))
		return
	}

	summary, err := gguf.ReadSummary(task.TargetFile)
	if err != nil {
		code := ErrInternalError
		if errors.Is(err, gguf.ErrNotGGUF) {
			code = ErrInvalidRequest
		}
		failWithDetails(c, code, "failed to read model metadata", err)
		return
	}
	success(c, summary)
}

func (s *Server) handleModelDownload(c *gin.Context) {
	var req modelDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWithDetails(c, ErrInvalidRequest, "invalid request body", err)
		return
	}

	model := req.ModelDownloadRequest
	if len(model.URLs) == 0 && req.RepoID != "" {
		if s.repo == nil {
			fail(c, ErrUnavailable, "model repository lookups are disabled")
			return
		}
		resolved, err := s.repo.BuildRequest(c.Request.Context(), req.RepoID, req.Pattern)
		if err != nil {
			failWithDetails(c, ErrUpstream, "failed to resolve repository", err)
			return
		}
		model = resolved
	}
	if err := model.Validate(); err != nil {
		failWithDetails(c, ErrInvalidRequest, "invalid model request", err)
		return
	}

	dir := model.DefaultDir(s.config.DownloadDir)
	if req.TargetPath != "" {
		var err error
		if dir, err = s.resolveTarget(req.TargetPath); err != nil {
			fail(c, ErrInvalidRequest, err.Error())
			return
		}
	}

	ids, err := s.downloads.CreateModelTasks(c.Request.Context(), model, dir)
	if err != nil {
		logger.WithField("model", model.Name()).WithError(err).Warnf("Model download created %d of %d tasks", len(ids), len(model.URLs))
		downloadError(c, "failed to create model download", err)
		return
	}

	created(c, gin.H{
		"model":      model.Name(),
		"targetPath": dir,
		"taskIds":    ids,
	})
}

func (s *Server) handleLogEntries(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fail(c, ErrInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries := []logger.StreamLogEntry{}
	if stream := logger.GetLogStream(); stream != nil {
		entries = stream.Find(logger.Query{
			Level: c.Query("level"),
			Task:  c.Query("task"),
			Limit: limit,
		})
	}
	success(c, gin.H{"entries": entries, "total": len(entries)})
}
