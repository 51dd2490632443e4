package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shepherd-project/shepherd-fetch/internal/config"
	"github.com/shepherd-project/shepherd-fetch/internal/download"
	"github.com/shepherd-project/shepherd-fetch/internal/logger"
	"github.com/shepherd-project/shepherd-fetch/internal/modelrepo"
)

type getOptions struct {
	output   string
	name     string
	sha256   string
	size     int64
	parts    int
	repo     string
	pattern  string
	taskType string
}

func newGetCmd() *cobra.Command {
	var opts getOptions

	cmd := &cobra.Command{
		Use:   "get [url...]",
		Short: "Download files in the foreground",
		Long: `Download one or more URLs, or the GGUF files of a model repository.
Interrupting with Ctrl+C pauses the transfer; running the same command again
resumes it from the bytes already on disk.`,
		Example: `  shepherd-fetch get https://example.com/model.gguf -o ./models
  shepherd-fetch get --repo Qwen/Qwen2-7B-Instruct-GGUF --pattern q4_k_m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && opts.repo == "" {
				return errors.New("no URL or --repo given")
			}
			if len(args) > 0 && opts.repo != "" {
				return errors.New("cannot combine URL arguments with --repo")
			}
			cfg, _ := loadConfig()
			if err := runGet(cmd.Context(), cfg, args, opts); err != nil {
				printError(err.Error())
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Target directory (default: configured download directory)")
	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "File name for a single URL")
	cmd.Flags().StringVar(&opts.sha256, "sha256", "", "Expected SHA-256 digest for a single URL")
	cmd.Flags().Int64Var(&opts.size, "size", 0, "Expected size in bytes for a single URL")
	cmd.Flags().IntVarP(&opts.parts, "parts", "c", 0, "Maximum parts per file")
	cmd.Flags().StringVar(&opts.repo, "repo", "", "Model repository ID (author/model) to fetch GGUF files from")
	cmd.Flags().StringVar(&opts.pattern, "pattern", "", "Select repository files by glob or substring")
	cmd.Flags().StringVar(&opts.taskType, "type", "", "Task type recorded with the download")
	return cmd
}

func runGet(parent context.Context, cfg *config.Config, urls []string, opts getOptions) error {
	if logLevel == "" {
		cfg.Log.Level = "warn"
	}
	if err := logger.InitLogger(&cfg.Log, "cli"); err != nil {
		printWarning("Logging to stdout only: " + err.Error())
	}
	defer logger.GetLogger().Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.parts > 0 {
		cfg.Download.MaxParts = opts.parts
	}

	req := download.ModelDownloadRequest{
		URLs:     urls,
		FileName: opts.name,
		Size:     opts.size,
		SHA256:   opts.sha256,
		TaskType: download.ParseTaskType(opts.taskType),
	}
	dir := opts.output
	if opts.repo != "" {
		resolved, err := modelrepo.NewClient(cfg.ModelRepo).BuildRequest(ctx, opts.repo, opts.pattern)
		if err != nil {
			return err
		}
		req = resolved
		if dir == "" {
			dir = req.DefaultDir(cfg.Download.Directory)
		}
	}
	if dir == "" {
		dir = cfg.Download.Directory
	}
	if err := req.Validate(); err != nil {
		return err
	}

	// Other stored tasks stay idle; only the ones requested here run
	downloads, store, err := newDownloadManager(cfg, false)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := downloads.Restore(ctx); err != nil {
		printWarning("Could not restore earlier downloads: " + err.Error())
	}

	events := make(chan download.Event, 256)
	downloads.AddListener(func(e download.Event) {
		select {
		case events <- e:
		default:
		}
	})

	ids, err := startTasks(ctx, downloads, req, dir)
	if err != nil {
		downloads.Close()
		return err
	}

	failed := watchTasks(ctx, downloads, ids, events)
	if ctx.Err() != nil {
		for _, id := range ids {
			downloads.Pause(id)
		}
		downloads.Close()
		fmt.Println()
		printWarning("Paused. Run the same command again to resume.")
		return nil
	}
	downloads.Close()

	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(ids))
	}
	return nil
}

// startTasks resumes matching stored tasks and creates the rest
func startTasks(ctx context.Context, downloads *download.Manager, req download.ModelDownloadRequest, dir string) ([]string, error) {
	existing := make(map[string]download.Progress)
	for _, p := range downloads.ListTasks() {
		if filepath.Clean(p.TargetPath) == filepath.Clean(dir) {
			existing[p.URL] = p
		}
	}

	ids := make([]string, 0, len(req.URLs))
	for _, raw := range req.URLs {
		raw = strings.TrimSpace(raw)
		if p, ok := existing[raw]; ok {
			switch p.State {
			case download.StateCompleted:
				printSuccess(p.FileName + " already downloaded")
				continue
			case download.StateIdle:
				if downloads.Resume(p.TaskID) {
					printInfo(fmt.Sprintf("Resuming %s at %s", p.FileName, formatBytes(p.DownloadedBytes)))
					ids = append(ids, p.TaskID)
					continue
				}
			case download.StateFailed:
				// Completed parts stay on disk for the new task
				downloads.Forget(p.TaskID)
			default:
				ids = append(ids, p.TaskID)
				continue
			}
		}

		id, err := downloads.CreateTask(ctx, raw, dir, req.OptionsFor(raw))
		if err != nil {
			return ids, fmt.Errorf("%s: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// watchTasks renders progress until every task is terminal or ctx ends.
// It returns the number of failed tasks.
func watchTasks(ctx context.Context, downloads *download.Manager, ids []string, events <-chan download.Event) int {
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	failed := 0

	finish := func(p download.Progress) {
		if !pending[p.TaskID] || !p.State.IsTerminal() {
			return
		}
		delete(pending, p.TaskID)
		fmt.Print("\r\033[K")
		if p.State == download.StateCompleted {
			printSuccess(fmt.Sprintf("%s (%s)", p.TargetFile, formatBytes(p.TotalBytes)))
			return
		}
		failed++
		printError(fmt.Sprintf("%s: %s", p.FileName, p.ErrorMessage))
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return failed
		case e := <-events:
			if e.Type == download.EventProgressUpdate && pending[e.TaskID] {
				fmt.Print("\r\033[K" + progressLine(e.Progress))
			}
			finish(e.Progress)
		case <-ticker.C:
			// Events are dropped when the channel is full
			for id := range pending {
				if p, ok := downloads.GetTask(id); ok {
					finish(p)
				}
			}
		}
	}
	return failed
}

func progressLine(p download.Progress) string {
	total := "?"
	if p.TotalBytes > 0 {
		total = formatBytes(p.TotalBytes)
	}
	return fmt.Sprintf("%s  %5.1f%%  %s / %s  %s/s  [%d/%d parts]",
		p.FileName, p.ProgressRatio*100,
		formatBytes(p.DownloadedBytes), total,
		formatBytes(p.SpeedBytesPerSecond),
		p.PartsCompleted, p.PartsTotal)
}
