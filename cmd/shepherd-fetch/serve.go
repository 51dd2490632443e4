package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shepherd-project/shepherd-fetch/internal/config"
	"github.com/shepherd-project/shepherd-fetch/internal/download"
	"github.com/shepherd-project/shepherd-fetch/internal/logger"
	"github.com/shepherd-project/shepherd-fetch/internal/modelrepo"
	"github.com/shepherd-project/shepherd-fetch/internal/monitor"
	"github.com/shepherd-project/shepherd-fetch/internal/netutil"
	"github.com/shepherd-project/shepherd-fetch/internal/server"
	"github.com/shepherd-project/shepherd-fetch/internal/shutdown"
	"github.com/shepherd-project/shepherd-fetch/internal/storage"
	"github.com/shepherd-project/shepherd-fetch/internal/version"
)

// newDownloadManager opens the task store and builds a download manager on
// top of it. The caller closes both.
func newDownloadManager(cfg *config.Config, autoResume bool) (*download.Manager, *storage.Manager, error) {
	store, err := storage.NewManager(&cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open task store: %w", err)
	}

	dlCfg := download.ConfigFromSettings(cfg.Download)
	dlCfg.AutoResume = autoResume

	mgr := download.NewManager(dlCfg,
		download.WithStore(store.GetStore()),
		download.WithFreeSpaceFunc(monitor.FreeBytes),
	)
	return mgr, store, nil
}

func newServeCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the download server with its REST and event API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path := loadConfig()
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.WebPort = port
			}
			return runServe(cfg, path)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen address, overrides the configured host")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port, overrides the configured port")
	return cmd
}

func runServe(cfg *config.Config, configPath string) error {
	if err := logger.InitLogger(&cfg.Log, "server"); err != nil {
		printWarning("Logging to stdout only: " + err.Error())
	}
	logger.InitLogStream(1000)

	logger.Infof("shepherd-fetch %s starting", version.Get())
	logger.Infof("Configuration: %s", configPath)

	downloads, store, err := newDownloadManager(cfg, cfg.Download.AutoResume)
	if err != nil {
		return err
	}

	restored, err := downloads.Restore(context.Background())
	if err != nil {
		logger.WithError(err).Warn("Failed to restore downloads")
	} else if restored > 0 {
		logger.Infof("Restored %d downloads", restored)
	}

	repo := modelrepo.NewClient(cfg.ModelRepo)
	srv := server.NewServer(server.ConfigFromSettings(cfg, "server"), downloads, repo)
	if err := srv.Start(); err != nil {
		downloads.Close()
		store.Close()
		return err
	}

	shutdownMgr := shutdown.NewManager(15 * time.Second)
	shutdownMgr.Register("http-server", srv.Stop, shutdown.PriorityCritical)
	shutdownMgr.Register("downloads", func(ctx context.Context) error {
		return downloads.Close()
	}, shutdown.PriorityHigh)
	shutdownMgr.Register("storage", func(ctx context.Context) error {
		return store.Close()
	}, shutdown.PriorityNormal)
	shutdownMgr.Register("logger", func(ctx context.Context) error {
		logger.Info("Shutdown complete")
		if stream := logger.GetLogStream(); stream != nil {
			stream.Close()
		}
		return logger.GetLogger().Close()
	}, shutdown.PriorityLow)
	shutdownMgr.Start()

	printSuccess("Listening on http://" + netutil.AdvertiseAddr(srv.Addr()))
	printInfo("Downloads go to " + cfg.Download.Directory)
	printInfo("Press Ctrl+C to stop")

	<-shutdownMgr.Done()
	if err := shutdownMgr.Wait(); err != nil {
		printError("Shutdown finished with errors: " + err.Error())
		return err
	}
	printSuccess("Server stopped")
	return nil
}
