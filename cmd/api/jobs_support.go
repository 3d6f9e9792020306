package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/remote"
	"github.com/yourusername/doc-forge/internal/results"
	"github.com/yourusername/doc-forge/internal/storage"
)

// jobStore はジョブ記録・既定設定・取り込み元の記録をまとめて扱える保存先です。
type jobStore interface {
	jobs.Store
	jobs.SettingsStore
	jobs.RemoteTracker
}

type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   jobStore
	uploads *storage.Local
	writer  *results.Writer
	manager *jobs.Manager

	poller     *remote.Poller
	inbox      *remote.DirSource
	taskClient *asynq.Client
	taskServer *asynq.Server
}

func openStore(cfg *config.Config) (jobStore, error) {
	switch cfg.JobStore {
	case "redis":
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return jobs.NewRedisStore(redis.NewClient(opt), cfg.JobRecordTTL()), nil
	case "", "sqlite":
		store, err := jobs.OpenSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown job store %q", cfg.JobStore)
	}
}

func newConverter(cfg *config.Config) (pdf.Converter, error) {
	switch cfg.Converter {
	case "", "fitz":
		return &pdf.FitzConverter{DPI: cfg.ImageDPI}, nil
	case "command":
		return &pdf.CommandConverter{
			Path:    cfg.ConverterPath,
			WorkDir: filepath.Join(cfg.DataDir, "tmp"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown converter %q", cfg.Converter)
	}
}

func newApp(cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.uploads = storage.NewLocal(cfg.UploadDir, cfg.OutputDir)
	if err := a.uploads.EnsureDirs(); err != nil {
		return nil, err
	}
	a.writer = results.NewWriter(cfg.OutputDir)

	if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}

	converter, err := newConverter(cfg)
	if err != nil {
		return nil, err
	}
	if cc, ok := converter.(*pdf.CommandConverter); ok {
		if err := os.MkdirAll(cc.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create converter work dir: %w", err)
		}
	}

	service := pdf.NewService(
		pdf.Planner{Counter: pdf.PDFCPUCounter{}, MaxPagesPerChunk: cfg.MaxPagesPerChunk},
		pdf.NewInvoker(converter),
		logger.With().Str("component", "converter").Logger(),
	)

	a.manager, err = jobs.NewManager(jobs.Dependencies{
		Store:          a.store,
		Runner:         service,
		Writer:         a.writer,
		Files:          a.uploads,
		Logger:         logger.With().Str("component", "queue").Logger(),
		ObserverBuffer: cfg.ObserverBuffer,
	})
	if err != nil {
		return nil, err
	}

	var notifier *jobs.AsynqNotifier
	if cfg.NotifyRedisURL != "" {
		opt, err := asynq.ParseRedisURI(cfg.NotifyRedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse notify redis url: %w", err)
		}
		a.taskClient = asynq.NewClient(opt)
		notifier = jobs.NewAsynqNotifier(a.taskClient, cfg.RemoteWorkerQueue)
		a.manager.AddListener(notifier)

		if cfg.RemoteInboxDir != "" && cfg.RemoteWorkerEnable {
			a.taskServer = asynq.NewServer(opt, asynq.Config{
				Concurrency: 1,
				Queues:      map[string]int{cfg.RemoteWorkerQueue: 1},
			})
		}
	}

	if cfg.RemoteInboxDir != "" {
		if err := a.setupRemote(notifier != nil); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) setupRemote(viaQueue bool) error {
	inbox, err := remote.NewDirSource(a.cfg.RemoteInboxDir, a.cfg.RemoteDoneDir, a.cfg.RemoteResultsDir, a.logger)
	if err != nil {
		return err
	}
	a.inbox = inbox

	a.poller, err = remote.NewPoller(remote.Config{
		Source:      inbox,
		Tracker:     a.store,
		Submitter:   a.manager,
		Artifacts:   a.writer,
		Uploads:     a.uploads,
		Settings:    a.store,
		MaxFileSize: a.cfg.MaxFileSize,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}

	// 通知キューがない場合は完了時に直接書き戻す
	if !viaQueue {
		a.manager.AddListener(a.poller)
	}
	return nil
}

// startBackground はリモート取り込みと完了通知ワーカーを起動します。ctx が終わると止まります。
func (a *app) startBackground(ctx context.Context) {
	if a.taskServer != nil && a.poller != nil {
		mux := asynq.NewServeMux()
		mux.Handle(jobs.TaskTypeCompleted, a.poller)
		if err := a.taskServer.Start(mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("failed to start asynq server")
		}
	}

	if a.poller == nil {
		return
	}
	wake, err := a.inbox.Watch(ctx, 2*time.Second)
	if err != nil {
		a.logger.Warn().Err(err).Msg("inbox watcher unavailable, falling back to polling")
		wake = nil
	}
	go a.poller.Run(ctx, a.cfg.RemotePollInterval(), wake)
}

func (a *app) close() {
	if a.taskServer != nil {
		a.taskServer.Shutdown()
	}
	if a.taskClient != nil {
		_ = a.taskClient.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close job store")
		}
	}
}
