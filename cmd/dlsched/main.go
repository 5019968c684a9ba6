package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ytget/dlsched/internal/adaptive"
	"github.com/ytget/dlsched/internal/api"
	"github.com/ytget/dlsched/internal/config"
	"github.com/ytget/dlsched/internal/download"
	"github.com/ytget/dlsched/internal/logging"
	"github.com/ytget/dlsched/internal/model"
	"github.com/ytget/dlsched/internal/notify"
	"github.com/ytget/dlsched/internal/platform"
	"github.com/ytget/dlsched/internal/queue"
	"github.com/ytget/dlsched/internal/store"
)

// Version is set during build via -ldflags "-X main.version=X.Y.Z"
var version = "dev"

const (
	AppName = "dlsched"

	SampleInterval  = 5 * time.Second
	ShutdownTimeout = 10 * time.Second
)

type options struct {
	envFile  string
	dir      string
	parallel int
	apiAddr  string
	priority string
	serve    bool
}

func main() {
	fmt.Printf("%s v%s starting...\n", AppName, version)

	var opts options
	flag.StringVar(&opts.envFile, "env", "", "path to a .env file")
	flag.StringVar(&opts.dir, "dir", "", "download directory")
	flag.IntVar(&opts.parallel, "parallel", 0, "baseline parallel downloads")
	flag.StringVar(&opts.apiAddr, "api", "", "address of the HTTP API, empty disables it")
	flag.StringVar(&opts.priority, "priority", "normal", "priority of submitted URLs: low, normal, high, critical")
	flag.BoolVar(&opts.serve, "serve", false, "keep running after the submitted URLs finish")
	flag.Parse()

	if err := run(opts, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

func run(opts options, urls []string) (err error) {
	var files []string
	if opts.envFile != "" {
		files = append(files, opts.envFile)
	}
	settings, err := config.Load(files...)
	if err != nil {
		return err
	}
	if opts.dir != "" {
		settings.SetDownloadDirectory(opts.dir)
	}
	if opts.parallel > 0 {
		settings.SetMaxParallelDownloads(opts.parallel)
	}
	if opts.apiAddr != "" {
		settings.SetAPIAddr(opts.apiAddr)
	}
	priority, err := model.ParsePriority(opts.priority)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if settings.GetOTelEnabled() {
		shutdown, setupErr := logging.SetupOTelSDK(ctx, os.Stdout)
		if setupErr != nil {
			return fmt.Errorf("setup telemetry: %w", setupErr)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			err = errors.Join(err, shutdown(shutdownCtx))
		}()
		logger = logging.NewLogger(AppName)
	}
	slog.SetDefault(logger)

	downloadDir := settings.GetDownloadDirectory()
	if err := platform.CreateDirectoryIfNotExists(downloadDir); err != nil {
		return fmt.Errorf("failed to ensure downloads dir: %w", err)
	}

	st, closeStore, err := openStore(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	notifiers := notify.Multi{notify.NewLogNotifier(logger.With("component", "notify"))}
	if hook := settings.GetWebhookURL(); hook != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(hook, nil))
	}
	dispatcher := notify.NewDispatcher(notifiers, settings.GetNotifyBuffer(), logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := dispatcher.Close(closeCtx); err != nil {
			logger.Warn("notifications not flushed", "error", err)
		}
	}()

	q := queue.New(
		queue.WithConcurrency(settings.GetMaxParallelDownloads()),
		queue.WithCeiling(settings.GetParallelCeiling()),
		queue.WithLogger(logger.With("component", "queue")),
		queue.WithHooks(download.QueueHooks(dispatcher, st, logger.With("component", "queue"))),
	)
	controller := adaptive.NewController(settings.Adaptive(), settings.GetParallelCeiling(),
		platform.NewSystemSampler(), adaptive.WithLogger(logger.With("component", "adaptive")))
	transfer := download.NewRouter(download.NewHTTPTransfer(nil)).
		Handle(download.IsVideoPage, download.NewYTDLPTransfer())

	svc := download.NewService(q, controller, transfer,
		download.WithStore(st),
		download.WithNotifier(dispatcher),
		download.WithDedupCapacity(settings.GetDedupCapacity()),
		download.WithMaxBackoff(settings.GetMaxBackoff()),
		download.WithDownloadDir(downloadDir),
		download.WithLogger(logger.With("component", "download")),
	)
	if n, err := svc.Warm(ctx); err != nil {
		logger.Warn("dedup cache not warmed", "error", err)
	} else if n > 0 {
		logger.Info("dedup cache warmed", "entries", n)
	}

	if err := submit(ctx, svc, urls, priority, logger); err != nil {
		return err
	}

	go q.Run(ctx, settings.GetOptimizeInterval())
	go controller.Run(ctx, SampleInterval)

	addr := settings.GetAPIAddr()
	if addr != "" {
		server := api.NewServer(svc, logger.With("component", "api"))
		go func() {
			if err := server.ListenAndServe(ctx, addr); err != nil {
				logger.Error("api server stopped", "error", err)
				stop()
			}
		}()
		logger.Info("api listening", "addr", addr)
	}

	if opts.serve || addr != "" {
		svc.Run(ctx)
		return nil
	}

	if err := svc.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	svc.Wait()

	status := svc.Status()
	logger.Info("finished", "completed", status.Queue.Completed, "failed", status.Queue.Failed)
	if status.Queue.Failed > 0 {
		return fmt.Errorf("%d downloads failed", status.Queue.Failed)
	}
	return nil
}

func openStore(ctx context.Context, settings *config.Settings, logger *slog.Logger) (store.Store, func(), error) {
	dsn := settings.GetDatabaseURL()
	if dsn == "" {
		return store.NewMemoryStore(), func() {}, nil
	}

	pg, err := store.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	// records of a previous run that was interrupted mid-transfer
	if n, err := pg.ResetRunning(ctx); err != nil {
		logger.Warn("failed to reset running records", "error", err)
	} else if n > 0 {
		logger.Info("reset interrupted transfers", "count", n)
	}
	return pg, func() { pg.Close() }, nil
}

func submit(ctx context.Context, svc *download.Service, urls []string, priority model.Priority, logger *slog.Logger) error {
	expander := platform.NewPlaylistExpander(nil)
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		if platform.IsPlaylistURL(raw) {
			exp, err := expander.Expand(ctx, raw, priority)
			if err != nil {
				return err
			}
			tasks := make([]model.Task, 0, len(exp.Tasks))
			seen := make(map[string]struct{}, len(exp.Tasks))
			for _, task := range exp.Tasks {
				task.ID = download.StableID(task)
				if _, dup := seen[task.ID]; dup {
					continue
				}
				seen[task.ID] = struct{}{}
				tasks = append(tasks, task)
			}
			id, err := svc.SubmitBatch(exp.PlaylistID, exp.Title, tasks)
			if err != nil {
				return fmt.Errorf("submit playlist %s: %w", exp.PlaylistID, err)
			}
			logger.Info("playlist queued", "batch_id", id, "title", exp.Title, "tasks", len(tasks))
			continue
		}

		// ids follow the content so a rerun resumes what an interrupted run left
		task := model.NewTask(raw, priority)
		task.ID = download.StableID(task)
		if err := svc.Submit(task); err != nil {
			if errors.Is(err, queue.ErrDuplicateTask) {
				logger.Info("already queued", "task_id", task.ID, "url", raw)
				continue
			}
			return fmt.Errorf("submit %s: %w", raw, err)
		}
		logger.Info("queued", "task_id", task.ID, "url", raw)
	}
	return nil
}
