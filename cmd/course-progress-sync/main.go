// course-progress-sync serves viewing sessions that track learner progress
// through a course and keep it in sync with the course service.
//
// Environment Variables:
//
//	COURSE_API_URL                URL of the course service (required for serve)
//	COURSE_API_TOKEN              (optional) token used when a request carries none
//	PORT                          (optional) HTTP port (default: 8080)
//	LOG_LEVEL                     (optional) debug, info, warn, error
//	LOG_FORMAT                    (optional) json or console
//	PROGRESS_COMPLETION_THRESHOLD (optional) watched percentage that completes a video (default: 95)
//	SYNC_HEARTBEAT                (optional) minimum interval between progress pushes (default: 3s)
//	DATABASE_PATH                 (optional) SQLite file keeping undelivered updates
//
// Endpoints:
//
//	GET    /healthz
//	POST   /api/sessions
//	GET    /api/sessions/{id}
//	POST   /api/sessions/{id}/events
//	POST   /api/sessions/{id}/select
//	POST   /api/sessions/{id}/modules/{index}/toggle
//	POST   /api/sessions/{id}/complete
//	DELETE /api/sessions/{id}
//	POST   /api/courses/{courseId}/refresh
//	GET    /api/courses/{courseId}/dashboard
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/drallgood/course-progress-sync/internal/api/courseapi"
	"github.com/drallgood/course-progress-sync/internal/cache"
	"github.com/drallgood/course-progress-sync/internal/config"
	"github.com/drallgood/course-progress-sync/internal/database"
	"github.com/drallgood/course-progress-sync/internal/events"
	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/drallgood/course-progress-sync/internal/models"
	"github.com/drallgood/course-progress-sync/internal/replay"
	"github.com/drallgood/course-progress-sync/internal/server"
	psync "github.com/drallgood/course-progress-sync/internal/sync"
	"github.com/drallgood/course-progress-sync/internal/util"
	"github.com/drallgood/course-progress-sync/internal/viewer"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "course-progress-sync",
		Usage:   "Track course progress and unlock modules as learners complete them",
		Version: fmt.Sprintf("%s (%s) %s", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"CONFIG_PATH"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP service",
				Action: serve,
			},
			{
				Name:  "replay",
				Usage: "Replay recorded learner actions against a recorded course, offline",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "course",
						Usage:    "Recorded course structure (JSON `FILE`)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "progress",
						Usage: "Recorded progress (JSON `FILE`)",
					},
					&cli.StringFlag{
						Name:     "steps",
						Usage:    "Recorded learner actions (JSON `FILE`)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "course-id",
						Usage: "Course id, defaults to the id of the recorded course",
					},
					&cli.Float64Flag{
						Name:  "threshold",
						Usage: "Watched percentage that completes a video",
						Value: config.Default().Progress.CompletionThreshold,
					},
				},
				Action: runReplay,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Get().Error("Error running application", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Config) *logger.Logger {
	logger.Setup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	return logger.Get()
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := setupLogger(cfg)

	log.Info("Starting course-progress-sync", map[string]interface{}{
		"version":              version,
		"log_level":            cfg.Logging.Level,
		"course_api":           cfg.CourseAPI.URL,
		"completion_threshold": cfg.Progress.CompletionThreshold,
	})

	db, err := database.Open(cfg.Database.Path, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("Failed to close database", map[string]interface{}{"error": err.Error()})
		}
	}()
	outbox := database.NewOutbox(db, log)
	if pending, err := outbox.Count(c.Context); err == nil && pending > 0 {
		log.Info("Undelivered progress waiting for replay", map[string]interface{}{
			"entries": pending,
		})
	}

	limiter := util.NewRateLimiter(cfg.CourseAPI.Rate, cfg.CourseAPI.Burst, log)
	base := courseapi.NewClient(cfg.CourseAPI.URL, "",
		courseapi.WithTimeout(cfg.CourseAPI.Timeout),
		courseapi.WithRateLimiter(limiter),
		courseapi.WithCourseCache(cache.NewMemoryCache[string, *models.Course](log), cfg.CourseAPI.CacheTTL),
		courseapi.WithLogger(log),
	)

	bus := events.NewBus()
	sessions := viewer.NewManager(func(token string) courseapi.ClientInterface {
		return base.WithToken(token)
	}, sessionOptions(cfg, bus, outbox), log)

	srv := server.New(server.Options{
		Addr:          ":" + cfg.Server.Port,
		FallbackToken: cfg.CourseAPI.Token,
	}, sessions, bus, log)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received", nil)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	log.Info("Initiating graceful shutdown...", map[string]interface{}{
		"timeout": cfg.Server.ShutdownTimeout.String(),
	})
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("Shutdown completed", nil)
	return nil
}

func sessionOptions(cfg *config.Config, bus *events.Bus, outbox psync.Outbox) viewer.Options {
	return viewer.Options{
		Bus:                 bus,
		Outbox:              outbox,
		BucketSeconds:       cfg.Progress.BucketSeconds,
		CompletionThreshold: cfg.Progress.CompletionThreshold,
		Sync: psync.Config{
			Heartbeat:      cfg.Sync.Heartbeat,
			SeekThreshold:  cfg.Sync.SeekThresholdSeconds,
			ErrorCooldown:  cfg.Sync.ErrorCooldown,
			RequestTimeout: cfg.CourseAPI.Timeout,
		},
		FlushTimeout: cfg.Sync.FlushTimeout,
		NoticeTTL:    cfg.Viewer.NoticeTTL,
	}
}

func runReplay(c *cli.Context) error {
	cfg := config.Default()
	cfg.Logging.Format = "console"
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	log := setupLogger(cfg)

	courseData, err := os.ReadFile(c.String("course"))
	if err != nil {
		return fmt.Errorf("failed to read course file: %w", err)
	}
	var progressData []byte
	if path := c.String("progress"); path != "" {
		if progressData, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("failed to read progress file: %w", err)
		}
	}
	stepData, err := os.ReadFile(c.String("steps"))
	if err != nil {
		return fmt.Errorf("failed to read steps file: %w", err)
	}
	steps, err := replay.LoadSteps(stepData)
	if err != nil {
		return err
	}

	client, err := courseapi.NewOfflineClient(courseData, progressData)
	if err != nil {
		return err
	}
	courseID := c.String("course-id")
	if courseID == "" {
		course, err := client.FetchCourse(c.Context, "")
		if err != nil {
			return err
		}
		courseID = course.ID
	}

	cfg.Progress.CompletionThreshold = c.Float64("threshold")
	opts := sessionOptions(cfg, nil, nil)

	result, err := replay.NewRunner(client, opts, log).Run(c.Context, courseID, steps)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
