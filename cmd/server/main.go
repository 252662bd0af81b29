package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/Asdafers/contenitzer-sub000/internal/client"
	"github.com/Asdafers/contenitzer-sub000/internal/config"
	"github.com/Asdafers/contenitzer-sub000/internal/handler"
	"github.com/Asdafers/contenitzer-sub000/internal/middleware"
	"github.com/Asdafers/contenitzer-sub000/internal/progress"
	"github.com/Asdafers/contenitzer-sub000/internal/queue"
	"github.com/Asdafers/contenitzer-sub000/internal/session"
	"github.com/Asdafers/contenitzer-sub000/internal/store"
	"github.com/Asdafers/contenitzer-sub000/internal/worker"
	"github.com/Asdafers/contenitzer-sub000/internal/workflow"
	"github.com/Asdafers/contenitzer-sub000/internal/ws"
	"github.com/Asdafers/contenitzer-sub000/pkg/logger"
	"github.com/Asdafers/contenitzer-sub000/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.SetLevel(cfg.Server.LogLevel)
	log := logger.Component("server")

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(rootCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not reachable at startup")
	}

	st := store.NewRedisStore(redisClient)
	taskQueue := queue.New(st, cfg.Queue.TaskTTL, cfg.Queue.MaxRetries)
	bus := progress.NewBus(st, cfg.Progress.EventTTL, cfg.Progress.BacklogSize)
	sessions := session.NewService(st, cfg.Session.TTL)
	jobs := workflow.NewJobStore(st, cfg.Queue.TaskTTL)

	// External collaborators. Unconfigured clients make the workers run
	// their mock pipelines instead.
	llmClient := client.NewLLMClient(&cfg.LLM)
	mediaClient := client.NewMediaClient(&cfg.Media)
	composerClient := client.NewComposerClient(&cfg.Composer)

	taskHandlers := &worker.Handlers{
		LLM:           llmClient,
		Media:         mediaClient,
		Composer:      composerClient,
		MockStepDelay: 500 * time.Millisecond,
	}
	pool := worker.NewPool(taskQueue, bus, taskHandlers.Table(),
		cfg.Worker.PoolSize, cfg.Worker.IdleBackoff, cfg.Worker.BackoffBase)
	go pool.Run(rootCtx)

	driver := workflow.NewDriver(jobs, taskQueue, bus, pool, workflow.DriverOptions{
		PollInterval:   cfg.Progress.PollInterval,
		StageMaxWait:   cfg.Progress.StageMaxWait,
		StaleThreshold: cfg.Queue.StaleThreshold,
	})

	// Recovery sweep for tasks and jobs orphaned by dead workers/drivers.
	sweeper := cron.New()
	sweeper.Schedule(cron.Every(cfg.Progress.SweepEvery), cron.FuncJob(func() {
		driver.Sweep(rootCtx)
	}))
	sweeper.Start()
	defer sweeper.Stop()

	hub := ws.NewHub(sessions, bus, ws.DeliveryMode(cfg.Progress.DeliveryMode),
		cfg.Progress.PollInterval, cfg.Progress.BacklogSize)
	go hub.Run(rootCtx)

	validate := validator.New()
	sessionHandler := handler.NewSessionHandler(sessions)
	taskHandler := handler.NewTaskHandler(taskQueue, bus, pool, sessions, validate)
	videoHandler := handler.NewVideoHandler(driver, jobs, sessions, validate)
	progressHandler := handler.NewProgressHandler(bus)

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		redisStatus := "ok"
		if err := redisClient.Ping(c.Context()).Err(); err != nil {
			redisStatus = "unavailable"
		}
		return c.JSON(fiber.Map{
			"status": "ok",
			"redis":  redisStatus,
			"collaborators": fiber.Map{
				"llm":      llmClient.IsConfigured(),
				"media":    mediaClient.IsConfigured(),
				"composer": composerClient.IsConfigured(),
			},
		})
	})

	api := app.Group("/api", authMiddleware.Authenticate())

	api.Post("/sessions", sessionHandler.Create)
	api.Get("/sessions/:sessionId", sessionHandler.Get)
	api.Get("/sessions/:sessionId/events", progressHandler.SessionEvents)
	api.Post("/sessions/:sessionId/events/read", progressHandler.MarkSessionRead)
	api.Delete("/sessions/:sessionId/events", progressHandler.ClearSession)
	api.Post("/events/:eventId/read", progressHandler.MarkRead)

	tasks := api.Group("/tasks")
	tasks.Post("/", rateLimiter.TaskLimit(cfg.RateLimit.TasksPerMin), taskHandler.Submit)
	tasks.Get("/", taskHandler.List)
	tasks.Get("/:taskId", taskHandler.Get)
	tasks.Get("/:taskId/events", taskHandler.Events)
	tasks.Post("/:taskId/cancel", taskHandler.Cancel)
	tasks.Post("/:taskId/retry", taskHandler.Retry)

	videos := api.Group("/videos")
	videos.Post("/generate", rateLimiter.VideoLimit(cfg.RateLimit.VideosPerHour), videoHandler.Generate)
	videos.Get("/", videoHandler.List)
	videos.Get("/:jobId/status", videoHandler.Status)
	videos.Post("/:jobId/cancel", videoHandler.Cancel)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/sessions/:sessionId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(rootCtx, c, c.Params("sessionId"))
	}))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutting down")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info().Str("addr", addr).Str("env", cfg.Server.Env).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}
	return response.Error(c, code, response.CodeServiceError, message, nil)
}
