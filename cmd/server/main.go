package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/config"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/db"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/feed"
	clog "github.com/gowdashreyas493-oss/skillspark-placement/internal/log"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/moderation"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/mw"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/scheduler"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/server"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/ws"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	shutdownTimeout = 10 * time.Second
	limiterIdleTTL  = 2 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("validate config")
	}
	clog.Init(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	gdb, err := db.Connect(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	var f feed.Feed
	switch cfg.Messaging.Feed {
	case "postgres":
		pf, err := feed.NewPostgres(cfg.Database.DSN, cfg.Messaging.FeedChannel, cfg.Messaging.SubscriberBuffer)
		if err != nil {
			return err
		}
		g.Go(func() error { return pf.Run(ctx) })
		f = pf
	default:
		f = feed.NewLocal(cfg.Messaging.SubscriberBuffer)
	}
	defer f.Close()

	oracle, err := newOracle(ctx, cfg.Moderation)
	if err != nil {
		return err
	}
	pipeline := moderation.NewPipeline(gdb, oracle, cfg.Moderation, clockwork.NewRealClock())

	users := service.NewUserService(gdb)
	chats := service.NewChatService(gdb, f)
	messages := service.NewMessageService(gdb, f, pipeline, cfg.Messaging)
	typing := service.NewTypingService(gdb, f, cfg.Messaging)
	analytics := service.NewAnalyticsService(gdb)
	hub := ws.NewHub(f, messages)
	limiter := mw.NewRateLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst, limiterIdleTTL)

	var retrier scheduler.Retrier
	if pipeline.Enabled() {
		retrier = pipeline
	}
	sched, err := scheduler.New(cfg, typing, retrier)
	if err != nil {
		return err
	}

	r := server.SetupRouter(cfg, server.Deps{
		Feed:        f,
		Hub:         hub,
		Users:       users,
		Chats:       chats,
		Messages:    messages,
		Typing:      typing,
		Analytics:   analytics,
		Analyzer:    pipeline,
		RateLimiter: limiter,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error { return pipeline.Run(ctx) })
	g.Go(func() error { return limiter.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("feed", cfg.Messaging.Feed).Str("moderation", cfg.Moderation.Provider).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newOracle 在关闭审核时返回 nil。
func newOracle(ctx context.Context, cfg config.ModerationConfig) (moderation.Oracle, error) {
	switch cfg.Provider {
	case "openai":
		return moderation.NewOpenAIOracle(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case "gemini":
		return moderation.NewGeminiOracle(ctx, cfg.APIKey, cfg.Model)
	default:
		return nil, nil
	}
}
