// Package scheduler 运行周期性维护任务：清理输入状态，以及（开启时）重新提交待分析的消息。
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/config"
	"github.com/rs/zerolog/log"
)

const jobTimeout = 30 * time.Second

type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type Retrier interface {
	RetryPending(ctx context.Context, window time.Duration) (int, error)
}

type Scheduler struct {
	s gocron.Scheduler
}

// New 注册任务。retrier 可以为 nil；未设置 moderation.retry_pending 时同样跳过。
func New(cfg config.Config, typing Sweeper, retrier Retrier, opts ...gocron.SchedulerOption) (*Scheduler, error) {
	opts = append([]gocron.SchedulerOption{
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(zerologAdapter{}),
	}, opts...)
	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	if err := addJob(s, "typing-sweep", cfg.Messaging.TypingSweep, func(ctx context.Context) {
		n, err := typing.Sweep(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("typing sweep")
			return
		}
		if n > 0 {
			log.Debug().Int64("rows", n).Msg("typing sweep")
		}
	}); err != nil {
		return nil, err
	}

	if retrier != nil && cfg.Moderation.RetryPending {
		window := cfg.Moderation.RetryWindow
		if err := addJob(s, "moderation-retry", cfg.Moderation.RetryInterval, func(ctx context.Context) {
			n, err := retrier.RetryPending(ctx, window)
			if err != nil {
				log.Warn().Err(err).Msg("retry pending analyses")
				return
			}
			if n > 0 {
				log.Info().Int("queued", n).Msg("retry pending analyses")
			}
		}); err != nil {
			return nil, err
		}
	}
	return &Scheduler{s: s}, nil
}

func addJob(s gocron.Scheduler, name string, every time.Duration, fn func(ctx context.Context)) error {
	_, err := s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			fn(ctx)
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule job %q: %w", name, err)
	}
	log.Info().Str("job", name).Dur("every", every).Msg("job scheduled")
	return nil
}

// Jobs 返回已注册的任务名。
func (s *Scheduler) Jobs() []string {
	jobs := s.s.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}

// Run 启动任务，ctx 结束时停止。
func (s *Scheduler) Run(ctx context.Context) error {
	s.s.Start()
	<-ctx.Done()
	if err := s.s.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

// zerologAdapter satisfies gocron.Logger.
type zerologAdapter struct{}

func (zerologAdapter) Debug(msg string, args ...any) { log.Debug().Fields(args).Msg(msg) }

func (zerologAdapter) Error(msg string, args ...any) { log.Error().Fields(args).Msg(msg) }

func (zerologAdapter) Info(msg string, args ...any) { log.Info().Fields(args).Msg(msg) }

func (zerologAdapter) Warn(msg string, args ...any) { log.Warn().Fields(args).Msg(msg) }
