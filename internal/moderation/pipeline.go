package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/apperr"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/config"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/metrics"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type job struct {
	messageID uint
	body      string
}

// Pipeline 在有界的 worker 池上执行分析。提交从不阻塞发送方：队列满时消息保持待分析。
// 分类器出错同样保持待分析；只有解析成功或取默认值的结果才会以 upsert 写入，
// 重复分析也只保留一行。
type Pipeline struct {
	db      *gorm.DB
	oracle  Oracle
	breaker *gobreaker.CircuitBreaker
	clock   clockwork.Clock
	timeout time.Duration
	workers int
	queue   chan job
}

// NewPipeline 基于 oracle 构建审核流水线，oracle 为 nil 时完全关闭分析。
func NewPipeline(db *gorm.DB, oracle Oracle, cfg config.ModerationConfig, clock clockwork.Clock) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	failures := cfg.BreakerFailures
	if failures <= 0 {
		failures = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "moderation-oracle",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("oracle circuit state changed")
		},
	})

	return &Pipeline{
		db:      db,
		oracle:  oracle,
		breaker: breaker,
		clock:   clock,
		timeout: timeout,
		workers: workers,
		queue:   make(chan job, queueSize),
	}
}

func (p *Pipeline) Enabled() bool { return p.oracle != nil }

// Submit 把消息放入分析队列，返回是否被接收。
func (p *Pipeline) Submit(messageID uint, body string) bool {
	if p.oracle == nil {
		return false
	}
	select {
	case p.queue <- job{messageID: messageID, body: body}:
		metrics.ModerationQueueDepth.Set(float64(len(p.queue)))
		return true
	default:
		metrics.ModerationResults.WithLabelValues("dropped").Inc()
		return false
	}
}

// Run 持续处理队列直到 ctx 结束，进行中的分析也随 ctx 取消。
func (p *Pipeline) Run(ctx context.Context) error {
	if p.oracle == nil {
		<-ctx.Done()
		return nil
	}
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (p *Pipeline) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			metrics.ModerationQueueDepth.Set(float64(len(p.queue)))
			p.process(ctx, j)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Uint("message_id", j.messageID).Msg("moderation worker panicked")
		}
	}()
	if _, err := p.Analyze(ctx, j.messageID, j.body); err != nil {
		log.Warn().Err(err).Uint("message_id", j.messageID).Msg("analysis failed, message left pending")
	}
}

// Analyze 分析单条消息并保存结果。无法解析的输出保存为默认标注，分类器出错则不保存。
func (p *Pipeline) Analyze(ctx context.Context, messageID uint, body string) (*models.Analysis, error) {
	if p.oracle == nil {
		return nil, ErrDisabled
	}
	raw, err := p.classify(ctx, body)
	if err != nil {
		metrics.ModerationResults.WithLabelValues("oracle_error").Inc()
		return nil, err
	}

	res, ok := Parse(raw)
	if !ok {
		log.Warn().Uint("message_id", messageID).Msg("oracle answer has no JSON object, storing defaults")
		metrics.ModerationResults.WithLabelValues("defaulted").Inc()
	}
	row := res.Row(messageID, p.clock.Now().UTC().Truncate(time.Microsecond))
	err = p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		metrics.ModerationResults.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("store analysis of message %d: %w", messageID, err)
	}
	if ok {
		metrics.ModerationResults.WithLabelValues("analyzed").Inc()
	}
	if row.IsFlagged {
		log.Info().Uint("message_id", messageID).Str("threat_level", row.ThreatLevel).Str("reason", row.FlagReason).Msg("message flagged")
	}
	return &row, nil
}

func (p *Pipeline) classify(ctx context.Context, body string) (string, error) {
	start := time.Now()
	out, err := p.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		text, err := p.oracle.Classify(cctx, Instruction, body)
		return text, err
	})
	metrics.OracleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
		}
		return "", fmt.Errorf("classify: %w", apperr.Wrap(apperr.CodeUnavailable, "moderation oracle failed", err))
	}
	return out.(string), nil
}

// RetryPending 重新提交近期未删除且尚无标注的消息，返回入队数量。
func (p *Pipeline) RetryPending(ctx context.Context, window time.Duration) (int, error) {
	if p.oracle == nil {
		return 0, nil
	}
	room := cap(p.queue) - len(p.queue)
	if room <= 0 {
		return 0, nil
	}
	cutoff := p.clock.Now().UTC().Add(-window)
	var pending []models.Message
	err := p.db.WithContext(ctx).Table("messages AS m").
		Select("m.id, m.body").
		Joins("LEFT JOIN message_analyses AS a ON a.message_id = m.id").
		Where("a.message_id IS NULL AND m.is_deleted = ? AND m.created_at > ?", false, cutoff).
		Order("m.id").
		Limit(room).
		Scan(&pending).Error
	if err != nil {
		return 0, fmt.Errorf("find pending analyses: %w", err)
	}
	queued := 0
	for _, m := range pending {
		if !p.Submit(m.ID, m.Body) {
			break
		}
		queued++
	}
	return queued, nil
}
