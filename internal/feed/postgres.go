package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Postgres 在写事务内用 pg_notify 发布变更，并通过独立的 LISTEN 连接接收。
// 共享同一数据库的所有服务进程都按提交顺序收到通知。
type Postgres struct {
	channel  string
	listener *pq.Listener
	fan      *fanout
}

func NewPostgres(dsn, channel string, buffer int) (*Postgres, error) {
	if channel == "" {
		return nil, errors.New("feed: notify channel is required")
	}
	p := &Postgres{channel: channel, fan: newFanout(buffer)}
	p.listener = pq.NewListener(dsn, 500*time.Millisecond, 30*time.Second, p.onEvent)
	if err := p.listener.Listen(channel); err != nil {
		_ = p.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return p, nil
}

func (p *Postgres) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		log.Warn().Err(err).Str("channel", p.channel).Msg("feed listener disconnected")
	case pq.ListenerEventReconnected:
		log.Info().Str("channel", p.channel).Msg("feed listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		log.Warn().Err(err).Str("channel", p.channel).Msg("feed listener reconnect failed")
	}
}

func (p *Postgres) Stage(tx *gorm.DB, changes ...Change) error {
	for _, c := range changes {
		payload, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := tx.Exec("SELECT pg_notify(?, ?)", p.channel, string(payload)).Error; err != nil {
			return fmt.Errorf("notify %s: %w", c.Table, err)
		}
	}
	return nil
}

func (p *Postgres) Flush(ctx context.Context, changes ...Change) {}

func (p *Postgres) Subscribe(f Filter) *Subscription { return p.fan.subscribe(f) }

// Run 持续分发通知直到 ctx 取消。收到 nil 通知说明监听连接重连过、可能丢了事件，
// 此时通知所有订阅者 resync。
func (p *Postgres) Run(ctx context.Context) error {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-p.listener.Notify:
			if !ok {
				return errors.New("feed: listener closed")
			}
			if n == nil {
				p.fan.broadcastResync()
				continue
			}
			var c Change
			if err := json.Unmarshal([]byte(n.Extra), &c); err != nil {
				log.Warn().Err(err).Str("channel", p.channel).Msg("feed: bad notification payload")
				continue
			}
			p.fan.dispatch(c)
		case <-ping.C:
			if err := p.listener.Ping(); err != nil {
				log.Warn().Err(err).Str("channel", p.channel).Msg("feed listener ping")
			}
		}
	}
}

func (p *Postgres) Close() error {
	p.fan.close()
	return p.listener.Close()
}
