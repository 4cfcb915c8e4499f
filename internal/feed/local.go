package feed

import (
	"context"

	"gorm.io/gorm"
)

// Local 在进程内投递变更：Stage 不做事，Flush 负责分发。
// 需要会话内有序的调用方必须串行化同一会话的提交与 Flush（消息服务用会话锁保证）。
type Local struct {
	fan *fanout
}

func NewLocal(buffer int) *Local {
	return &Local{fan: newFanout(buffer)}
}

func (l *Local) Stage(tx *gorm.DB, changes ...Change) error { return nil }

func (l *Local) Flush(ctx context.Context, changes ...Change) {
	for _, c := range changes {
		l.fan.dispatch(c)
	}
}

func (l *Local) Subscribe(f Filter) *Subscription { return l.fan.subscribe(f) }

// Subscribers 返回当前订阅数。
func (l *Local) Subscribers() int { return l.fan.count() }

func (l *Local) Close() error {
	l.fan.close()
	return nil
}
