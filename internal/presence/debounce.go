package presence

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Debouncer 把按键转换成输入状态信号：首次按键立即发送 true，持续输入时每个刷新周期
// 重发 true 以免对端 TTL 过期，空闲超时或调用 Sent 时发送 false。
//
// send 在持锁状态下调用，不能回调 Debouncer。
type Debouncer struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	idle     time.Duration
	refresh  time.Duration
	send     func(isTyping bool)
	typing   bool
	lastSent time.Time
	deadline time.Time
	timer    clockwork.Timer
}

func NewDebouncer(clock clockwork.Clock, idle, refresh time.Duration, send func(isTyping bool)) *Debouncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if idle <= 0 {
		idle = 2 * time.Second
	}
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	return &Debouncer{clock: clock, idle: idle, refresh: refresh, send: send}
}

func (d *Debouncer) Keystroke() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	if !d.typing || now.Sub(d.lastSent) >= d.refresh {
		d.typing = true
		d.lastSent = now
		d.send(true)
	}
	d.deadline = now.Add(d.idle)
	if d.timer == nil {
		d.timer = d.clock.AfterFunc(d.idle, d.expire)
		return
	}
	d.timer.Reset(d.idle)
}

// Sent 立即结束本轮输入，消息发出后调用。
func (d *Debouncer) Sent() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.stop()
}

// Typing 返回最近一次发送的信号是否为 true。
func (d *Debouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

func (d *Debouncer) expire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	// A keystroke may have re-armed the timer while this call waited.
	if d.clock.Now().Before(d.deadline) {
		return
	}
	d.stop()
}

func (d *Debouncer) stop() {
	if d.typing {
		d.typing = false
		d.send(false)
	}
}
