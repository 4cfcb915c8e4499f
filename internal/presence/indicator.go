// Package presence 在两端跟踪输入状态：Indicator 让对端信号按时过期，Debouncer 节流本地信号。
package presence

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type typer struct {
	name  string
	since time.Time
	seen  time.Time
}

// Indicator 按本地到达时间记录对端的输入信号，TTL 内未刷新即失效，
// 对端中途断线也不会一直显示正在输入。
type Indicator struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	ttl    time.Duration
	typers map[uint]typer
}

func NewIndicator(clock clockwork.Clock, ttl time.Duration) *Indicator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = 4 * time.Second
	}
	return &Indicator{clock: clock, ttl: ttl, typers: make(map[uint]typer)}
}

// Observe 记录 userID 的输入信号。
func (i *Indicator) Observe(userID uint, name string, isTyping bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !isTyping {
		delete(i.typers, userID)
		return
	}
	now := i.clock.Now()
	t, ok := i.typers[userID]
	if !ok || i.expired(t, now) {
		t = typer{since: now}
	}
	t.name = name
	t.seen = now
	i.typers[userID] = t
}

// Forget 移除 userID，例如其消息已经到达时。
func (i *Indicator) Forget(userID uint) {
	i.mu.Lock()
	delete(i.typers, userID)
	i.mu.Unlock()
}

// Active 返回正在输入的用户名，先开始的在前。
func (i *Indicator) Active() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.clock.Now()
	type entry struct {
		id uint
		t  typer
	}
	live := make([]entry, 0, len(i.typers))
	for id, t := range i.typers {
		if i.expired(t, now) {
			delete(i.typers, id)
			continue
		}
		live = append(live, entry{id: id, t: t})
	}
	sort.Slice(live, func(a, b int) bool {
		if !live[a].t.since.Equal(live[b].t.since) {
			return live[a].t.since.Before(live[b].t.since)
		}
		return live[a].id < live[b].id
	})
	names := make([]string, len(live))
	for n, e := range live {
		names[n] = e.t.name
	}
	return names
}

// Text 把 Active 渲染为 "A is typing" 或 "A, B are typing"，无人输入时返回 ""。
func (i *Indicator) Text() string {
	names := i.Active()
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing"
	default:
		return strings.Join(names, ", ") + " are typing"
	}
}

func (i *Indicator) expired(t typer, now time.Time) bool {
	return !now.Before(t.seen.Add(i.ttl))
}
