package service

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type options struct {
	clock clockwork.Clock
}

type Option func(*options)

// WithClock 替换系统时钟，测试中注入假时钟。
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: clockwork.NewRealClock()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// storeTime 统一时间戳写入精度。
func storeTime(c clockwork.Clock) time.Time {
	return c.Now().UTC().Truncate(time.Microsecond)
}

// keyedMutex 为每个会话分配一把锁，无人持有或等待时释放。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uint]*refMutex)}
}

func (k *keyedMutex) Lock(key uint) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
