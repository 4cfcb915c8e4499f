package feed

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/metrics"
)

// Subscription 在 Close 之前通过 C 接收匹配的变更。投递从不阻塞发布方：
// 缓冲区满的订阅者会错过该变更，并在下一条之前先收到 resync。
type Subscription struct {
	ID     uuid.UUID
	C      <-chan Change
	filter Filter

	mu     sync.Mutex
	ch     chan Change
	lagged bool
	closed bool
	owner  *fanout
}

func (s *Subscription) Close() {
	s.owner.remove(s)
}

func (s *Subscription) deliver(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.lagged {
		select {
		case s.ch <- resync(c.At):
			s.lagged = false
		default:
			metrics.SubscriberDrops.Inc()
			return
		}
	}
	select {
	case s.ch <- c:
	default:
		s.lagged = true
		metrics.SubscriberDrops.Inc()
	}
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type fanout struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	buffer int
	closed bool
}

func newFanout(buffer int) *fanout {
	if buffer <= 0 {
		buffer = 64
	}
	return &fanout{subs: make(map[uuid.UUID]*Subscription), buffer: buffer}
}

func (f *fanout) subscribe(filter Filter) *Subscription {
	ch := make(chan Change, f.buffer)
	s := &Subscription{ID: uuid.New(), C: ch, ch: ch, filter: filter, owner: f}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		s.closed = true
		close(ch)
		return s
	}
	f.subs[s.ID] = s
	return s
}

func (f *fanout) remove(s *Subscription) {
	f.mu.Lock()
	delete(f.subs, s.ID)
	f.mu.Unlock()
	s.shutdown()
}

func (f *fanout) dispatch(c Change) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if s.filter.Match(c) {
			s.deliver(c)
		}
	}
}

// broadcastResync 把所有订阅者标记为已丢失事件。
func (f *fanout) broadcastResync() {
	f.dispatch(resync(time.Now().UTC()))
}

func (f *fanout) close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[uuid.UUID]*Subscription)
	f.closed = true
	f.mu.Unlock()
	for _, s := range subs {
		s.shutdown()
	}
}

func (f *fanout) count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
