package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/feed"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/metrics"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
	"github.com/rs/zerolog/log"
)

const (
	defaultClientBuffer = 64
	resolveTimeout      = 5 * time.Second
)

// Resolver 把原始变更转换成客户端看到的事件。
type Resolver interface {
	ResolveEvent(ctx context.Context, c feed.Change) (*service.Event, error)
}

// Hub 管理会话级别的子 Hub，实现延迟创建与并发安全。
// 首个 Subscribe 时创建 ChatHub，最后一个 Close 时销毁；无论多少客户端在看，
// 每个会话在进程内只占一个 feed 订阅。
type Hub struct {
	mu       sync.Mutex
	feed     feed.Feed
	resolver Resolver
	chats    map[uint]*ChatHub
	buffer   int
}

func NewHub(f feed.Feed, resolver Resolver) *Hub {
	return &Hub{feed: f, resolver: resolver, chats: make(map[uint]*ChatHub), buffer: defaultClientBuffer}
}

// Subscribe 为 chatID 注册一个新的监听者，调用方负责 Close。
func (h *Hub) Subscribe(chatID uint) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.chats[chatID]
	if ch == nil {
		ch = newChatHub(h, chatID)
		h.chats[chatID] = ch
		metrics.ActiveChatHubs.Inc()
		go ch.run()
	}
	s := &Subscriber{chat: ch, ch: make(chan service.Event, h.buffer)}
	s.C = s.ch
	ch.add(s)
	return s
}

func (h *Hub) Online(chatID uint) int {
	h.mu.Lock()
	ch := h.chats[chatID]
	h.mu.Unlock()
	if ch == nil {
		return 0
	}
	return ch.Online()
}

// Chats 返回当前有订阅者的会话数量。
func (h *Hub) Chats() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chats)
}

func (h *Hub) release(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := s.chat
	if ch.remove(s) > 0 {
		return
	}
	if h.chats[ch.chatID] == ch {
		delete(h.chats, ch.chatID)
		metrics.ActiveChatHubs.Dec()
	}
	ch.sub.Close()
}

// Subscriber 通过 C 接收单个会话的事件。Close 时关闭 C；消费过慢时也会被提前关闭，
// 客户端此时应重连并重新加载历史。
type Subscriber struct {
	C      <-chan service.Event
	ch     chan service.Event
	chat   *ChatHub
	closed bool
	once   sync.Once
}

func (s *Subscriber) Close() {
	s.once.Do(func() { s.chat.hub.release(s) })
}

type ChatHub struct {
	chatID  uint
	hub     *Hub
	sub     *feed.Subscription
	mu      sync.Mutex
	clients map[*Subscriber]struct{}
	online  int32
}

func newChatHub(h *Hub, chatID uint) *ChatHub {
	return &ChatHub{
		chatID:  chatID,
		hub:     h,
		sub:     h.feed.Subscribe(feed.Filter{ChatID: chatID}),
		clients: make(map[*Subscriber]struct{}),
	}
}

func (ch *ChatHub) add(s *Subscriber) {
	ch.mu.Lock()
	ch.clients[s] = struct{}{}
	atomic.StoreInt32(&ch.online, int32(len(ch.clients)))
	ch.mu.Unlock()
}

// remove 移除 s 并返回剩余订阅者数量。
func (ch *ChatHub) remove(s *Subscriber) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.clients, s)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	atomic.StoreInt32(&ch.online, int32(len(ch.clients)))
	return len(ch.clients)
}

// run 按到达顺序解析变更，会话内每个客户端看到的事件顺序与存储提交顺序一致。
func (ch *ChatHub) run() {
	for c := range ch.sub.C {
		ev, err := ch.resolve(c)
		if err != nil {
			// 事件丢失，通知客户端从存储重新加载。
			log.Warn().Err(err).Uint("chat_id", ch.chatID).Str("table", c.Table).Uint("row_id", c.RowID).Msg("resolve change")
			ch.broadcast(service.Event{Type: service.EventResync, ChatID: ch.chatID})
			continue
		}
		if ev == nil {
			continue
		}
		if ev.ChatID == 0 {
			ev.ChatID = ch.chatID
		}
		ch.broadcast(*ev)
	}
}

func (ch *ChatHub) resolve(c feed.Change) (*service.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	return ch.hub.resolver.ResolveEvent(ctx, c)
}

func (ch *ChatHub) broadcast(ev service.Event) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for s := range ch.clients {
		select {
		case s.ch <- ev:
		default:
			// 消费太慢：关闭连接，由客户端重新加载。
			delete(ch.clients, s)
			s.closed = true
			close(s.ch)
			metrics.SubscriberDrops.Inc()
		}
	}
	atomic.StoreInt32(&ch.online, int32(len(ch.clients)))
}

// Online 返回会话在线订阅者数量，供 REST 接口复用。
func (ch *ChatHub) Online() int { return int(atomic.LoadInt32(&ch.online)) }
