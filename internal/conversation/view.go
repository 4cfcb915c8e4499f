// Package conversation 维护客户端打开的单个会话状态：有序消息列表、草稿与输入提示。
package conversation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/presence"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const signalTimeout = 5 * time.Second

type Options struct {
	Clock      clockwork.Clock
	TypingTTL  time.Duration
	TypingIdle time.Duration
	PageSize   int
	// OnChange 在可见状态变化后调用，运行在产生变化的 goroutine 上，不能阻塞。
	OnChange func()
}

// View 是单个用户看单个会话的窗口。
type View struct {
	backend   Backend
	chatID    uint
	selfID    uint
	pageSize  int
	onChange  func()
	indicator *presence.Indicator
	debounce  *presence.Debouncer

	mu       sync.Mutex
	messages []service.MessageDTO
	ids      map[uint]struct{}
	draft    string
	stream   Stream
	done     chan struct{}
	// fresh 收集 reload 期间到达的消息，reload 结束后与历史页合并。
	fresh   map[uint]service.MessageDTO
	reloads int
}

func New(backend Backend, chatID, selfID uint, opts Options) *View {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 4 * time.Second
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = 2 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	v := &View{
		backend:   backend,
		chatID:    chatID,
		selfID:    selfID,
		pageSize:  opts.PageSize,
		onChange:  opts.OnChange,
		indicator: presence.NewIndicator(opts.Clock, opts.TypingTTL),
		ids:       make(map[uint]struct{}),
	}
	v.debounce = presence.NewDebouncer(opts.Clock, opts.TypingIdle, opts.TypingTTL/2, v.signalTyping)
	return v
}

// Open 先订阅再加载历史，两者之间不会漏消息，重叠部分按 id 去重。
func (v *View) Open(ctx context.Context) error {
	stream, err := v.backend.Subscribe(ctx, v.chatID)
	if err != nil {
		return err
	}
	if err := v.reload(ctx); err != nil {
		_ = stream.Close()
		return err
	}
	done := make(chan struct{})
	v.mu.Lock()
	v.stream, v.done = stream, done
	v.mu.Unlock()
	go v.consume(stream, done)
	return nil
}

// Done 在实时流结束时关闭，重新调用 Open 即可恢复。
func (v *View) Done() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.done
}

// Close 取消订阅，已提交的分析在服务端继续执行。
func (v *View) Close() error {
	v.debounce.Sent()
	v.mu.Lock()
	stream := v.stream
	v.stream = nil
	v.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.Close()
}

func (v *View) consume(stream Stream, done chan struct{}) {
	defer close(done)
	for ev := range stream.Events() {
		v.Apply(context.Background(), ev)
	}
}

// Apply 把一条实时事件合并进视图。
func (v *View) Apply(ctx context.Context, ev service.Event) {
	switch ev.Type {
	case service.EventMessage:
		if ev.Message == nil {
			return
		}
		v.indicator.Forget(ev.Message.SenderID)
		v.mu.Lock()
		added := v.add(*ev.Message)
		v.mu.Unlock()
		if !added {
			return
		}
		if ev.Message.SenderID != v.selfID {
			v.markRead(ctx)
		}
	case service.EventMessageDeleted:
		v.mu.Lock()
		removed := v.remove(ev.MessageID)
		v.mu.Unlock()
		if !removed {
			return
		}
	case service.EventTyping:
		if ev.Typing == nil || ev.Typing.UserID == v.selfID {
			return
		}
		v.indicator.Observe(ev.Typing.UserID, ev.Typing.Username, ev.Typing.IsTyping)
	case service.EventResync:
		if err := v.reload(ctx); err != nil {
			log.Warn().Err(err).Uint("chat_id", v.chatID).Msg("reload after resync")
			return
		}
	default:
		return
	}
	v.changed()
}

// Messages 按会话顺序返回可见消息的副本。
func (v *View) Messages() []service.MessageDTO {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]service.MessageDTO(nil), v.messages...)
}

// LoadOlder 加载最早一条消息之前的一页，返回新增的消息数。
func (v *View) LoadOlder(ctx context.Context) (int, error) {
	v.mu.Lock()
	var oldest uint
	if len(v.messages) > 0 {
		oldest = v.messages[0].ID
	}
	v.mu.Unlock()
	if oldest == 0 {
		return 0, nil
	}
	page, err := v.backend.History(ctx, v.chatID, oldest, v.pageSize)
	if err != nil {
		return 0, err
	}
	n := 0
	v.mu.Lock()
	for _, m := range page {
		if v.insert(m) {
			n++
		}
	}
	v.mu.Unlock()
	if n > 0 {
		v.changed()
	}
	return n, nil
}

func (v *View) Draft() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.draft
}

// SetDraft 随输入更新草稿，并驱动上报的输入状态。
func (v *View) SetDraft(text string) {
	v.mu.Lock()
	v.draft = text
	v.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		v.debounce.Sent()
		return
	}
	v.debounce.Keystroke()
}

// Send 发送草稿。空草稿在本地直接拒绝；发送失败时保留草稿以便重试。
func (v *View) Send(ctx context.Context) error {
	v.mu.Lock()
	draft := v.draft
	v.mu.Unlock()
	if strings.TrimSpace(draft) == "" {
		return service.ErrEmptyBody
	}
	msg, err := v.backend.Send(ctx, v.chatID, draft)
	if err != nil {
		return err
	}
	v.mu.Lock()
	if v.draft == draft {
		v.draft = ""
	}
	if msg != nil {
		v.add(*msg)
	}
	v.mu.Unlock()
	v.debounce.Sent()
	v.changed()
	return nil
}

// TypingText 返回 "" 或类似 "alice, bob are typing" 的提示。
func (v *View) TypingText() string {
	return v.indicator.Text()
}

// reload 用存储中最新的一页替换列表。只合并拉取期间实时到达的消息，
// 拉取开始前的一切以存储为准。
func (v *View) reload(ctx context.Context) error {
	v.mu.Lock()
	v.reloads++
	if v.fresh == nil {
		v.fresh = make(map[uint]service.MessageDTO)
	}
	v.mu.Unlock()

	page, err := v.backend.History(ctx, v.chatID, 0, v.pageSize)

	v.mu.Lock()
	v.reloads--
	fresh := v.fresh
	if v.reloads == 0 {
		v.fresh = nil
	}
	if err != nil {
		v.mu.Unlock()
		return err
	}
	v.messages = v.messages[:0]
	v.ids = make(map[uint]struct{}, len(page)+len(fresh))
	for _, m := range page {
		v.insert(m)
	}
	for _, m := range fresh {
		v.insert(m)
	}
	v.mu.Unlock()
	v.markRead(ctx)
	return nil
}

// add 插入实时到达的消息，调用方需持有 mu。
func (v *View) add(m service.MessageDTO) bool {
	if v.fresh != nil {
		v.fresh[m.ID] = m
	}
	return v.insert(m)
}

// insert 按 (CreatedAt, ID) 顺序插入 m，已存在则跳过。调用方需持有 mu。
func (v *View) insert(m service.MessageDTO) bool {
	if _, ok := v.ids[m.ID]; ok {
		return false
	}
	v.ids[m.ID] = struct{}{}
	i := sort.Search(len(v.messages), func(i int) bool { return m.Before(v.messages[i]) })
	v.messages = append(v.messages, service.MessageDTO{})
	copy(v.messages[i+1:], v.messages[i:])
	v.messages[i] = m
	return true
}

func (v *View) remove(id uint) bool {
	delete(v.fresh, id)
	if _, ok := v.ids[id]; !ok {
		return false
	}
	delete(v.ids, id)
	for i, m := range v.messages {
		if m.ID == id {
			v.messages = append(v.messages[:i], v.messages[i+1:]...)
			break
		}
	}
	return true
}

func (v *View) markRead(ctx context.Context) {
	if err := v.backend.MarkRead(ctx, v.chatID); err != nil {
		log.Warn().Err(err).Uint("chat_id", v.chatID).Msg("mark read")
	}
}

func (v *View) signalTyping(isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := v.backend.SetTyping(ctx, v.chatID, isTyping); err != nil {
		log.Debug().Err(err).Uint("chat_id", v.chatID).Bool("is_typing", isTyping).Msg("typing signal")
	}
}

func (v *View) changed() {
	if v.onChange != nil {
		v.onChange()
	}
}
