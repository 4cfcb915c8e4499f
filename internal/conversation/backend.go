package conversation

import (
	"context"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/ws"
)

// Backend 是 View 对服务端的依赖，限定于一个已登录用户。REST 客户端和 Local 都实现了它。
type Backend interface {
	Subscribe(ctx context.Context, chatID uint) (Stream, error)
	History(ctx context.Context, chatID, beforeID uint, limit int) ([]service.MessageDTO, error)
	Send(ctx context.Context, chatID uint, body string) (*service.MessageDTO, error)
	MarkRead(ctx context.Context, chatID uint) error
	SetTyping(ctx context.Context, chatID uint, isTyping bool) error
	Analysis(ctx context.Context, messageID uint) (*service.AnalysisDTO, error)
}

// Stream 是一个实时事件订阅，结束时关闭 Events，之后需要重新打开视图。
type Stream interface {
	Events() <-chan service.Event
	Close() error
}

// Local 用进程内的 service 支撑 View。
type Local struct {
	UserID   uint
	Hub      *ws.Hub
	Chats    *service.ChatService
	Messages *service.MessageService
	Typing   *service.TypingService
}

func (l *Local) Subscribe(ctx context.Context, chatID uint) (Stream, error) {
	if err := l.Chats.IsParticipant(ctx, chatID, l.UserID); err != nil {
		return nil, err
	}
	return localStream{sub: l.Hub.Subscribe(chatID)}, nil
}

func (l *Local) History(ctx context.Context, chatID, beforeID uint, limit int) ([]service.MessageDTO, error) {
	return l.Messages.History(ctx, chatID, l.UserID, beforeID, limit)
}

func (l *Local) Send(ctx context.Context, chatID uint, body string) (*service.MessageDTO, error) {
	return l.Messages.Publish(ctx, chatID, l.UserID, body)
}

func (l *Local) MarkRead(ctx context.Context, chatID uint) error {
	return l.Chats.MarkRead(ctx, chatID, l.UserID)
}

func (l *Local) SetTyping(ctx context.Context, chatID uint, isTyping bool) error {
	return l.Typing.Set(ctx, chatID, l.UserID, isTyping)
}

func (l *Local) Analysis(ctx context.Context, messageID uint) (*service.AnalysisDTO, error) {
	return l.Messages.Analysis(ctx, messageID, l.UserID)
}

type localStream struct {
	sub *ws.Subscriber
}

func (s localStream) Events() <-chan service.Event { return s.sub.C }

func (s localStream) Close() error {
	s.sub.Close()
	return nil
}
