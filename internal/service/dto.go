package service

import (
	"time"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/models"
)

// 推送给会话订阅者的事件类型。
const (
	EventMessage        = "message"
	EventMessageDeleted = "message_deleted"
	EventTyping         = "typing"
	EventResync         = "resync"
)

type UserDTO struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

type MessageDTO struct {
	ID        uint      `json:"id"`
	ChatID    uint      `json:"chat_id"`
	SenderID  uint      `json:"sender_id"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Before 判断 m 在会话顺序中是否排在 o 之前。
func (m MessageDTO) Before(o MessageDTO) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

type TypingDTO struct {
	ChatID   uint      `json:"chat_id"`
	UserID   uint      `json:"user_id"`
	Username string    `json:"username"`
	IsTyping bool      `json:"is_typing"`
	At       time.Time `json:"at"`
}

// Event 是会话实时流中的一项。
type Event struct {
	Type      string      `json:"type"`
	ChatID    uint        `json:"chat_id"`
	Message   *MessageDTO `json:"message,omitempty"`
	MessageID uint        `json:"message_id,omitempty"`
	Typing    *TypingDTO  `json:"typing,omitempty"`
}

// ChatSummary 是会话列表中的一行。
type ChatSummary struct {
	ID             uint        `json:"id"`
	Kind           string      `json:"kind"`
	DisplayName    string      `json:"display_name"`
	Peer           *UserDTO    `json:"peer,omitempty"`
	LastMessage    *MessageDTO `json:"last_message,omitempty"`
	UnreadCount    int64       `json:"unread_count"`
	LastActivityAt time.Time   `json:"last_activity_at"`
}

// AnalysisDTO 是对外输出的单条消息审核结果。
type AnalysisDTO struct {
	MessageID           uint      `json:"message_id"`
	SentimentScore      float64   `json:"sentiment_score"`
	CredibilityScore    float64   `json:"credibility_score"`
	ToxicityScore       float64   `json:"toxicity_score"`
	FakeNewsProbability float64   `json:"fake_news_probability"`
	ThreatLevel         string    `json:"threat_level"`
	IsFlagged           bool      `json:"is_flagged"`
	FlagReason          string    `json:"flag_reason"`
	AnalyzedAt          time.Time `json:"analyzed_at"`
}

func NewAnalysisDTO(a models.Analysis) *AnalysisDTO {
	return &AnalysisDTO{
		MessageID:           a.MessageID,
		SentimentScore:      a.SentimentScore,
		CredibilityScore:    a.CredibilityScore,
		ToxicityScore:       a.ToxicityScore,
		FakeNewsProbability: a.FakeNewsProbability,
		ThreatLevel:         a.ThreatLevel,
		IsFlagged:           a.IsFlagged,
		FlagReason:          a.FlagReason,
		AnalyzedAt:          a.AnalyzedAt,
	}
}

type Stats struct {
	TotalMessages   int64 `json:"total_messages"`
	TotalChats      int64 `json:"total_chats"`
	FlaggedMessages int64 `json:"flagged_messages"`
	ActiveUsers     int64 `json:"active_users"`
}

func newMessageDTO(m models.Message, sender string) MessageDTO {
	return MessageDTO{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Sender:    sender,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
	}
}
