package models

import "time"

const (
	ChatDirect = "direct"
	ChatGroup  = "group"
)

const (
	ThreatNone   = "none"
	ThreatLow    = "low"
	ThreatMedium = "medium"
	ThreatHigh   = "high"
)

// User 由校验过的 token claims 创建，凭据不在本服务保存。
type User struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex;size:64;not null"`
	CreatedAt time.Time
}

// Chat 是单聊（恰好两个成员）或群聊。单聊的 DirectKey 为 "<较小 id>:<较大 id>"，其他为 NULL，
// 唯一索引保证每对用户只有一个单聊。
type Chat struct {
	ID             uint          `gorm:"primaryKey"`
	Kind           string        `gorm:"size:16;not null"`
	Name           *string       `gorm:"size:128"`
	DirectKey      *string       `gorm:"uniqueIndex;size:64"`
	CreatedAt      time.Time     `gorm:"not null"`
	LastActivityAt time.Time     `gorm:"index;not null"`
	Participants   []Participant `gorm:"constraint:OnDelete:CASCADE"`
	Messages       []Message     `gorm:"constraint:OnDelete:CASCADE"`
}

type Participant struct {
	ChatID     uint      `gorm:"primaryKey;autoIncrement:false"`
	UserID     uint      `gorm:"primaryKey;autoIncrement:false;index"`
	LastReadAt time.Time `gorm:"not null"`
	JoinedAt   time.Time `gorm:"not null"`
}

// Message 行永不物理删除，IsDeleted 是唯一可变的列。
type Message struct {
	ID        uint      `gorm:"primaryKey"`
	ChatID    uint      `gorm:"index:idx_msg_chat_created,priority:1;not null"`
	SenderID  uint      `gorm:"index;not null"`
	Body      string    `gorm:"size:4000;not null"`
	CreatedAt time.Time `gorm:"index:idx_msg_chat_created,priority:2;not null"`
	IsDeleted bool      `gorm:"not null;default:false"`
}

type TypingState struct {
	ChatID    uint      `gorm:"primaryKey;autoIncrement:false"`
	UserID    uint      `gorm:"primaryKey;autoIncrement:false"`
	IsTyping  bool      `gorm:"not null"`
	UpdatedAt time.Time `gorm:"index;not null"`
}

// Analysis 以消息 id 为主键且不带外键，没有记录表示尚未分析。
type Analysis struct {
	MessageID           uint      `gorm:"primaryKey;autoIncrement:false"`
	SentimentScore      float64   `gorm:"not null"`
	CredibilityScore    float64   `gorm:"not null"`
	ToxicityScore       float64   `gorm:"not null"`
	FakeNewsProbability float64   `gorm:"not null"`
	ThreatLevel         string    `gorm:"size:16;not null"`
	IsFlagged           bool      `gorm:"index;not null"`
	FlagReason          string    `gorm:"type:text"`
	AnalyzedAt          time.Time `gorm:"not null"`
}

func (Analysis) TableName() string { return "message_analyses" }
