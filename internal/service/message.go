package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/config"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/feed"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/metrics"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Submitter 接收已落库的消息做异步分析，Submit 不能等待分析完成。
type Submitter interface {
	Enabled() bool
	Submit(messageID uint, body string) bool
}

// MessageService 封装消息的写入与历史查询。
type MessageService struct {
	db        *gorm.DB
	feed      feed.Feed
	moderator Submitter
	clock     clockwork.Clock
	locks     *keyedMutex
	maxLen    int
	pageSize  int
}

func NewMessageService(db *gorm.DB, f feed.Feed, moderator Submitter, cfg config.MessagingConfig, opts ...Option) *MessageService {
	o := buildOptions(opts)
	maxLen := cfg.MaxBodyLength
	if maxLen <= 0 || maxLen > 4000 {
		maxLen = 4000
	}
	pageSize := cfg.HistoryLimit
	if pageSize <= 0 {
		pageSize = 50
	}
	return &MessageService{
		db:        db,
		feed:      f,
		moderator: moderator,
		clock:     o.clock,
		locks:     newKeyedMutex(),
		maxLen:    maxLen,
		pageSize:  pageSize,
	}
}

// Publish 保存消息并通知会话的订阅者。
//
// 事务期间锁住会话行，消息 id、时间戳与提交顺序一致；即使系统时钟回拨，
// 同一会话内的 created_at 也不会倒退。提交后再把消息交给审核，不等待结果。
func (s *MessageService) Publish(ctx context.Context, chatID, senderID uint, body string) (*MessageDTO, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > s.maxLen {
		return nil, ErrBodyTooLong
	}

	unlock := s.locks.Lock(chatID)
	defer unlock()

	var (
		msg    models.Message
		sender models.User
		change feed.Change
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat models.Chat
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&chat, chatID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrChatNotFound
			}
			return err
		}
		if err := requireParticipant(tx, chatID, senderID); err != nil {
			return err
		}
		if err := tx.Select("id", "username").Take(&sender, senderID).Error; err != nil {
			return err
		}

		now := storeTime(s.clock)
		if !now.After(chat.LastActivityAt) {
			now = chat.LastActivityAt.Add(time.Microsecond)
		}
		msg = models.Message{ChatID: chatID, SenderID: senderID, Body: body, CreatedAt: now}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Chat{}).Where("id = ?", chatID).Update("last_activity_at", now).Error; err != nil {
			return err
		}
		change = feed.Change{Table: feed.TableMessages, Op: feed.OpInsert, ChatID: chatID, RowID: msg.ID, UserID: senderID, At: now}
		return s.feed.Stage(tx, change)
	})
	if err != nil {
		return nil, storeErr("publish message", err)
	}
	s.feed.Flush(ctx, change)
	metrics.MessagesPublished.Inc()

	if s.moderator != nil && s.moderator.Enabled() && !s.moderator.Submit(msg.ID, msg.Body) {
		log.Warn().Uint("message_id", msg.ID).Uint("chat_id", chatID).Msg("moderation queue full, analysis left pending")
	}
	dto := newMessageDTO(msg, sender.Username)
	return &dto, nil
}

// History 按会话顺序返回最多 limit 条未删除的消息。
// 指定 beforeID 时只返回排在该消息之前的消息。
func (s *MessageService) History(ctx context.Context, chatID, userID, beforeID uint, limit int) ([]MessageDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = s.pageSize
	}
	db := s.db.WithContext(ctx)
	if err := checkMember(db, chatID, userID); err != nil {
		return nil, err
	}

	q := db.Where("chat_id = ? AND is_deleted = ?", chatID, false)
	if beforeID > 0 {
		var pivot models.Message
		if err := db.Select("id", "created_at").Where("id = ? AND chat_id = ?", beforeID, chatID).Take(&pivot).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrMessageNotFound
			}
			return nil, storeErr("load history", err)
		}
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", pivot.CreatedAt, pivot.CreatedAt, pivot.ID)
	}

	var msgs []models.Message
	if err := q.Order("created_at desc, id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, storeErr("load history", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	usernames, err := resolveUsernames(db, senderIDs(msgs))
	if err != nil {
		return nil, storeErr("load history", err)
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessageDTO(m, usernames[m.SenderID]))
	}
	return out, nil
}

// Get 返回用户有权查看的消息（包括已删除的）。
func (s *MessageService) Get(ctx context.Context, messageID, userID uint) (*models.Message, error) {
	db := s.db.WithContext(ctx)
	var msg models.Message
	if err := db.Take(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, storeErr("load message", err)
	}
	if err := requireParticipant(db, msg.ChatID, userID); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Delete 软删除消息，只有发送者可以删除，重复删除不产生任何效果。
func (s *MessageService) Delete(ctx context.Context, messageID, userID uint) error {
	var change *feed.Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg models.Message
		if err := tx.Take(&msg, messageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		if msg.SenderID != userID {
			return ErrNotSender
		}
		if msg.IsDeleted {
			return nil
		}
		if err := tx.Model(&models.Message{}).Where("id = ?", msg.ID).Update("is_deleted", true).Error; err != nil {
			return err
		}
		change = &feed.Change{Table: feed.TableMessages, Op: feed.OpUpdate, ChatID: msg.ChatID, RowID: msg.ID, UserID: userID, At: storeTime(s.clock)}
		return s.feed.Stage(tx, *change)
	})
	if err != nil {
		return storeErr("delete message", err)
	}
	if change != nil {
		s.feed.Flush(ctx, *change)
	}
	return nil
}

// Analysis 返回消息的审核结果，尚未分析时返回 nil。
func (s *MessageService) Analysis(ctx context.Context, messageID, userID uint) (*AnalysisDTO, error) {
	if _, err := s.Get(ctx, messageID, userID); err != nil {
		return nil, err
	}
	var a models.Analysis
	res := s.db.WithContext(ctx).Where("message_id = ?", messageID).Limit(1).Find(&a)
	if res.Error != nil {
		return nil, storeErr("load analysis", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return NewAnalysisDTO(a), nil
}

// ResolveEvent 把变更通知转换成推送给订阅者的事件，订阅者不关心的变更返回 nil。
func (s *MessageService) ResolveEvent(ctx context.Context, c feed.Change) (*Event, error) {
	if c.Resync() {
		return &Event{Type: EventResync, ChatID: c.ChatID}, nil
	}
	db := s.db.WithContext(ctx)
	switch c.Table {
	case feed.TableMessages:
		var msg models.Message
		if err := db.Take(&msg, c.RowID).Error; err != nil {
			return nil, storeErr("resolve message event", err)
		}
		if msg.IsDeleted {
			return &Event{Type: EventMessageDeleted, ChatID: msg.ChatID, MessageID: msg.ID}, nil
		}
		if c.Op != feed.OpInsert {
			return nil, nil
		}
		names, err := resolveUsernames(db, []uint{msg.SenderID})
		if err != nil {
			return nil, storeErr("resolve message event", err)
		}
		dto := newMessageDTO(msg, names[msg.SenderID])
		return &Event{Type: EventMessage, ChatID: msg.ChatID, Message: &dto}, nil
	case feed.TableTyping:
		names, err := resolveUsernames(db, []uint{c.UserID})
		if err != nil {
			return nil, storeErr("resolve typing event", err)
		}
		t := TypingDTO{ChatID: c.ChatID, UserID: c.UserID, Username: names[c.UserID], IsTyping: c.IsTyping, At: c.At}
		return &Event{Type: EventTyping, ChatID: c.ChatID, Typing: &t}, nil
	}
	return nil, nil
}

func senderIDs(msgs []models.Message) []uint {
	seen := make(map[uint]struct{}, len(msgs))
	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		ids = append(ids, m.SenderID)
	}
	return ids
}

func resolveUsernames(db *gorm.DB, ids []uint) (map[uint]string, error) {
	usernames := make(map[uint]string, len(ids))
	if len(ids) == 0 {
		return usernames, nil
	}
	var users []models.User
	if err := db.Select("id", "username").Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		usernames[u.ID] = u.Username
	}
	return usernames, nil
}

func requireParticipant(db *gorm.DB, chatID, userID uint) error {
	var n int64
	if err := db.Model(&models.Participant{}).Where("chat_id = ? AND user_id = ?", chatID, userID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotParticipant
	}
	return nil
}

// checkMember 区分会话不存在与用户不在会话中两种情况。
func checkMember(db *gorm.DB, chatID, userID uint) error {
	err := requireParticipant(db, chatID, userID)
	if !errors.Is(err, ErrNotParticipant) {
		return storeErr("check membership", err)
	}
	var n int64
	if err := db.Model(&models.Chat{}).Where("id = ?", chatID).Count(&n).Error; err != nil {
		return storeErr("check membership", err)
	}
	if n == 0 {
		return ErrChatNotFound
	}
	return ErrNotParticipant
}
