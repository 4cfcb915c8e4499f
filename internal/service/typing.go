package service

import (
	"context"
	"time"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/config"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/feed"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/models"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TypingService 保存短暂的输入状态，超过 TTL 未刷新的记录视为未输入，由 Sweep 清理。
type TypingService struct {
	db    *gorm.DB
	feed  feed.Feed
	clock clockwork.Clock
	ttl   time.Duration
}

func NewTypingService(db *gorm.DB, f feed.Feed, cfg config.MessagingConfig, opts ...Option) *TypingService {
	o := buildOptions(opts)
	ttl := cfg.TypingTTL
	if ttl <= 0 {
		ttl = 4 * time.Second
	}
	return &TypingService{db: db, feed: f, clock: o.clock, ttl: ttl}
}

func (s *TypingService) TTL() time.Duration { return s.ttl }

// Set 记录并广播用户的输入状态，后写覆盖先写。
func (s *TypingService) Set(ctx context.Context, chatID, userID uint, isTyping bool) error {
	now := storeTime(s.clock)
	change := feed.Change{Table: feed.TableTyping, Op: feed.OpUpdate, ChatID: chatID, UserID: userID, IsTyping: isTyping, At: now}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireParticipant(tx, chatID, userID); err != nil {
			return err
		}
		row := models.TypingState{ChatID: chatID, UserID: userID, IsTyping: isTyping, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_typing", "updated_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		return s.feed.Stage(tx, change)
	})
	if err != nil {
		return storeErr("set typing", err)
	}
	s.feed.Flush(ctx, change)
	return nil
}

// Active 返回会话中正在输入的用户，忽略过期记录。
func (s *TypingService) Active(ctx context.Context, chatID, userID uint) ([]TypingDTO, error) {
	db := s.db.WithContext(ctx)
	if err := checkMember(db, chatID, userID); err != nil {
		return nil, err
	}
	cutoff := storeTime(s.clock).Add(-s.ttl)
	var rows []models.TypingState
	if err := db.Where("chat_id = ? AND is_typing = ? AND updated_at > ?", chatID, true, cutoff).
		Order("updated_at").Find(&rows).Error; err != nil {
		return nil, storeErr("list typing", err)
	}
	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	names, err := resolveUsernames(db, ids)
	if err != nil {
		return nil, storeErr("list typing", err)
	}
	out := make([]TypingDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, TypingDTO{ChatID: r.ChatID, UserID: r.UserID, Username: names[r.UserID], IsTyping: true, At: r.UpdatedAt})
	}
	return out, nil
}

// Sweep 删除超过 TTL 的输入状态，返回删除的行数。
func (s *TypingService) Sweep(ctx context.Context) (int64, error) {
	cutoff := storeTime(s.clock).Add(-s.ttl)
	res := s.db.WithContext(ctx).Where("updated_at <= ?", cutoff).Delete(&models.TypingState{})
	if res.Error != nil {
		return 0, storeErr("sweep typing", res.Error)
	}
	return res.RowsAffected, nil
}
