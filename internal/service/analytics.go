package service

import (
	"context"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/models"

	"gorm.io/gorm"
)

// AnalyticsService 提供管理端的消息概览统计。
type AnalyticsService struct {
	db *gorm.DB
}

func NewAnalyticsService(db *gorm.DB) *AnalyticsService {
	return &AnalyticsService{db: db}
}

func (s *AnalyticsService) Stats(ctx context.Context) (*Stats, error) {
	db := s.db.WithContext(ctx)
	var st Stats
	if err := db.Model(&models.Message{}).Count(&st.TotalMessages).Error; err != nil {
		return nil, storeErr("count messages", err)
	}
	if err := db.Model(&models.Chat{}).Count(&st.TotalChats).Error; err != nil {
		return nil, storeErr("count chats", err)
	}
	if err := db.Model(&models.Analysis{}).Where("is_flagged = ?", true).Count(&st.FlaggedMessages).Error; err != nil {
		return nil, storeErr("count flagged", err)
	}
	if err := db.Model(&models.Participant{}).Distinct("user_id").Count(&st.ActiveUsers).Error; err != nil {
		return nil, storeErr("count active users", err)
	}
	return &st, nil
}
