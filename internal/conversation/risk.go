package conversation

import (
	"context"
	"math"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
)

type RiskStatus string

const (
	RiskPending  RiskStatus = "pending"
	RiskAnalyzed RiskStatus = "analyzed"
)

// 面板上所有分数共用的风险等级。
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// RiskPanel 是可直接渲染的单条消息审核结果。等级按风险解读分数：
// 可信度取反，情感取绝对值。
type RiskPanel struct {
	Status              RiskStatus
	Analysis            *service.AnalysisDTO
	Sentiment           string
	SentimentSeverity   string
	CredibilitySeverity string
	ToxicitySeverity    string
	FakeNewsSeverity    string
}

func NewRiskPanel(a *service.AnalysisDTO) RiskPanel {
	if a == nil {
		return RiskPanel{Status: RiskPending}
	}
	return RiskPanel{
		Status:              RiskAnalyzed,
		Analysis:            a,
		Sentiment:           SentimentLabel(a.SentimentScore),
		SentimentSeverity:   Severity(math.Abs(a.SentimentScore)),
		CredibilitySeverity: Severity(1 - a.CredibilityScore),
		ToxicitySeverity:    Severity(a.ToxicityScore),
		FakeNewsSeverity:    Severity(a.FakeNewsProbability),
	}
}

func SentimentLabel(score float64) string {
	switch {
	case score > 0:
		return "positive"
	case score < 0:
		return "negative"
	default:
		return "neutral"
	}
}

func Severity(score float64) string {
	switch {
	case score < 0.3:
		return SeverityLow
	case score < 0.7:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// RiskPanel 获取本会话中某条消息的分析结果，尚未分析的消息显示为 pending 而不是错误。
func (v *View) RiskPanel(ctx context.Context, messageID uint) (RiskPanel, error) {
	a, err := v.backend.Analysis(ctx, messageID)
	if err != nil {
		return RiskPanel{}, err
	}
	return NewRiskPanel(a), nil
}
