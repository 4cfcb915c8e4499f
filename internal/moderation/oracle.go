// Package moderation 借助外部文本分类器异步分析聊天消息，每条消息保存一条风险标注。
package moderation

import (
	"context"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/apperr"
)

// Oracle 是黑盒分类器，Classify 针对消息正文返回对 instruction 的原始文本回答。
type Oracle interface {
	Classify(ctx context.Context, instruction, text string) (string, error)
}

// Instruction 要求以纯 JSON 对象返回七个标注字段。
const Instruction = `You are a content moderation classifier for a chat application. Read the user's message and answer with a single JSON object containing exactly these fields:
- sentiment_score: number from -1 (very negative) to 1 (very positive)
- credibility_score: number from 0 (not credible) to 1 (highly credible)
- toxicity_score: number from 0 (harmless) to 1 (extremely toxic)
- fake_news_probability: number from 0 (unlikely) to 1 (almost certainly misinformation)
- threat_level: one of "none", "low", "medium", "high"
- is_flagged: true if a moderator should review the message, otherwise false
- flag_reason: short reason when is_flagged is true, otherwise an empty string

Answer with the JSON object only. Do not add any other text.`

var (
	ErrDisabled          = apperr.New(apperr.CodeUnavailable, "moderation is disabled")
	ErrOracleUnavailable = apperr.New(apperr.CodeUnavailable, "moderation oracle unavailable")
)
