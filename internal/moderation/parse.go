package moderation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/models"
)

// Result 是规范化后的分类结果。
type Result struct {
	SentimentScore      float64 `json:"sentiment_score"`
	CredibilityScore    float64 `json:"credibility_score"`
	ToxicityScore       float64 `json:"toxicity_score"`
	FakeNewsProbability float64 `json:"fake_news_probability"`
	ThreatLevel         string  `json:"threat_level"`
	IsFlagged           bool    `json:"is_flagged"`
	FlagReason          string  `json:"flag_reason"`
}

// 分类结果无法解析时保存 Default。
func Default() Result {
	return Result{
		SentimentScore:      0,
		CredibilityScore:    0.5,
		ToxicityScore:       0,
		FakeNewsProbability: 0,
		ThreatLevel:         models.ThreatNone,
		IsFlagged:           false,
		FlagReason:          "",
	}
}

// Parse 从 raw 中提取第一个合法的 JSON 对象并覆盖到 Default 上，
// 缺失或类型不对的字段保留默认值。raw 中完全没有 JSON 对象时 ok 为 false。
func Parse(raw string) (res Result, ok bool) {
	for i := strings.IndexByte(raw, '{'); i >= 0; {
		var fields map[string]json.RawMessage
		if err := json.NewDecoder(strings.NewReader(raw[i:])).Decode(&fields); err == nil {
			return fromFields(fields), true
		}
		next := strings.IndexByte(raw[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return Default(), false
}

func fromFields(fields map[string]json.RawMessage) Result {
	res := Default()
	setFloat := func(key string, dst *float64) {
		if v, ok := fields[key]; ok {
			var f *float64
			if json.Unmarshal(v, &f) == nil && f != nil {
				*dst = *f
			}
		}
	}
	setFloat("sentiment_score", &res.SentimentScore)
	setFloat("credibility_score", &res.CredibilityScore)
	setFloat("toxicity_score", &res.ToxicityScore)
	setFloat("fake_news_probability", &res.FakeNewsProbability)

	if v, ok := fields["threat_level"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			res.ThreatLevel = s
		}
	}
	if v, ok := fields["is_flagged"]; ok {
		var b bool
		if json.Unmarshal(v, &b) == nil {
			res.IsFlagged = b
		}
	}
	if v, ok := fields["flag_reason"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			res.FlagReason = s
		}
	}
	return res.normalize()
}

// normalize 把分数限制在取值范围内，未知的威胁等级归为 none。
func (r Result) normalize() Result {
	r.SentimentScore = clamp(r.SentimentScore, -1, 1)
	r.CredibilityScore = clamp(r.CredibilityScore, 0, 1)
	r.ToxicityScore = clamp(r.ToxicityScore, 0, 1)
	r.FakeNewsProbability = clamp(r.FakeNewsProbability, 0, 1)
	switch lvl := strings.ToLower(strings.TrimSpace(r.ThreatLevel)); lvl {
	case models.ThreatNone, models.ThreatLow, models.ThreatMedium, models.ThreatHigh:
		r.ThreatLevel = lvl
	default:
		r.ThreatLevel = models.ThreatNone
	}
	r.FlagReason = strings.TrimSpace(r.FlagReason)
	return r
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Row 把 r 转换成要保存的消息标注。
func (r Result) Row(messageID uint, at time.Time) models.Analysis {
	return models.Analysis{
		MessageID:           messageID,
		SentimentScore:      r.SentimentScore,
		CredibilityScore:    r.CredibilityScore,
		ToxicityScore:       r.ToxicityScore,
		FakeNewsProbability: r.FakeNewsProbability,
		ThreatLevel:         r.ThreatLevel,
		IsFlagged:           r.IsFlagged,
		FlagReason:          r.FlagReason,
		AnalyzedAt:          at,
	}
}
