package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Judge call settings
const (
	JudgeTemperature = 0.0
	JudgeMaxTokens   = 300
)

// JudgeFallbackComment is used when the judge output has no usable verdict
const JudgeFallbackComment = "JSON解析に失敗したため暫定でAを選択しました。"

const judgeSystemPrompt = `あなたは物語文の審査員です。
これから、同じプロンプトに対する二つの応答が与えられます。
どちらの応答が、文体の自然さ・情景描写・感情表現・世界観との整合性の点でより優れているかを判断してください。

出力は必ず次のJSON形式にしてください:
{
  "winner": "A" または "B",
  "score_diff": 0.0〜1.0の数値,
  "comment": "日本語で、どちらを選んだ理由を1〜3文で説明"
}`

// SafeCaller is a backend whose failures come back as inline text
type SafeCaller interface {
	CallSafe(ctx context.Context, messages []Message, params ModelParams) (string, *Usage)
}

// JudgeEngine compares two participant replies with a judge model
type JudgeEngine struct {
	Client SafeCaller

	// PrimaryID and SecondaryID form the canonical pair, judged whenever
	// both are present
	PrimaryID   string
	SecondaryID string
}

// NewJudgeEngine creates a judge over the default gpt4o/hermes pair
func NewJudgeEngine(client SafeCaller) *JudgeEngine {
	return &JudgeEngine{Client: client, PrimaryID: ParticipantGPT4o, SecondaryID: ParticipantHermes}
}

// Run judges one pair of results. It returns nil without calling the judge
// when fewer than two results exist. Every call hits the judge backend again.
func (j *JudgeEngine) Run(ctx context.Context, prompt string, models ModelResults) *JudgeVerdict {
	if len(models) < 2 {
		return nil
	}

	a, b := j.selectPair(models)
	messages := BuildJudgeMessages(prompt, a.Reply, b.Reply)

	temperature := JudgeTemperature
	maxTokens := JudgeMaxTokens
	raw, usage := j.Client.CallSafe(ctx, messages, ModelParams{Temperature: &temperature, MaxTokens: &maxTokens})

	verdict := ParseVerdict(raw, a.ID, b.ID)
	verdict.Route = RouteJudge
	if usage != nil && usage.Error != "" {
		verdict.Route = RouteError
	}

	outcome := "parsed"
	if !verdict.Parsed {
		outcome = "fallback"
		log.Warn().Str("pair_a", a.ID).Str("pair_b", b.ID).Msg("judge output not parseable, falling back to A")
	}
	JudgeVerdicts.WithLabelValues(outcome).Inc()

	return &verdict
}

// selectPair prefers the canonical pair, otherwise the first two results
func (j *JudgeEngine) selectPair(models ModelResults) (ModelResult, ModelResult) {
	a, okA := models.Get(j.PrimaryID)
	b, okB := models.Get(j.SecondaryID)
	if okA && okB {
		return a, b
	}
	return models[0], models[1]
}

// BuildJudgeMessages builds the comparison prompt with replies labelled A and B
func BuildJudgeMessages(prompt, replyA, replyB string) []Message {
	var user strings.Builder
	user.WriteString("【プロンプト】\n")
	user.WriteString(prompt)
	user.WriteString("\n\n【応答A】\n")
	user.WriteString(replyA)
	user.WriteString("\n\n【応答B】\n")
	user.WriteString(replyB)
	user.WriteString("\n\n上記を比較し、指定されたJSON形式のみを出力してください。")

	return []Message{
		{Role: RoleSystem, Content: judgeSystemPrompt},
		{Role: RoleUser, Content: user.String()},
	}
}

// ParseVerdict extracts a verdict from the judge's raw output. It takes the
// text between the first "{" and the last "}" and decodes it as JSON.
// Anything unusable falls back to labelA with score 0.
func ParseVerdict(raw, labelA, labelB string) JudgeVerdict {
	verdict := JudgeVerdict{
		Raw:  raw,
		Pair: VerdictPair{A: labelA, B: labelB},
	}

	if parsed, ok := extractVerdictJSON(raw); ok {
		switch parsed["winner"] {
		case "A":
			verdict.Winner = labelA
		case "B":
			verdict.Winner = labelB
		}
		verdict.ScoreDiff = coerceScore(parsed["score_diff"])
		if comment, ok := parsed["comment"].(string); ok {
			verdict.Comment = strings.TrimSpace(comment)
		}
	}

	if verdict.Winner == "" {
		verdict.Winner = labelA
		verdict.ScoreDiff = 0.0
		if verdict.Comment == "" {
			verdict.Comment = JudgeFallbackComment
		}
		return verdict
	}

	verdict.Parsed = true
	return verdict
}

func extractVerdictJSON(raw string) (map[string]any, bool) {
	stripped := strings.TrimSpace(raw)
	start := strings.Index(stripped, "{")
	end := strings.LastIndex(stripped, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, false
	}

	// numbers stay json.Number so an out-of-range score_diff does not
	// reject the whole verdict
	decoder := json.NewDecoder(strings.NewReader(stripped[start : end+1]))
	decoder.UseNumber()
	var parsed map[string]any
	if err := decoder.Decode(&parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// coerceScore turns a JSON value into a finite score in [0, 1]; anything
// else is 0
func coerceScore(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case json.Number:
		parsed, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return 0.0
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0.0
		}
		f = parsed
	case bool:
		if t {
			f = 1.0
		}
	default:
		return 0.0
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return math.Max(0.0, math.Min(1.0, f))
}

// String is a one-line summary used by the CLI
func (v *JudgeVerdict) String() string {
	if v == nil {
		return "no verdict"
	}
	return fmt.Sprintf("winner=%s score_diff=%.2f (%s vs %s): %s", v.Winner, v.ScoreDiff, v.Pair.A, v.Pair.B, v.Comment)
}
