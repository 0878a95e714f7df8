package main

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		winner     string
		scoreDiff  float64
		comment    string
		wantParsed bool
	}{
		{
			name:       "winner B maps to second label",
			raw:        `{"winner":"B","score_diff":0.6,"comment":"良い"}`,
			winner:     ParticipantHermes,
			scoreDiff:  0.6,
			comment:    "良い",
			wantParsed: true,
		},
		{
			name:       "surrounding prose",
			raw:        "判定です。\n```json\n{\"winner\": \"A\", \"score_diff\": 0.25, \"comment\": \"  自然  \"}\n```",
			winner:     ParticipantGPT4o,
			scoreDiff:  0.25,
			comment:    "自然",
			wantParsed: true,
		},
		{
			name:       "numeric string score",
			raw:        `{"winner":"A","score_diff":"0.3","comment":""}`,
			winner:     ParticipantGPT4o,
			scoreDiff:  0.3,
			wantParsed: true,
		},
		{
			name:       "score clamped",
			raw:        `{"winner":"B","score_diff":7,"comment":"x"}`,
			winner:     ParticipantHermes,
			scoreDiff:  1.0,
			comment:    "x",
			wantParsed: true,
		},
		{
			name:       "out-of-range score keeps the winner",
			raw:        `{"winner":"B","score_diff":1e400,"comment":"Bが良い"}`,
			winner:     ParticipantHermes,
			scoreDiff:  0.0,
			comment:    "Bが良い",
			wantParsed: true,
		},
		{
			name:       "non-numeric score",
			raw:        `{"winner":"B","score_diff":"big","comment":"x"}`,
			winner:     ParticipantHermes,
			scoreDiff:  0.0,
			comment:    "x",
			wantParsed: true,
		},
		{
			name:      "no braces",
			raw:       "Aの方が良いと思います",
			winner:    ParticipantGPT4o,
			scoreDiff: 0.0,
			comment:   JudgeFallbackComment,
		},
		{
			name:      "invalid JSON",
			raw:       `{"winner": A}`,
			winner:    ParticipantGPT4o,
			scoreDiff: 0.0,
			comment:   JudgeFallbackComment,
		},
		{
			name:      "unknown winner keeps comment",
			raw:       `{"winner":"C","score_diff":0.9,"comment":"引き分け"}`,
			winner:    ParticipantGPT4o,
			scoreDiff: 0.0,
			comment:   "引き分け",
		},
		{
			name:      "empty output",
			raw:       "",
			winner:    ParticipantGPT4o,
			scoreDiff: 0.0,
			comment:   JudgeFallbackComment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ParseVerdict(tt.raw, ParticipantGPT4o, ParticipantHermes)

			assert.Equal(t, tt.winner, v.Winner)
			assert.InDelta(t, tt.scoreDiff, v.ScoreDiff, 1e-9)
			assert.Equal(t, tt.comment, v.Comment)
			assert.Equal(t, tt.wantParsed, v.Parsed)
			assert.Equal(t, tt.raw, v.Raw)
			assert.Equal(t, VerdictPair{A: ParticipantGPT4o, B: ParticipantHermes}, v.Pair)
		})
	}
}

func TestCoerceScore(t *testing.T) {
	assert.Equal(t, 0.0, coerceScore(nil))
	assert.Equal(t, 0.0, coerceScore(-0.5))
	assert.Equal(t, 0.5, coerceScore(0.5))
	assert.Equal(t, 0.0, coerceScore(math.NaN()))
	assert.Equal(t, 0.0, coerceScore("NaN"))
	assert.Equal(t, 0.0, coerceScore("Inf"))
	assert.Equal(t, 1.0, coerceScore(true))
	assert.Equal(t, 0.0, coerceScore([]any{1}))
	assert.Equal(t, 0.4, coerceScore(json.Number("0.4")))
	assert.Equal(t, 0.0, coerceScore(json.Number("1e400")))
	assert.Equal(t, 0.0, coerceScore(json.Number("-1e400")))
}

func TestJudgeEngineRun(t *testing.T) {
	pairResults := ModelResults{
		{ID: ParticipantGPT4o, Reply: "reply A"},
		{ID: ParticipantHermes, Reply: "reply B"},
	}

	t.Run("fewer than two results does not call the judge", func(t *testing.T) {
		judge := &fakeJudge{reply: `{"winner":"A"}`}
		engine := NewJudgeEngine(judge)

		assert.Nil(t, engine.Run(context.Background(), "p", nil))
		assert.Nil(t, engine.Run(context.Background(), "p", pairResults[:1]))
		assert.Equal(t, 0, judge.calls)
	})

	t.Run("canonical pair", func(t *testing.T) {
		judge := &fakeJudge{reply: `{"winner":"B","score_diff":0.6,"comment":"Hermesが良い"}`}
		engine := NewJudgeEngine(judge)
		results := ModelResults{
			{ID: "claude", Reply: "reply C"},
			{ID: ParticipantHermes, Reply: "reply B"},
			{ID: ParticipantGPT4o, Reply: "reply A"},
		}

		v := engine.Run(context.Background(), "[user] hi", results)

		require.NotNil(t, v)
		assert.Equal(t, ParticipantHermes, v.Winner)
		assert.Equal(t, RouteJudge, v.Route)
		assert.Equal(t, VerdictPair{A: ParticipantGPT4o, B: ParticipantHermes}, v.Pair)

		require.Equal(t, 1, judge.calls)
		msgs := judge.messages[0]
		require.Len(t, msgs, 2)
		assert.Equal(t, RoleSystem, msgs[0].Role)
		assert.Contains(t, msgs[1].Content, "[user] hi")
		assert.Contains(t, msgs[1].Content, "【応答A】\nreply A")
		assert.Contains(t, msgs[1].Content, "【応答B】\nreply B")

		params := judge.params[0]
		assert.Equal(t, 0.0, *params.Temperature)
		assert.Equal(t, 300, *params.MaxTokens)
	})

	t.Run("first two results without canonical pair", func(t *testing.T) {
		judge := &fakeJudge{reply: `{"winner":"A","score_diff":0.1,"comment":"x"}`}
		results := ModelResults{{ID: "x", Reply: "1"}, {ID: "y", Reply: "2"}, {ID: "z", Reply: "3"}}

		v := NewJudgeEngine(judge).Run(context.Background(), "", results)

		assert.Equal(t, VerdictPair{A: "x", B: "y"}, v.Pair)
		assert.Equal(t, "x", v.Winner)
	})

	t.Run("judge failure is soft", func(t *testing.T) {
		judge := &fakeJudge{reply: "[Judge AuthenticationError: bad key]", usage: &Usage{Error: "bad key"}}
		before := testutil.ToFloat64(JudgeVerdicts.WithLabelValues("fallback"))

		v := NewJudgeEngine(judge).Run(context.Background(), "", pairResults)

		require.NotNil(t, v)
		assert.Equal(t, RouteError, v.Route)
		assert.Equal(t, ParticipantGPT4o, v.Winner)
		assert.Equal(t, JudgeFallbackComment, v.Comment)
		assert.False(t, v.Parsed)
		assert.Equal(t, before+1, testutil.ToFloat64(JudgeVerdicts.WithLabelValues("fallback")))
	})

	t.Run("each run calls the judge again", func(t *testing.T) {
		judge := &fakeJudge{reply: `{"winner":"A","score_diff":0.2,"comment":"x"}`}
		engine := NewJudgeEngine(judge)

		engine.Run(context.Background(), "", pairResults)
		engine.Run(context.Background(), "", pairResults)
		assert.Equal(t, 2, judge.calls)
	})
}

func TestJudgeVerdictString(t *testing.T) {
	var nilVerdict *JudgeVerdict
	assert.Equal(t, "no verdict", nilVerdict.String())

	v := &JudgeVerdict{Winner: "hermes", ScoreDiff: 0.5, Comment: "c", Pair: VerdictPair{A: "gpt4o", B: "hermes"}}
	assert.Equal(t, "winner=hermes score_diff=0.50 (gpt4o vs hermes): c", v.String())
}
