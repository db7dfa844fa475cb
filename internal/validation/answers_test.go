package validation

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/llm"
	"github.com/odprt-iep/hybridrag/internal/search"
	"github.com/odprt-iep/hybridrag/internal/store"
)

type fixedSearcher struct {
	result *search.Result
	err    error
}

func (f fixedSearcher) Search(context.Context, string) (*search.Result, error) {
	return f.result, f.err
}

type answererFunc func(ctx context.Context, query string, retrieved *search.Result) (string, error)

func (f answererFunc) AnswerFrom(ctx context.Context, query string, retrieved *search.Result) (string, error) {
	return f(ctx, query, retrieved)
}

// scriptedJudge replies per metric from scores, keyed by criteria, and keeps
// every request it saw.
type scriptedJudge struct {
	mu     sync.Mutex
	scores map[string]string // metric name -> raw reply
	reqs   []llm.Request
}

func (j *scriptedJudge) Complete(_ context.Context, req llm.Request) (string, error) {
	j.mu.Lock()
	j.reqs = append(j.reqs, req)
	j.mu.Unlock()
	for _, m := range Metrics {
		if strings.Contains(req.Messages[0].Content, m.Criteria) {
			if out, ok := j.scores[m.Name]; ok {
				return out, nil
			}
		}
	}
	return `{"score": 8, "reason": "good"}`, nil
}

func retrievedFixture() *search.Result {
	return &search.Result{
		Context: "RCA reviews take two weeks.\n\nTemplates are on the hub.",
		Items:   []string{"RCA reviews take two weeks.", "Templates are on the hub."},
		Hits: []store.ScoredRecord{
			{Record: store.Record{ID: 1, DocSource: "rca.md"}},
			{Record: store.Record{ID: 2, DocSource: "hub.md"}},
		},
	}
}

func oneCase() *AnswerSuite {
	return &AnswerSuite{MinPassRate: 1, Cases: []AnswerCase{
		{ID: "rca", Query: "How long does an RCA review take?", GroundTruth: "About two weeks."},
	}}
}

func TestDefaultAnswers_Parses(t *testing.T) {
	s, err := DefaultAnswers()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(s.Cases), 8)
	assert.InDelta(t, DefaultAnswerMinPassRate, s.MinPassRate, 1e-9)
	for _, c := range s.Cases {
		assert.NotEmpty(t, c.Query, c.ID)
		assert.NotEmpty(t, c.GroundTruth, c.ID)
	}
}

func TestParseAnswers_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no cases", "min_pass_rate: 0.5\n"},
		{"missing ground truth", "cases:\n  - query: what is an RCA?\n"},
		{"duplicate id", "cases:\n  - {id: a, query: q, ground_truth: t}\n  - {id: a, query: q2, ground_truth: t2}\n"},
		{"bad rate", "min_pass_rate: 2\ncases:\n  - {query: q, ground_truth: t}\n"},
		{"not yaml", "cases: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAnswers([]byte(tt.yaml))
			assert.Equal(t, rerrors.ErrCodeConfigInvalid, rerrors.GetCode(err))
		})
	}
}

func TestRunAnswers_JudgesEveryMetric(t *testing.T) {
	retrieved := retrievedFixture()
	var gotRetrieved *search.Result
	answer := answererFunc(func(_ context.Context, query string, r *search.Result) (string, error) {
		gotRetrieved = r
		return "An RCA review takes about two weeks.", nil
	})
	judge := &scriptedJudge{}

	rep, err := RunAnswers(context.Background(), fixedSearcher{result: retrieved}, answer, judge, oneCase(), RunOptions{})
	require.NoError(t, err)

	require.Len(t, rep.Results, 1)
	res := rep.Results[0]
	assert.True(t, res.Passed, res.Error)
	assert.Same(t, retrieved, gotRetrieved)
	assert.Equal(t, retrieved.Items, res.Context)
	assert.Equal(t, []string{"rca.md", "hub.md"}, res.Sources)
	require.Len(t, res.Scores, len(Metrics))
	for i, s := range res.Scores {
		assert.Equal(t, Metrics[i].Name, s.Metric)
		assert.InDelta(t, 0.8, s.Score, 1e-9)
	}
	assert.True(t, rep.OK())

	require.Len(t, rep.Means, len(Metrics))
	assert.InDelta(t, 0.8, rep.Means[0].Score, 1e-9)

	// The judge sees the ground truth only for correctness and the
	// numbered context only for the context metrics.
	require.Len(t, judge.reqs, len(Metrics))
	for _, req := range judge.reqs {
		assert.Equal(t, llm.JudgePrompt, req.SystemPrompt)
		assert.Equal(t, llm.FormatJSON, req.Format)
		var all []string
		for _, m := range req.Messages {
			all = append(all, m.Content)
		}
		joined := strings.Join(all, "\n")
		if strings.Contains(joined, Metrics[0].Criteria) {
			assert.Contains(t, joined, "Expected Output:\nAbout two weeks.")
			assert.NotContains(t, joined, "Context:")
		} else {
			assert.Contains(t, joined, "[1] RCA reviews take two weeks.")
			assert.Contains(t, joined, "[2] Templates are on the hub.")
			assert.NotContains(t, joined, "Expected Output:")
		}
	}
}

func TestRunAnswers_Thresholds(t *testing.T) {
	answer := answererFunc(func(context.Context, string, *search.Result) (string, error) { return "two weeks", nil })

	// faithfulness exactly at its threshold passes
	judge := &scriptedJudge{scores: map[string]string{"faithfulness": `{"score": 5}`}}
	rep, err := RunAnswers(context.Background(), fixedSearcher{result: retrievedFixture()}, answer, judge, oneCase(), RunOptions{})
	require.NoError(t, err)
	assert.True(t, rep.Results[0].Passed)

	// correctness below 0.7 fails the case
	judge = &scriptedJudge{scores: map[string]string{"correctness": "```json\n{\"score\": 6, \"reason\": \"partly wrong\"}\n```"}}
	rep, err = RunAnswers(context.Background(), fixedSearcher{result: retrievedFixture()}, answer, judge, oneCase(), RunOptions{})
	require.NoError(t, err)
	res := rep.Results[0]
	assert.False(t, res.Passed)
	score, ok := res.Score("correctness")
	require.True(t, ok)
	assert.InDelta(t, 0.6, score, 1e-9)
	assert.Equal(t, "partly wrong", res.Scores[0].Reason)
	assert.False(t, rep.OK())
}

func TestRunAnswers_StepFailures(t *testing.T) {
	ok := answererFunc(func(context.Context, string, *search.Result) (string, error) { return "answer", nil })
	tests := []struct {
		name     string
		searcher search.Searcher
		answerer Answerer
		judge    llm.Generator
		errPart  string
	}{
		{"retrieval", fixedSearcher{err: errors.New("collection missing")}, ok, &scriptedJudge{}, "retrieval: collection missing"},
		{"answer", fixedSearcher{result: retrievedFixture()},
			answererFunc(func(context.Context, string, *search.Result) (string, error) { return "", errors.New("llm down") }),
			&scriptedJudge{}, "answer: llm down"},
		{"judge not json", fixedSearcher{result: retrievedFixture()}, ok,
			&scriptedJudge{scores: map[string]string{"correctness": "looks fine"}}, "judge correctness"},
		{"score out of range", fixedSearcher{result: retrievedFixture()}, ok,
			&scriptedJudge{scores: map[string]string{"contextual_recall": `{"score": 11}`}}, "judge contextual_recall"},
		{"score missing", fixedSearcher{result: retrievedFixture()}, ok,
			&scriptedJudge{scores: map[string]string{"faithfulness": `{"reason": "n/a"}`}}, "judge faithfulness"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := RunAnswers(context.Background(), tt.searcher, tt.answerer, tt.judge, oneCase(), RunOptions{})
			require.NoError(t, err)
			res := rep.Results[0]
			assert.False(t, res.Passed)
			assert.Contains(t, res.Error, tt.errPart)
		})
	}
}

func TestRunAnswers_NeedsDependencies(t *testing.T) {
	_, err := RunAnswers(context.Background(), nil, nil, nil, oneCase(), RunOptions{})
	assert.Error(t, err)
}

func TestAnswerReport_WriteText(t *testing.T) {
	judge := &scriptedJudge{scores: map[string]string{"correctness": `{"score": 2}`}}
	answer := answererFunc(func(context.Context, string, *search.Result) (string, error) { return "a month", nil })
	suite := &AnswerSuite{MinPassRate: 0.5, Cases: []AnswerCase{
		{ID: "rca", Query: "How long does an RCA review take?", GroundTruth: "About two weeks."},
	}}
	rep, err := RunAnswers(context.Background(), fixedSearcher{result: retrievedFixture()}, answer, judge, suite, RunOptions{Concurrency: 1})
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	require.NoError(t, rep.WriteText(buf, false))
	out := buf.String()
	assert.Contains(t, out, "FAIL  rca")
	assert.Contains(t, out, "correctness=0.20")
	assert.Contains(t, out, "faithfulness")
	assert.Contains(t, out, "FAIL: 0/1 answers passed")
}
