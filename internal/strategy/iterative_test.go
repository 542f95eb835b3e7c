package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/config"
	"adaptiverag/internal/models"
	"adaptiverag/internal/retrieval"
)

func defaultIterCfg() config.IterativeConfig {
	return config.IterativeConfig{MaxIterations: 3, ConfidenceThreshold: 0.75, MinImprovement: 0.05}
}

func newIterativeUnderTest(r Retriever, client *scriptedLLM, cfg config.IterativeConfig) *Iterative {
	h := NewHybrid(r, client, config.RetrievalConfig{MaxContextChunks: 30}, quietLogger())
	return NewIterative(h, client, cfg, quietLogger())
}

func sectioned(answer string, confidence string) string {
	return "**Answer:** " + answer + "\n**Confidence:** " + confidence + "\n**Reasoning:** because the passages say so"
}

const reflectionReply = `{"missing_info": "specific dates", "follow_up_query": "timeline of events"}`

func TestIterativeConvergesInOneIteration(t *testing.T) {
	retriever := retrieverOf(chunk("c1", "clear evidence", 0.9))
	client := &scriptedLLM{replies: []llmReply{{text: sectioned("Done.", "0.9")}}}
	it := newIterativeUnderTest(retriever, client, defaultIterCfg())

	res, err := it.Execute(context.Background(), &Request{Question: "q"})

	require.NoError(t, err)
	assert.Equal(t, "Done.", res.Answer)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, client.callCount(), "no reflection once the threshold is met")
	assert.Equal(t, 1, retriever.callCount())

	iterations, ok := res.Timings["iterations"].([]map[string]interface{})
	require.True(t, ok)
	assert.Len(t, iterations, 1)
}

func TestIterativeRefinesWithNewEvidence(t *testing.T) {
	retriever := &fakeRetriever{steps: []retrieveStep{
		{res: &retrieval.Result{Chunks: []models.RetrievedChunk{chunk("c1", "partial evidence", 0.6)}}},
		{res: &retrieval.Result{Chunks: []models.RetrievedChunk{
			chunk("c1", "partial evidence", 0.6),
			chunk("c2", "the missing dates", 0.8),
		}}},
	}}
	client := &scriptedLLM{replies: []llmReply{
		{text: sectioned("Partial.", "0.5")},
		{text: reflectionReply},
		{text: sectioned("Complete.", "0.85")},
	}}
	it := newIterativeUnderTest(retriever, client, defaultIterCfg())

	res, err := it.Execute(context.Background(), &Request{Question: "what happened and when?"})

	require.NoError(t, err)
	assert.Equal(t, "Complete.", res.Answer)
	assert.Equal(t, 0.85, res.Confidence)
	assert.Equal(t, 2, res.Iterations)
	assert.Len(t, res.Chunks, 2, "union keeps both rounds")
	assert.Equal(t, 3, client.callCount())
	assert.Equal(t, "timeline of events", retriever.query(1), "reflection drives the follow-up query")

	incremental := client.prompt(2)
	assert.Contains(t, incremental, "passages [1..1]")
	assert.Contains(t, incremental, "Partial.")
	assert.Contains(t, incremental, "[2] (corpus.md) the missing dates")
	assert.NotContains(t, incremental, "partial evidence", "previous passages are not resent")
}

func TestIterativeStopsOnPlateauAndReturnsBest(t *testing.T) {
	retriever := &fakeRetriever{steps: []retrieveStep{
		{res: &retrieval.Result{Chunks: []models.RetrievedChunk{chunk("c1", "a", 0.6)}}},
		{res: &retrieval.Result{Chunks: []models.RetrievedChunk{chunk("c2", "b", 0.6)}}},
	}}
	client := &scriptedLLM{replies: []llmReply{
		{text: sectioned("First.", "0.5")},
		{text: reflectionReply},
		{text: sectioned("Second.", "0.52")},
	}}
	it := newIterativeUnderTest(retriever, client, defaultIterCfg())

	res, err := it.Execute(context.Background(), &Request{Question: "q"})

	require.NoError(t, err)
	assert.Equal(t, "Second.", res.Answer, "marginal gain still beats the first answer")
	assert.Equal(t, 0.52, res.Confidence)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 3, client.callCount(), "plateau stops before a third round")
}

func TestIterativeKeepsBestWhenConfidenceDrops(t *testing.T) {
	retriever := &fakeRetriever{steps: []retrieveStep{
		{res: &retrieval.Result{Chunks: []models.RetrievedChunk{chunk("c1", "a", 0.6)}}},
		{res: &retrieval.Result{Chunks: []models.RetrievedChunk{chunk("c2", "b", 0.6)}}},
	}}
	client := &scriptedLLM{replies: []llmReply{
		{text: sectioned("Strong.", "0.6")},
		{text: reflectionReply},
		{text: sectioned("Weak.", "0.3")},
	}}
	it := newIterativeUnderTest(retriever, client, defaultIterCfg())

	res, err := it.Execute(context.Background(), &Request{Question: "q"})

	require.NoError(t, err)
	assert.Equal(t, "Strong.", res.Answer)
	assert.Equal(t, 0.6, res.Confidence)
	assert.Equal(t, 2, res.Iterations)
}

func TestIterativeExhaustsIterationBudget(t *testing.T) {
	retriever := &fakeRetriever{steps: []retrieveStep{
		{res: &retrieval.Result{Chunks: []models.RetrievedChunk{chunk("c1", "a", 0.6)}}},
		{res: &retrieval.Result{Chunks: []models.RetrievedChunk{chunk("c2", "b", 0.6)}}},
		{res: &retrieval.Result{Chunks: []models.RetrievedChunk{chunk("c3", "c", 0.6)}}},
	}}
	client := &scriptedLLM{replies: []llmReply{
		{text: sectioned("One.", "0.3")},
		{text: reflectionReply},
		{text: sectioned("Two.", "0.5")},
		{text: reflectionReply},
		{text: sectioned("Three.", "0.7")},
	}}
	it := newIterativeUnderTest(retriever, client, defaultIterCfg())

	res, err := it.Execute(context.Background(), &Request{Question: "q"})

	require.NoError(t, err)
	assert.Equal(t, "Three.", res.Answer)
	assert.Equal(t, 0.7, res.Confidence)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, 5, client.callCount())
	assert.Equal(t, 45+30, res.Usage.TotalTokens, "three generations and two reflections accumulate")
	assert.Len(t, res.Chunks, 3)
}

func TestIterativeStopsWhenNoNewChunks(t *testing.T) {
	retriever := retrieverOf(chunk("c1", "same evidence", 0.6))
	client := &scriptedLLM{replies: []llmReply{
		{text: sectioned("Only.", "0.5")},
		{text: reflectionReply},
	}}
	it := newIterativeUnderTest(retriever, client, defaultIterCfg())

	res, err := it.Execute(context.Background(), &Request{Question: "q"})

	require.NoError(t, err)
	assert.Equal(t, "Only.", res.Answer)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 2, client.callCount(), "reflection ran but no second generation")
	assert.Len(t, res.Chunks, 1)
}

func TestIterativeEmptyRetrievalReturnsCannedAnswer(t *testing.T) {
	client := &scriptedLLM{}
	it := newIterativeUnderTest(emptyRetriever(), client, defaultIterCfg())

	res, err := it.Execute(context.Background(), &Request{Question: "q"})

	require.NoError(t, err)
	assert.Equal(t, noInformationAnswer, res.Answer)
	assert.Zero(t, res.Confidence)
	assert.Equal(t, 0, client.callCount())
}

func TestIterativeReflectionFailureBroadensQuery(t *testing.T) {
	retriever := &fakeRetriever{steps: []retrieveStep{
		{res: &retrieval.Result{Chunks: []models.RetrievedChunk{chunk("c1", "a", 0.6)}}},
		{res: &retrieval.Result{Chunks: []models.RetrievedChunk{chunk("c2", "b", 0.6)}}},
	}}
	client := &scriptedLLM{replies: []llmReply{
		{text: sectioned("Draft.", "0.5")},
		{err: apperr.LLMTransient("rate limited", nil)},
		{text: sectioned("Final.", "0.8")},
	}}
	it := newIterativeUnderTest(retriever, client, defaultIterCfg())

	res, err := it.Execute(context.Background(), &Request{Question: "who won"})

	require.NoError(t, err)
	assert.Equal(t, "Final.", res.Answer)
	assert.Equal(t, "who won details context", retriever.query(1))
}

func TestIterativeFollowUpRetrievalFailureKeepsBest(t *testing.T) {
	retriever := &fakeRetriever{steps: []retrieveStep{
		{res: &retrieval.Result{Chunks: []models.RetrievedChunk{chunk("c1", "a", 0.6)}}},
		{err: apperr.VectorStoreUnavailable("down", nil)},
	}}
	client := &scriptedLLM{replies: []llmReply{
		{text: sectioned("Kept.", "0.5")},
		{text: reflectionReply},
	}}
	it := newIterativeUnderTest(retriever, client, defaultIterCfg())

	res, err := it.Execute(context.Background(), &Request{Question: "q"})

	require.NoError(t, err)
	assert.Equal(t, "Kept.", res.Answer)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 3, retriever.callCount(), "the failed follow-up is retried once before giving up")
}

func TestParseSectioned(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		answer     string
		confidence float64
	}{
		{
			name:       "full sections",
			text:       "**Answer:** Paris is the capital.\n**Confidence:** 0.82\n**Reasoning:** stated directly",
			answer:     "Paris is the capital.",
			confidence: 0.82,
		},
		{
			name:       "percent confidence",
			text:       "**Answer:** yes\n**Confidence:** 85%\n**Reasoning:** strong",
			answer:     "yes",
			confidence: 0.85,
		},
		{
			name:       "bare integer treated as percent",
			text:       "**Answer:** yes\n**Confidence:** 82\n**Reasoning:** ok",
			answer:     "yes",
			confidence: 0.82,
		},
		{
			name:       "exactly one",
			text:       "**Answer:** certain\n**Confidence:** 1\n**Reasoning:** trivially",
			answer:     "certain",
			confidence: 1.0,
		},
		{
			name:       "missing sections default",
			text:       "The model ignored the format entirely.",
			answer:     "The model ignored the format entirely.",
			confidence: 0.5,
		},
		{
			name:       "non numeric confidence",
			text:       "**Answer:** maybe\n**Confidence:** fairly high\n**Reasoning:** vague",
			answer:     "maybe",
			confidence: 0.5,
		},
		{
			name:       "overlarge clamps to one",
			text:       "**Answer:** sure\n**Confidence:** 420\n**Reasoning:** silly",
			answer:     "sure",
			confidence: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answer, confidence, _ := parseSectioned(tt.text)
			assert.Equal(t, tt.answer, answer)
			assert.InDelta(t, tt.confidence, confidence, 1e-9)
		})
	}
}

func TestParseSectionedReasoning(t *testing.T) {
	_, _, reasoning := parseSectioned("**Answer:** a\n**Confidence:** 0.7\n**Reasoning:** the second passage names it")
	assert.Equal(t, "the second passage names it", reasoning)
}
