package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/config"
	"adaptiverag/internal/llm"
	"adaptiverag/internal/models"
	"adaptiverag/internal/retrieval"
)

type fakeSearcher struct {
	mu        sync.Mutex
	result    *retrieval.Result
	err       error
	calls     int
	lastQuery string
	lastOpts  retrieval.Options
}

func (f *fakeSearcher) Retrieve(_ context.Context, query string, opts retrieval.Options) (*retrieval.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastQuery = query
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Complete(context.Context, *llm.Request) (*llm.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{
		Text:  f.reply,
		Usage: models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testGraphConfig() config.GraphConfig {
	return config.GraphConfig{
		MaxQueryEntities: 5,
		MaxJITChunks:     50,
		BatchSize:        2,
		BatchTimeout:     5 * time.Second,
		MaxHops:          2,
	}
}

func chunks(n int) []models.RetrievedChunk {
	out := make([]models.RetrievedChunk, n)
	for i := range out {
		out[i] = models.RetrievedChunk{
			Chunk: models.Chunk{
				ID:   fmt.Sprintf("c%d", i+1),
				Text: fmt.Sprintf("passage %d about the bennet family", i+1),
			},
			Score: 0.9,
		}
	}
	return out
}

const pairExtraction = `{"chunks": [{"index": 0, "entities": [
  {"name": "Elizabeth Bennet", "type": "person"},
  {"name": "Mr Darcy", "type": "person"}
], "relations": [
  {"src": "elizabeth bennet", "dst": "mr darcy", "type": "family", "confidence": 0.9}
]}]}`

func TestExtractQueryEntitiesViaLLM(t *testing.T) {
	fc := &fakeCompleter{reply: `{"entities": ["Elizabeth Bennet", "MR DARCY", "elizabeth bennet"]}`}
	b := NewBuilder(NewStore(quietLogger()), &fakeSearcher{}, fc, nil, testGraphConfig(), quietLogger())

	names, usage := b.ExtractQueryEntities(context.Background(), "How are Elizabeth and Darcy related?")
	assert.Equal(t, []string{"elizabeth bennet", "mr darcy"}, names)
	assert.Equal(t, 15, usage.TotalTokens)
	assert.Equal(t, 1, fc.callCount())
}

func TestExtractQueryEntitiesCapped(t *testing.T) {
	fc := &fakeCompleter{reply: `{"entities": ["a", "b", "c", "d", "e", "f", "g"]}`}
	b := NewBuilder(NewStore(quietLogger()), &fakeSearcher{}, fc, nil, testGraphConfig(), quietLogger())

	names, _ := b.ExtractQueryEntities(context.Background(), "who are all these people")
	assert.Len(t, names, 5)
}

func TestExtractQueryEntitiesFallsBackToNouns(t *testing.T) {
	fc := &fakeCompleter{err: errors.New("llm down")}
	b := NewBuilder(NewStore(quietLogger()), &fakeSearcher{}, fc, nil, testGraphConfig(), quietLogger())

	names, usage := b.ExtractQueryEntities(context.Background(), "How are Elizabeth Bennet and Darcy connected in the novel?")
	assert.Equal(t, []string{"elizabeth bennet", "darcy"}, names)
	assert.Zero(t, usage.TotalTokens)
}

func TestExtractQueryEntitiesWithoutLLM(t *testing.T) {
	b := NewBuilder(NewStore(quietLogger()), &fakeSearcher{}, nil, nil, testGraphConfig(), quietLogger())

	names, _ := b.ExtractQueryEntities(context.Background(), "Where does Lady Catherine live?")
	assert.Equal(t, []string{"lady catherine"}, names)
}

func TestEnsureEntitiesBuildsGraph(t *testing.T) {
	store := NewStore(quietLogger())
	fs := &fakeSearcher{result: &retrieval.Result{Chunks: chunks(1)}}
	fc := &fakeCompleter{reply: pairExtraction}
	b := NewBuilder(store, fs, fc, nil, testGraphConfig(), quietLogger())

	usage, err := b.EnsureEntities(context.Background(), "How are they related?", []string{"elizabeth bennet", "mr darcy"})
	require.NoError(t, err)
	assert.Equal(t, 15, usage.TotalTokens)

	assert.True(t, store.HasEntity("elizabeth bennet"))
	assert.True(t, store.HasEntity("mr darcy"))
	assert.Equal(t, 1, store.RelationCount())
	assert.Nil(t, store.FilterUnprocessed([]string{"c1"}), "extracted chunk is marked processed")

	assert.Contains(t, fs.lastQuery, "How are they related?")
	assert.Contains(t, fs.lastQuery, "elizabeth bennet")
	assert.Equal(t, 50, fs.lastOpts.TopK)
	assert.False(t, fs.lastOpts.Rerank)
}

func TestEnsureEntitiesBatchesCandidates(t *testing.T) {
	store := NewStore(quietLogger())
	fs := &fakeSearcher{result: &retrieval.Result{Chunks: chunks(5)}}
	fc := &fakeCompleter{reply: `{"chunks": [{"index": 0, "entities": [{"name": "x", "type": "person"}], "relations": []}]}`}
	b := NewBuilder(store, fs, fc, nil, testGraphConfig(), quietLogger())

	_, err := b.EnsureEntities(context.Background(), "q", []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, 3, fc.callCount(), "five chunks at batch size two is three calls")
	assert.Nil(t, store.FilterUnprocessed([]string{"c1", "c2", "c3", "c4", "c5"}))
}

func TestEnsureEntitiesMemoizesCompletedBuilds(t *testing.T) {
	store := NewStore(quietLogger())
	fs := &fakeSearcher{result: &retrieval.Result{Chunks: chunks(1)}}
	fc := &fakeCompleter{reply: pairExtraction}
	b := NewBuilder(store, fs, fc, nil, testGraphConfig(), quietLogger())

	_, err := b.EnsureEntities(context.Background(), "q", []string{"mr darcy", "elizabeth bennet"})
	require.NoError(t, err)

	// Same set in a different order hits the memo.
	_, err = b.EnsureEntities(context.Background(), "q", []string{"elizabeth bennet", "mr darcy"})
	require.NoError(t, err)
	assert.Equal(t, 1, fs.calls)
	assert.Equal(t, 1, fc.callCount())
}

func TestEnsureEntitiesFailureIsRetried(t *testing.T) {
	store := NewStore(quietLogger())
	fs := &fakeSearcher{result: &retrieval.Result{Chunks: chunks(1)}}
	fc := &fakeCompleter{err: errors.New("llm down")}
	b := NewBuilder(store, fs, fc, nil, testGraphConfig(), quietLogger())

	_, err := b.EnsureEntities(context.Background(), "q", []string{"elizabeth bennet"})
	require.Error(t, err)
	assert.Equal(t, 0, store.EntityCount())

	// The failed build was not memoized and the chunk not consumed, so a
	// retry with a healthy model succeeds.
	fc.mu.Lock()
	fc.err = nil
	fc.reply = pairExtraction
	fc.mu.Unlock()

	_, err = b.EnsureEntities(context.Background(), "q", []string{"elizabeth bennet"})
	require.NoError(t, err)
	assert.True(t, store.HasEntity("elizabeth bennet"))
}

func TestEnsureEntitiesEmptyRetrievalSucceeds(t *testing.T) {
	fs := &fakeSearcher{err: apperr.RetrievalEmpty("no chunks matched")}
	fc := &fakeCompleter{}
	b := NewBuilder(NewStore(quietLogger()), fs, fc, nil, testGraphConfig(), quietLogger())

	_, err := b.EnsureEntities(context.Background(), "q", []string{"nobody"})
	require.NoError(t, err)
	assert.Equal(t, 0, fc.callCount())
}

func TestEnsureEntitiesRetrievalFailurePropagates(t *testing.T) {
	fs := &fakeSearcher{err: apperr.VectorStoreUnavailable("qdrant down", nil)}
	b := NewBuilder(NewStore(quietLogger()), fs, &fakeCompleter{}, nil, testGraphConfig(), quietLogger())

	_, err := b.EnsureEntities(context.Background(), "q", []string{"anyone"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindVectorStoreUnavailable))
}

func TestEnsureEntitiesSkipsProcessedChunks(t *testing.T) {
	store := NewStore(quietLogger())
	store.MarkProcessed("c1")
	fs := &fakeSearcher{result: &retrieval.Result{Chunks: chunks(1)}}
	fc := &fakeCompleter{reply: pairExtraction}
	b := NewBuilder(store, fs, fc, nil, testGraphConfig(), quietLogger())

	_, err := b.EnsureEntities(context.Background(), "q", []string{"elizabeth bennet"})
	require.NoError(t, err)
	assert.Equal(t, 0, fc.callCount(), "already processed chunks are not re-extracted")
}

func TestEnsureEntitiesNoMissingIsNoOp(t *testing.T) {
	fs := &fakeSearcher{}
	b := NewBuilder(NewStore(quietLogger()), fs, &fakeCompleter{}, nil, testGraphConfig(), quietLogger())

	usage, err := b.EnsureEntities(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Zero(t, usage.TotalTokens)
	assert.Equal(t, 0, fs.calls)
}

func TestMergeCoercesVocabularyAndStubsEndpoints(t *testing.T) {
	store := NewStore(quietLogger())
	fs := &fakeSearcher{result: &retrieval.Result{Chunks: chunks(1)}}
	fc := &fakeCompleter{reply: `{"chunks": [{"index": 0, "entities": [
	  {"name": "wickham", "type": "person"}
	], "relations": [
	  {"src": "wickham", "dst": "georgiana", "type": "loves", "confidence": 0.7}
	]}]}`}
	b := NewBuilder(store, fs, fc, nil, testGraphConfig(), quietLogger())

	_, err := b.EnsureEntities(context.Background(), "q", []string{"wickham"})
	require.NoError(t, err)

	// The unlisted endpoint is stubbed in rather than the edge dropped,
	// and the off-vocabulary type collapses to related_to.
	assert.True(t, store.HasEntity("georgiana"))
	sub := store.Neighborhood([]string{"wickham"}, 1)
	require.Len(t, sub.Relations, 1)
	assert.Equal(t, RelationRelated, sub.Relations[0].Type)
}

type gatedCompleter struct {
	started chan struct{}
	release chan struct{}
	reply   string
	calls   int32
}

func (g *gatedCompleter) Complete(context.Context, *llm.Request) (*llm.Result, error) {
	if atomic.AddInt32(&g.calls, 1) == 1 {
		close(g.started)
	}
	<-g.release
	return &llm.Result{Text: g.reply}, nil
}

func TestEnsureEntitiesCollapsesConcurrentBuilds(t *testing.T) {
	store := NewStore(quietLogger())
	fs := &fakeSearcher{result: &retrieval.Result{Chunks: chunks(1)}}
	gc := &gatedCompleter{
		started: make(chan struct{}),
		release: make(chan struct{}),
		reply:   pairExtraction,
	}
	b := NewBuilder(store, fs, gc, nil, testGraphConfig(), quietLogger())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = b.EnsureEntities(context.Background(), "q", []string{"elizabeth bennet"})
	}()

	<-gc.started
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = b.EnsureEntities(context.Background(), "q", []string{"elizabeth bennet"})
	}()

	time.Sleep(20 * time.Millisecond)
	close(gc.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&gc.calls), "second request joins the in-flight build")
	assert.True(t, store.HasEntity("elizabeth bennet"))
}
