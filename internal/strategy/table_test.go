package strategy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptiverag/internal/config"
	"adaptiverag/internal/models"
	"adaptiverag/internal/retrieval"
	"adaptiverag/internal/tools/spreadsheet"
	"adaptiverag/internal/uploads"
)

type fakeAnalyzer struct {
	mu       sync.Mutex
	analysis *spreadsheet.Analysis
	err      error
	calls    int
	lastPath string
	lastQ    string
}

func (f *fakeAnalyzer) Analyze(_ context.Context, filePath, question string) (*spreadsheet.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastPath = filePath
	f.lastQ = question
	if f.err != nil {
		return nil, f.err
	}
	return f.analysis, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func seededRegistry(t *testing.T, names ...string) *uploads.Registry {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("data"), 0o644))
	}
	reg, err := uploads.NewRegistry(dir, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func tableCfg() config.TableConfig {
	return config.TableConfig{TopK: 20, ToolTimeout: 2 * time.Second}
}

const (
	intentReply      = `{"query_type": "aggregation", "entities_to_extract": ["meter"], "attributes": ["kwh"]}`
	structuringReply = `{"headers": ["meter", "kwh"], "rows": [["A", "10"], ["B", "32"]], "summary": "Two meters with readings."}`
)

func meterChunk(score float64) models.RetrievedChunk {
	c := chunk("c1", "Meter A read 10 kWh; meter B read 32 kWh.", score)
	c.Metadata = map[string]interface{}{"uploaded_file": "meters.xlsx"}
	return c
}

func TestTableToolPathOverridesModelAnswer(t *testing.T) {
	retriever := retrieverOf(meterChunk(0.8))
	client := &scriptedLLM{replies: []llmReply{
		{text: intentReply},
		{text: structuringReply},
	}}
	analyzer := &fakeAnalyzer{analysis: &spreadsheet.Analysis{
		Headers: []string{"meter", "kwh"},
		Rows:    [][]string{{"A", "10"}, {"B", "32"}},
		Summary: "Total consumption is 42 kWh.",
		Stats:   map[string]float64{"total_kwh": 42},
	}}
	reg := seededRegistry(t, "meters.xlsx")
	tab := NewTable(retriever, client, analyzer, reg, tableCfg(), quietLogger())

	res, err := tab.Execute(context.Background(), &Request{Question: "What is the total consumption?"})

	require.NoError(t, err)
	assert.Equal(t, "Total consumption is 42 kWh.\n\nComputed values:\n- total_kwh: 42", res.Answer)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, 2, client.callCount(), "intent and structuring only; the tool replaces generation")
	assert.Equal(t, 1, analyzer.callCount())
	assert.Equal(t, "What is the total consumption?", analyzer.lastQ)

	require.NotNil(t, res.ToolUsage)
	assert.True(t, res.ToolUsage.Success)
	assert.Equal(t, spreadsheetToolName, res.ToolUsage.Tool)
	assert.Equal(t, "meters.xlsx", res.ToolUsage.Detail["file"])
	assert.Equal(t, 2, res.ToolUsage.Detail["rows"])

	require.NotNil(t, res.Table)
	assert.Equal(t, "aggregation", res.Table.QueryType)
	assert.Equal(t, []string{"meter", "kwh"}, res.Table.Headers)
}

func TestTableToolFailureFallsBackToModel(t *testing.T) {
	retriever := retrieverOf(meterChunk(0.8))
	client := &scriptedLLM{replies: []llmReply{
		{text: intentReply},
		{text: structuringReply},
		{text: "The combined reading is 42 kWh [1]."},
	}}
	analyzer := &fakeAnalyzer{err: errors.New("tool exploded")}
	reg := seededRegistry(t, "meters.xlsx")
	tab := NewTable(retriever, client, analyzer, reg, tableCfg(), quietLogger())

	res, err := tab.Execute(context.Background(), &Request{Question: "What is the total consumption?"})

	require.NoError(t, err)
	assert.Equal(t, "The combined reading is 42 kWh [1].", res.Answer)
	assert.Equal(t, 0.8, res.Confidence)
	assert.Equal(t, 3, client.callCount())

	require.NotNil(t, res.ToolUsage)
	assert.False(t, res.ToolUsage.Success)
	assert.Equal(t, "tool exploded", res.ToolUsage.Detail["reason"])
	assert.Equal(t, "meters.xlsx", res.ToolUsage.Detail["file"])

	prompt := client.prompt(2)
	assert.Contains(t, prompt, "Structured table:")
	assert.Contains(t, prompt, "meter | kwh")
	assert.Contains(t, prompt, "A | 10")
}

func TestTableNoResolvableFileSkipsTool(t *testing.T) {
	retriever := retrieverOf(chunk("c1", "Meter A read 10 kWh.", 0.7))
	client := &scriptedLLM{replies: []llmReply{
		{text: intentReply},
		{text: structuringReply},
		{text: "About 10 kWh [1]."},
	}}
	analyzer := &fakeAnalyzer{analysis: &spreadsheet.Analysis{Summary: "unused"}}
	reg := seededRegistry(t, "meters.xlsx")
	tab := NewTable(retriever, client, analyzer, reg, tableCfg(), quietLogger())

	res, err := tab.Execute(context.Background(), &Request{Question: "How much power was used?"})

	require.NoError(t, err)
	assert.Equal(t, 0, analyzer.callCount())
	require.NotNil(t, res.ToolUsage)
	assert.False(t, res.ToolUsage.Success)
	assert.Equal(t, "no spreadsheet file resolved", res.ToolUsage.Detail["reason"])
}

func TestTableUnregisteredFileSkipsTool(t *testing.T) {
	retriever := retrieverOf(meterChunk(0.7))
	client := &scriptedLLM{replies: []llmReply{
		{text: intentReply},
		{text: structuringReply},
		{text: "About 42 kWh."},
	}}
	analyzer := &fakeAnalyzer{analysis: &spreadsheet.Analysis{Summary: "unused"}}
	reg := seededRegistry(t) // registry exists but meters.xlsx was never uploaded
	tab := NewTable(retriever, client, analyzer, reg, tableCfg(), quietLogger())

	res, err := tab.Execute(context.Background(), &Request{Question: "What is the total?"})

	require.NoError(t, err)
	assert.Equal(t, 0, analyzer.callCount())
	assert.Equal(t, "no spreadsheet file resolved", res.ToolUsage.Detail["reason"])
}

func TestTableMeteringCuesResolveUploadedFile(t *testing.T) {
	// No chunk names a file; the question's metering vocabulary alone
	// routes to the registered spreadsheet.
	retriever := retrieverOf(chunk("c1", "Generation figures for the site.", 0.7))
	client := &scriptedLLM{replies: []llmReply{
		{text: intentReply},
		{text: structuringReply},
	}}
	analyzer := &fakeAnalyzer{analysis: &spreadsheet.Analysis{Summary: "Total generation is 88 kWh."}}
	reg := seededRegistry(t, "pv_meters.xlsx")
	tab := NewTable(retriever, client, analyzer, reg, tableCfg(), quietLogger())

	res, err := tab.Execute(context.Background(), &Request{Question: "总发电量是多少 kWh?"})

	require.NoError(t, err)
	assert.Equal(t, 1, analyzer.callCount())
	assert.Equal(t, "pv_meters.xlsx", filepath.Base(analyzer.lastPath))
	require.NotNil(t, res.ToolUsage)
	assert.True(t, res.ToolUsage.Success)
}

func TestTableToolDisabled(t *testing.T) {
	retriever := retrieverOf(meterChunk(0.7))
	client := &scriptedLLM{replies: []llmReply{
		{text: intentReply},
		{text: structuringReply},
		{text: "About 42 kWh."},
	}}
	tab := NewTable(retriever, client, nil, nil, tableCfg(), quietLogger())

	res, err := tab.Execute(context.Background(), &Request{Question: "What is the total?"})

	require.NoError(t, err)
	require.NotNil(t, res.ToolUsage)
	assert.False(t, res.ToolUsage.Success)
	assert.Equal(t, "tool disabled", res.ToolUsage.Detail["reason"])
	assert.Equal(t, "About 42 kWh.", res.Answer)
}

func TestTableEmptyRetrievalReturnsCannedAnswer(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{{text: intentReply}}}
	tab := NewTable(emptyRetriever(), client, nil, nil, tableCfg(), quietLogger())

	res, err := tab.Execute(context.Background(), &Request{Question: "What is the total?"})

	require.NoError(t, err)
	assert.Equal(t, noInformationAnswer, res.Answer)
	assert.Equal(t, 1, client.callCount(), "only the intent call ran")
	require.NotNil(t, res.ToolUsage)
	assert.False(t, res.ToolUsage.Success)
	assert.Equal(t, "not invoked", res.ToolUsage.Detail["reason"])
}

func TestTableIntentFallbackOnModelFailure(t *testing.T) {
	retriever := retrieverOf(chunk("c1", "Readings: 10, 32.", 0.7))
	client := &scriptedLLM{replies: []llmReply{
		{err: errors.New("unavailable")},
		{text: structuringReply},
		{text: "42 kWh in total."},
	}}
	tab := NewTable(retriever, client, nil, nil, tableCfg(), quietLogger())

	res, err := tab.Execute(context.Background(), &Request{Question: "What is the total consumption?"})

	require.NoError(t, err)
	require.NotNil(t, res.Table)
	assert.Equal(t, "aggregation", res.Table.QueryType)
}

func TestTableWidensTopK(t *testing.T) {
	retriever := retrieverOf(chunk("c1", "Readings.", 0.7))
	client := &scriptedLLM{replies: []llmReply{
		{text: intentReply},
		{text: structuringReply},
		{text: "ok"},
	}}
	tab := NewTable(retriever, client, nil, nil, tableCfg(), quietLogger())

	_, err := tab.Execute(context.Background(), &Request{
		Question: "List the readings",
		Options:  retrieval.Options{TopK: 5},
	})

	require.NoError(t, err)
	require.NotEmpty(t, retriever.opts)
	assert.Equal(t, 20, retriever.opts[0].TopK)
}

func TestFallbackIntent(t *testing.T) {
	tests := []struct {
		question string
		want     string
	}{
		{"What is the total consumption across meters?", "aggregation"},
		{"How many readings were taken?", "aggregation"},
		{"Compare meter A versus meter B", "comparison"},
		{"Which reading is higher?", "comparison"},
		{"Show the readings for March", "list"},
	}
	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			assert.Equal(t, tt.want, fallbackIntent(tt.question).QueryType)
		})
	}
}

func TestRenderTable(t *testing.T) {
	out := renderTable(tableData{
		Headers: []string{"meter", "kwh"},
		Rows:    [][]string{{"A", "10"}},
	})
	assert.Equal(t, "meter | kwh\nA | 10\n", out)
}
