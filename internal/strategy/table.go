package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/config"
	"adaptiverag/internal/llm"
	"adaptiverag/internal/models"
	"adaptiverag/internal/tools/spreadsheet"
	"adaptiverag/internal/uploads"
)

const spreadsheetToolName = "analyze-spreadsheet"

// Table answers questions over tabular content. The pipeline classifies the
// query intent, retrieves with a wider top-k, restructures the retrieved
// text into rows and headers, and delegates numeric work to the spreadsheet
// tool whenever a source file can be resolved. Tool results win over model
// output because the tool computes instead of recalling.
type Table struct {
	retriever Retriever
	llm       llm.Client
	analyzer  spreadsheet.Analyzer
	uploads   *uploads.Registry
	cfg       config.TableConfig
	logger    *logrus.Logger
}

// NewTable wires the strategy. analyzer and registry may be nil; the
// strategy then always takes the language-model path.
func NewTable(retriever Retriever, client llm.Client, analyzer spreadsheet.Analyzer, registry *uploads.Registry, cfg config.TableConfig, logger *logrus.Logger) *Table {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 20
	}
	return &Table{retriever: retriever, llm: client, analyzer: analyzer, uploads: registry, cfg: cfg, logger: logger}
}

func (t *Table) Name() string        { return NameTable }
func (t *Table) DisplayName() string { return DisplayTable }

// tableIntent is the parsed classification of what the question wants from
// the table.
type tableIntent struct {
	QueryType         string   `json:"query_type"`
	EntitiesToExtract []string `json:"entities_to_extract"`
	Attributes        []string `json:"attributes"`
}

// tableData is the structured form distilled from retrieved chunks.
type tableData struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
	Summary string     `json:"summary"`
}

// Execute runs the table pipeline. The tool_usage field is always
// populated, including when the tool was never invoked, so callers can see
// why a numeric answer came from the model instead.
func (t *Table) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	var usage models.TokenUsage
	timings := map[string]interface{}{}
	toolUsage := &models.ToolUsage{Tool: spreadsheetToolName, Success: false, Detail: map[string]interface{}{"reason": "not invoked"}}

	intentStart := time.Now()
	intent, intentUsage := t.classifyIntent(ctx, req.Question)
	usage.Add(intentUsage)
	timings["intent_ms"] = time.Since(intentStart).Milliseconds()

	opts := req.Options
	if opts.TopK < t.cfg.TopK {
		opts.TopK = t.cfg.TopK
	}
	retrStart := time.Now()
	res, err := retrieveWithRetry(ctx, t.retriever, req.Question, opts)
	retrievalMs := time.Since(retrStart).Milliseconds()
	timings["retrieval_ms"] = retrievalMs
	if err != nil {
		if apperr.IsKind(err, apperr.KindRetrievalEmpty) {
			req.Trace.CheckpointRetrieval(0, NameTable)
			timings["end_to_end_ms"] = time.Since(start).Milliseconds()
			result := emptyResult(timings, retrievalMs)
			result.Usage = usage
			result.ToolUsage = toolUsage
			return result, nil
		}
		return nil, err
	}
	chunks := res.Chunks
	req.Trace.CheckpointRetrieval(len(chunks), NameTable)

	structStart := time.Now()
	table, structUsage := t.structure(ctx, req.Question, intent, chunks)
	usage.Add(structUsage)
	timings["structuring_ms"] = time.Since(structStart).Milliseconds()

	var (
		answer     string
		confidence float64
		llmMs      int64
	)

	toolStart := time.Now()
	analysis := t.tryTool(ctx, req.Question, chunks, toolUsage)
	timings["tool_ms"] = time.Since(toolStart).Milliseconds()

	if analysis != nil {
		// The tool computed over the actual file; its output is final.
		answer = analysis.Answer()
		confidence = 0.9
		if len(analysis.Headers) > 0 {
			table.Headers = analysis.Headers
			table.Rows = analysis.Rows
		}
		req.Trace.CheckpointGeneration(nil, spreadsheetToolName, 0)
	} else {
		llmStart := time.Now()
		completed, err := t.generate(ctx, req, intent, table, chunks)
		llmMs = time.Since(llmStart).Milliseconds()
		if err != nil {
			req.Trace.CheckpointGeneration(err, completerModel(t.llm), 0)
			return nil, err
		}
		req.Trace.CheckpointGeneration(nil, completed.Model, completed.Usage.TotalTokens)
		usage.Add(completed.Usage)
		answer = strings.TrimSpace(completed.Text)
		confidence = maxScore(chunks)
	}
	timings["llm_ms"] = llmMs
	timings["end_to_end_ms"] = time.Since(start).Milliseconds()

	return &Result{
		Answer:     answer,
		Citations:  citationsFrom(chunks),
		Chunks:     chunks,
		Confidence: clamp01(confidence),
		Usage:      usage,
		ToolUsage:  toolUsage,
		Timings:    timings,
		Table: &models.TableResult{
			QueryType: intent.QueryType,
			Headers:   table.Headers,
			Rows:      table.Rows,
			Summary:   table.Summary,
		},
		RetrievalMs: retrievalMs,
		LLMMs:       llmMs,
		Iterations:  1,
	}, nil
}

// classifyIntent asks the model what shape of answer the question wants.
// Failures fall back to keyword rules so the pipeline never stalls here.
func (t *Table) classifyIntent(ctx context.Context, question string) (tableIntent, models.TokenUsage) {
	result, err := t.llm.Complete(ctx, &llm.Request{
		Messages:    llm.SystemUser(tableIntentSystem, question),
		MaxTokens:   256,
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		t.logger.WithError(err).Debug("intent classification failed, using keyword fallback")
		return fallbackIntent(question), models.TokenUsage{}
	}
	var intent tableIntent
	if err := json.Unmarshal([]byte(extractJSON(result.Text)), &intent); err != nil || !validQueryType(intent.QueryType) {
		return fallbackIntent(question), result.Usage
	}
	intent.QueryType = strings.ToLower(strings.TrimSpace(intent.QueryType))
	return intent, result.Usage
}

func validQueryType(qt string) bool {
	switch strings.ToLower(strings.TrimSpace(qt)) {
	case "aggregation", "comparison", "list":
		return true
	}
	return false
}

var (
	aggregationCues = []string{"total", "sum", "average", "mean", "count", "how many", "how much", "maximum", "minimum", "highest", "lowest"}
	comparisonCues  = []string{"compare", "comparison", "versus", "vs", "difference", "higher", "lower", "more than", "less than"}
)

func fallbackIntent(question string) tableIntent {
	lower := strings.ToLower(question)
	qt := "list"
	for _, cue := range aggregationCues {
		if strings.Contains(lower, cue) {
			qt = "aggregation"
			break
		}
	}
	if qt == "list" {
		for _, cue := range comparisonCues {
			if strings.Contains(lower, cue) {
				qt = "comparison"
				break
			}
		}
	}
	return tableIntent{QueryType: qt}
}

// structure distills the retrieved text into headers and rows. A failed
// structuring pass degrades to an empty table; generation still sees the
// raw passages.
func (t *Table) structure(ctx context.Context, question string, intent tableIntent, chunks []models.RetrievedChunk) (tableData, models.TokenUsage) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nQuery type: %s\n", question, intent.QueryType)
	if len(intent.EntitiesToExtract) > 0 {
		fmt.Fprintf(&b, "Entities of interest: %s\n", strings.Join(intent.EntitiesToExtract, ", "))
	}
	if len(intent.Attributes) > 0 {
		fmt.Fprintf(&b, "Attributes of interest: %s\n", strings.Join(intent.Attributes, ", "))
	}
	b.WriteString("\nSource passages:\n\n")
	b.WriteString(contextBlock(chunks, 1))

	result, err := t.llm.Complete(ctx, &llm.Request{
		Messages: llm.SystemUser(tableStructuringSystem, b.String()),
		JSONMode: true,
	})
	if err != nil {
		t.logger.WithError(err).Debug("table structuring failed")
		return tableData{}, models.TokenUsage{}
	}
	var table tableData
	if err := json.Unmarshal([]byte(extractJSON(result.Text)), &table); err != nil {
		t.logger.WithError(err).Debug("table structuring returned malformed JSON")
		return tableData{}, result.Usage
	}
	return table, result.Usage
}

// tryTool resolves a spreadsheet file and delegates the question to the
// analysis tool. It returns nil when the tool is absent, no file resolves,
// or the call fails; toolUsage records which.
func (t *Table) tryTool(ctx context.Context, question string, chunks []models.RetrievedChunk, toolUsage *models.ToolUsage) *spreadsheet.Analysis {
	if t.analyzer == nil {
		toolUsage.Detail["reason"] = "tool disabled"
		return nil
	}
	path := t.resolveFile(question, chunks)
	if path == "" {
		toolUsage.Detail["reason"] = "no spreadsheet file resolved"
		return nil
	}

	toolCtx := ctx
	if t.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, t.cfg.ToolTimeout)
		defer cancel()
	}
	callStart := time.Now()
	analysis, err := t.analyzer.Analyze(toolCtx, path, question)
	toolUsage.TimeMs = time.Since(callStart).Milliseconds()
	toolUsage.Detail["file"] = filepath.Base(path)
	if err != nil {
		t.logger.WithError(err).WithField("file", path).Warn("spreadsheet tool failed, falling back to model answer")
		toolUsage.Detail["reason"] = err.Error()
		return nil
	}
	toolUsage.Success = true
	delete(toolUsage.Detail, "reason")
	toolUsage.Detail["rows"] = len(analysis.Rows)
	return analysis
}

// meteringCues mark questions about meter readings or spreadsheet content;
// they trigger the tool even when no retrieved chunk names a file.
var meteringCues = []string{
	"电表", "读数", "光伏", "正向用电", "反向用电", "发电量",
	"meter", "metering", "kwh", "spreadsheet", "worksheet",
}

func hasMeteringCues(question string) bool {
	lower := strings.ToLower(question)
	for _, cue := range meteringCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// resolveFile scans chunk metadata for a spreadsheet reference the uploads
// registry can resolve to a real file. When the question itself carries
// metering cues, the first registered spreadsheet serves as the target.
func (t *Table) resolveFile(question string, chunks []models.RetrievedChunk) string {
	for _, chunk := range chunks {
		for _, key := range []string{"uploaded_file", "file_path"} {
			ref, ok := chunk.Metadata[key].(string)
			if !ok || ref == "" {
				continue
			}
			if !uploads.IsSpreadsheet(ref) {
				continue
			}
			if path, ok := t.uploads.Resolve(ref); ok {
				return path
			}
		}
	}
	if hasMeteringCues(question) {
		for _, name := range t.uploads.Files() {
			if path, ok := t.uploads.Resolve(name); ok {
				return path
			}
		}
	}
	return ""
}

func (t *Table) generate(ctx context.Context, req *Request, intent tableIntent, table tableData, chunks []models.RetrievedChunk) (*llm.Result, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nQuery type: %s\n\n", req.Question, intent.QueryType)
	if len(table.Headers) > 0 || len(table.Rows) > 0 {
		b.WriteString("Structured table:\n")
		b.WriteString(renderTable(table))
		b.WriteString("\n")
	}
	if table.Summary != "" {
		fmt.Fprintf(&b, "Table summary: %s\n\n", table.Summary)
	}
	b.WriteString("Source passages:\n\n")
	b.WriteString(contextBlock(chunks, 1))
	return t.llm.Complete(ctx, &llm.Request{
		Messages: llm.SystemUser(tableAnswerSystem, b.String()),
	})
}

// renderTable writes the structured table as pipe-separated lines, which
// keeps numeric columns aligned enough for the model to read accurately.
func renderTable(table tableData) string {
	var b strings.Builder
	if len(table.Headers) > 0 {
		b.WriteString(strings.Join(table.Headers, " | "))
		b.WriteString("\n")
	}
	for _, row := range table.Rows {
		b.WriteString(strings.Join(row, " | "))
		b.WriteString("\n")
	}
	return b.String()
}
