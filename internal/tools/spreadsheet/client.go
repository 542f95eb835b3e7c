// Package spreadsheet wraps the external analyze-spreadsheet tool. The tool
// reads an uploaded file and answers tabular questions with exact numbers,
// which the table strategy prefers over model-generated arithmetic.
package spreadsheet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/config"
)

// Analysis is the tool's structured verdict over one file.
type Analysis struct {
	Headers []string           `json:"headers"`
	Rows    [][]string         `json:"rows"`
	Summary string             `json:"summary"`
	Stats   map[string]float64 `json:"stats,omitempty"`
}

// Answer renders the analysis as final answer text. The numbers come from
// the tool unchanged.
func (a *Analysis) Answer() string {
	if a == nil {
		return ""
	}
	var b bytes.Buffer
	if a.Summary != "" {
		b.WriteString(a.Summary)
	}
	if len(a.Stats) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Computed values:")
		for _, key := range sortedStatKeys(a.Stats) {
			fmt.Fprintf(&b, "\n- %s: %g", key, a.Stats[key])
		}
	}
	return b.String()
}

func sortedStatKeys(stats map[string]float64) []string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Analyzer is the surface the table strategy depends on.
type Analyzer interface {
	Analyze(ctx context.Context, filePath, question string) (*Analysis, error)
}

// Client calls the analyzer service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient wires the tool client. Returns nil when the tool is disabled or
// unconfigured, which callers treat as "no tool available".
func NewClient(cfg config.TableConfig, logger *logrus.Logger) *Client {
	if !cfg.ToolEnabled || cfg.ToolURL == "" {
		return nil
	}
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.ToolTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.ToolURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type analyzeRequest struct {
	FilePath string `json:"file_path"`
	Question string `json:"question"`
}

// Analyze runs the tool over the resolved file. Failures come back as
// TOOL_FAILURE so the strategy can record them and continue.
func (c *Client) Analyze(ctx context.Context, filePath, question string) (*Analysis, error) {
	jsonBody, err := json.Marshal(analyzeRequest{FilePath: filePath, Question: question})
	if err != nil {
		return nil, apperr.ToolFailure("failed to marshal tool request", err)
	}

	url := c.baseURL + "/analyze-spreadsheet"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, apperr.ToolFailure("failed to create tool request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.ToolFailure("spreadsheet tool unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.ToolFailure("failed to read tool response", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.ToolFailure(fmt.Sprintf("tool returned %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	var analysis Analysis
	if err := json.Unmarshal(respBody, &analysis); err != nil {
		return nil, apperr.ToolFailure("malformed tool response", err)
	}

	c.logger.WithFields(logrus.Fields{
		"file":    filePath,
		"rows":    len(analysis.Rows),
		"time_ms": time.Since(start).Milliseconds(),
	}).Debug("spreadsheet analysis complete")
	return &analysis, nil
}
