// Package merge defines the boundary to the external routine that stitches a
// session's uploaded segments into final artifacts. The muxing itself is a
// black box behind Processor.
package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Result is the merge routine's output: final artifact URLs for each
// participant plus the combined cut.
type Result struct {
	HostURL   string `json:"host_url"`
	GuestURL  string `json:"guest_url"`
	MergedURL string `json:"merged_url"`
}

// Processor runs the external merge routine for one session.
type Processor interface {
	ProcessSession(ctx context.Context, sessionID string) (Result, error)
}

// HTTPProcessor calls a merge service over HTTP: POST {baseURL}/process with
// {"session_id": ...}, expecting a Result body.
type HTTPProcessor struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPProcessor creates a merge client for the given service base URL.
func NewHTTPProcessor(baseURL string, logger *zap.Logger) *HTTPProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProcessor{
		baseURL: baseURL,
		// No request timeout: merges can run long; stalled-job redelivery is
		// the recovery mechanism, driven by the caller's context.
		client: &http.Client{Timeout: 0},
		logger: logger,
	}
}

// ProcessSession invokes the merge service and returns the artifact URLs.
func (p *HTTPProcessor) ProcessSession(ctx context.Context, sessionID string) (Result, error) {
	body, err := json.Marshal(map[string]string{"session_id": sessionID})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/process", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create merge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("merge request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("merge service status %d: %s", resp.StatusCode, msg)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode merge result: %w", err)
	}
	p.logger.Info("merge routine completed",
		zap.String("session_id", sessionID),
		zap.Duration("took", time.Since(started)))
	return res, nil
}
