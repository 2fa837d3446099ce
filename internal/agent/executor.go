package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/liftoffhq/runway/internal/engine"
)

const (
	defaultTimeout         = 10 * time.Minute
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// HTTPExecutorConfig configures the HTTP task executor.
type HTTPExecutorConfig struct {
	// BaseURL of the agent execution service, e.g. "http://localhost:9400".
	BaseURL string
	// AuthToken, when set, is sent as a bearer token.
	AuthToken string
	// Timeout bounds a single task execution. Zero means the default.
	Timeout time.Duration
	// MaxResponseBody caps how many bytes of task output are read.
	MaxResponseBody int64
}

// HTTPTaskExecutor dispatches agent tasks to an external execution service
// over HTTP. The call blocks until the service finishes the task; long-poll
// semantics are the service's concern, not ours.
type HTTPTaskExecutor struct {
	config HTTPExecutorConfig
	client *http.Client
}

// NewHTTPTaskExecutor creates an executor for the given service.
func NewHTTPTaskExecutor(config HTTPExecutorConfig) *HTTPTaskExecutor {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxResponseBody <= 0 {
		config.MaxResponseBody = defaultMaxResponseBody
	}
	return &HTTPTaskExecutor{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

type taskError struct {
	Error string `json:"error"`
}

// Run implements engine.TaskExecutor.
func (e *HTTPTaskExecutor) Run(ctx context.Context, req engine.TaskRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal task request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.config.BaseURL+"/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build task request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.config.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.config.AuthToken)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute task for agent %q: %w", req.AgentID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read task response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var te taskError
		if json.Unmarshal(data, &te) == nil && te.Error != "" {
			return nil, fmt.Errorf("task service returned %d: %s", resp.StatusCode, te.Error)
		}
		return nil, fmt.Errorf("task service returned %d", resp.StatusCode)
	}

	if !json.Valid(data) {
		// Tolerate plain-text outputs from simpler agents.
		quoted, qErr := json.Marshal(string(data))
		if qErr != nil {
			return nil, fmt.Errorf("encode task output: %w", qErr)
		}
		return quoted, nil
	}
	return data, nil
}
