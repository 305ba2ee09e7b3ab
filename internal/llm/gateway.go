package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cortex/internal/errors"
	"cortex/internal/logging"
)

// gatewayClient speaks the internal LLM gateway protocol: a single
// /completion endpoint that multiplexes providers and streams deltas as
// SSE lines of the form `data: {"content": "..."}`.
type gatewayClient struct {
	gatewayURL string
	provider   string
	model      string
	httpClient *http.Client
	logger     logging.Logger
}

// NewGatewayClient returns a client that routes completions through an
// LLM gateway service.
func NewGatewayClient(gatewayURL, provider, model string) Client {
	return &gatewayClient{
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		provider:   provider,
		model:      model,
		httpClient: newHTTPClient(defaultHTTPTimeout),
		logger:     logging.NewComponentLogger("llm.gateway"),
	}
}

func (c *gatewayClient) Model() string { return c.model }

func (c *gatewayClient) StreamCompletion(ctx context.Context, req Request, cb StreamCallbacks) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	payload := map[string]any{
		"provider": c.provider,
		"model":    model,
		"messages": messages,
		"stream":   true,
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.gatewayURL + "/completion"
	c.logger.Debug("POST %s provider=%s model=%s", endpoint, c.provider, model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.NewTransientError(err, "gateway request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if readErr != nil {
			return nil, fmt.Errorf("read error response: %w", readErr)
		}
		return nil, errors.FromHTTPStatus(resp.StatusCode, resp.Status, string(respBody))
	}

	type gatewayEvent struct {
		Content string `json:"content"`
		Error   string `json:"error"`
		Done    bool   `json:"done"`
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var content strings.Builder
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			if data == "[DONE]" {
				break
			}
			continue
		}

		var ev gatewayEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Debug("Skipping undecodable gateway event: %v", err)
			continue
		}
		if ev.Error != "" {
			return nil, fmt.Errorf("gateway error: %s", ev.Error)
		}
		if ev.Done {
			break
		}
		if ev.Content == "" {
			continue
		}
		content.WriteString(ev.Content)
		if cb.OnDelta != nil {
			if err := cb.OnDelta(ev.Content); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewTransientError(err, "gateway stream interrupted")
	}

	return &Completion{Content: content.String(), FinishReason: "stop"}, nil
}
