package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/waynelab/chathub/internal/logger"
)

// Client streams completions from an OpenAI-compatible endpoint over SSE.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a streaming completions client. baseURL is the API root
// without the /chat/completions suffix.
func NewClient(baseURL, apiKey string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger: log.WithComponent("ai"),
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream sends query to modelName and returns a channel of response chunks.
// The channel is closed after the final chunk or on error.
func (c *Client) Stream(ctx context.Context, modelName, query string) (<-chan Chunk, error) {
	body, err := json.Marshal(chatRequest{
		Model:    modelName,
		Messages: []chatMessage{{Role: "user", Content: query}},
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completions request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("completions status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	out := make(chan Chunk)
	go c.consume(ctx, resp.Body, out, modelName)
	return out, nil
}

// consume reads SSE lines from body, forwarding content deltas to out until
// the [DONE] sentinel or an error.
func (c *Client) consume(ctx context.Context, body io.ReadCloser, out chan<- Chunk, modelName string) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			c.send(ctx, out, Chunk{Final: true})
			return
		}

		var delta streamDelta
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			c.logger.Debug("undecodable stream line skipped",
				slog.String("model", modelName),
				slog.String("error", err.Error()))
			continue
		}
		if len(delta.Choices) == 0 {
			continue
		}
		choice := delta.Choices[0]
		if choice.Delta.Content != "" {
			if !c.send(ctx, out, Chunk{Content: choice.Delta.Content}) {
				return
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			c.send(ctx, out, Chunk{Final: true})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		c.send(ctx, out, Chunk{Final: true, Err: fmt.Errorf("stream read: %w", err)})
		return
	}
	// Stream ended without a terminator; treat as complete.
	c.send(ctx, out, Chunk{Final: true})
}

func (c *Client) send(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
