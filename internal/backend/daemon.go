package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/normanking/relay/internal/logging"
)

const (
	// maxErrorBodySize caps how much of an error response body is read into
	// an error message.
	maxErrorBodySize = 4 * 1024

	// maxResponseBodySize caps a generation response body.
	maxResponseBodySize = 32 * 1024 * 1024

	defaultGenerateTimeout = 60 * time.Second
)

// ═══════════════════════════════════════════════════════════════════════════════
// DAEMON-HTTP BACKEND
// ═══════════════════════════════════════════════════════════════════════════════

// Daemon talks to a local generation daemon over HTTP. Generation is a
// single non-streaming POST to /generate; health is a GET to /tags listing
// the served models.
type Daemon struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	log      *logging.Logger
}

// DaemonOption configures a Daemon.
type DaemonOption func(*Daemon)

// WithGenerateTimeout bounds a single generation call.
func WithGenerateTimeout(d time.Duration) DaemonOption {
	return func(b *Daemon) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) DaemonOption {
	return func(b *Daemon) {
		b.client = c
	}
}

// NewDaemon creates a daemon-http adapter for the given base URL.
func NewDaemon(endpoint string, opts ...DaemonOption) *Daemon {
	b := &Daemon{
		endpoint: strings.TrimRight(endpoint, "/"),
		timeout:  defaultGenerateTimeout,
		log:      logging.Global().WithComponent("Daemon"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = &http.Client{}
	}
	return b
}

// generateRequest is the daemon's /generate wire format.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// generateResponse is the daemon's /generate reply.
type generateResponse struct {
	Response  string `json:"response"`
	EvalCount int    `json:"eval_count"`
}

// Generate implements Generator.
func (b *Daemon) Generate(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(generateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		Stream: false,
		Options: generateOptions{
			NumPredict:  req.MaxTokens,
			Temperature: req.Temperature,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, b.classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readLimitedBody(resp.Body, maxErrorBodySize)
		return nil, &Error{
			Kind:    KindNonSuccessStatus,
			Backend: "daemon-http",
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, msg),
		}
	}

	var out generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize)).Decode(&out); err != nil {
		return nil, &Error{
			Kind:    KindNonSuccessStatus,
			Backend: "daemon-http",
			Err:     fmt.Errorf("decode response: %w", err),
		}
	}

	tokens := out.EvalCount
	if tokens == 0 {
		tokens = EstimateTokens(out.Response)
	}

	b.log.Debug("generate model=%s tokens=%d elapsed=%s", req.Model, tokens, time.Since(start).Round(time.Millisecond))
	return &Response{Text: out.Response, TokensUsed: tokens}, nil
}

// Probe implements Generator by listing the daemon's served models.
func (b *Daemon) Probe(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, b.classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Kind:    KindNonSuccessStatus,
			Backend: "daemon-http",
			Err:     fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}

	names := make([]string, 0, len(out.Models))
	for _, m := range out.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// classify maps a transport failure onto the error taxonomy.
func (b *Daemon) classify(err error) error {
	kind := KindConnectionRefused
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		kind = KindTimeout
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		kind = KindTimeout
	} else if errors.Is(err, syscall.ECONNREFUSED) {
		kind = KindConnectionRefused
	}
	return &Error{Kind: kind, Backend: "daemon-http", Err: err}
}

// readLimitedBody reads at most limit bytes of a response body, for error
// messages.
func readLimitedBody(r io.Reader, limit int64) string {
	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable body: %v>", err)
	}
	return strings.TrimSpace(string(data))
}
