package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// HTTP endpoints, relative to the configured base URLs.
const (
	PathPropose  = "/v1/propose"
	PathGenerate = "/v1/generate"
	PathScore    = "/v1/score"
)

type proposeResponse struct {
	Description   string `json:"description"`
	NoImprovement bool   `json:"no_improvement"`
}

type generateResponse struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPClient talks JSON over HTTP to generator and critic services.
type HTTPClient struct {
	generatorURL string
	criticURL    string
	client       *http.Client
	policy       RetryPolicy
	logger       Logger
}

// NewHTTPClient creates an HTTPClient. Either URL may be empty if only one
// role is used. A nil client uses http.DefaultClient.
func NewHTTPClient(generatorURL, criticURL string, client *http.Client, policy RetryPolicy, logger Logger) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &HTTPClient{
		generatorURL: strings.TrimRight(generatorURL, "/"),
		criticURL:    strings.TrimRight(criticURL, "/"),
		client:       client,
		policy:       policy,
		logger:       logger,
	}
}

// Propose implements Generator.
func (c *HTTPClient) Propose(ctx context.Context, req ProposeRequest) (string, error) {
	resp, err := call(ctx, c.policy, c.logger, "http", "propose", func(ctx context.Context) (proposeResponse, error) {
		var out proposeResponse
		err := c.post(ctx, "propose", c.generatorURL, PathPropose, req, &out)
		return out, err
	})
	if err != nil {
		return "", err
	}
	if resp.NoImprovement {
		return "", ErrNoImprovement
	}
	if strings.TrimSpace(resp.Description) == "" {
		return "", &ProtocolError{Op: "propose", Message: "empty description"}
	}
	return resp.Description, nil
}

// GenerateReplacement implements Generator.
func (c *HTTPClient) GenerateReplacement(ctx context.Context, req GenerateRequest) ([]byte, error) {
	resp, err := call(ctx, c.policy, c.logger, "http", "generate", func(ctx context.Context) (generateResponse, error) {
		var out generateResponse
		err := c.post(ctx, "generate", c.generatorURL, PathGenerate, req, &out)
		return out, err
	})
	if err != nil {
		return nil, err
	}
	return []byte(resp.Content), nil
}

// Score implements Critic.
func (c *HTTPClient) Score(ctx context.Context, req ScoreRequest) (Critique, error) {
	out, err := call(ctx, c.policy, c.logger, "http", "score", func(ctx context.Context) (Critique, error) {
		var out Critique
		err := c.post(ctx, "score", c.criticURL, PathScore, req, &out)
		return out, err
	})
	if err != nil {
		return Critique{}, err
	}
	if err := validateCritique("score", out); err != nil {
		return Critique{}, err
	}
	return out, nil
}

// post sends body as JSON and decodes a 2xx response into out. Failures are
// classified: transport errors, 429 and 5xx are transient, other statuses are not.
func (c *HTTPClient) post(ctx context.Context, op, base, path string, body, out any) error {
	if base == "" {
		return fmt.Errorf("%s: no collaborator URL configured", op)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if isNetworkError(err) {
			return &TransientError{Op: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		var er errorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		remote := &RemoteError{Op: op, Status: resp.StatusCode, Message: msg}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &TransientError{Op: op, Err: remote}
		}
		return remote
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &ProtocolError{Op: op, Message: err.Error()}
	}
	return nil
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

var (
	_ Generator = (*HTTPClient)(nil)
	_ Critic    = (*HTTPClient)(nil)
)
