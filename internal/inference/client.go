// Package inference talks to the OpenAI-compatible endpoint with the
// session's API key, or its bearer token when no key was created.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/config"
	"github.com/unreal-ai/unreal-console/internal/session"
)

// ErrAborted is returned by a stream that was cut short by a newer request or
// by Abort.
var ErrAborted = errors.New("stream aborted")

var responseHeaderTimeout = 2 * time.Minute

// Credentials exposes the session the client authenticates with.
type Credentials interface {
	Snapshot() session.Snapshot
}

type Client struct {
	baseURL string
	model   string
	creds   Credentials
	http    *http.Client
	log     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	seq    uint64
}

func NewClient(cfg config.InferenceConfig, creds Credentials, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		model:   cfg.Model,
		creds:   creds,
		http:    newHTTPClient(),
		log:     log.Named("inference"),
	}
}

// newHTTPClient bounds connecting and waiting for response headers only.
// A streamed body may run as long as the caller's context allows, and Abort
// ends it early.
func newHTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = responseHeaderTimeout
	return &http.Client{Transport: tr}
}

// Model is the default model for requests that name none.
func (c *Client) Model() string { return c.model }

func (c *Client) credential() (string, error) {
	snap := c.creds.Snapshot()
	if snap.APIKey != "" {
		return snap.APIKey, nil
	}
	if snap.Token != "" {
		return snap.Token, nil
	}
	return "", session.ErrNoSession
}

func (c *Client) client() (*openai.Client, error) {
	cred, err := c.credential()
	if err != nil {
		return nil, err
	}
	cfg := openai.DefaultConfig(cred)
	cfg.BaseURL = c.baseURL
	cfg.HTTPClient = c.http
	return openai.NewClientWithConfig(cfg), nil
}

func (c *Client) Models(ctx context.Context) ([]openai.Model, error) {
	oc, err := c.client()
	if err != nil {
		return nil, err
	}
	list, err := oc.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return list.Models, nil
}

// Pricing returns the endpoint's price list as it was served.
func (c *Client) Pricing(ctx context.Context) (json.RawMessage, error) {
	cred, err := c.credential()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models/pricing", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get pricing: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read pricing: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get pricing: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !json.Valid(body) {
		return nil, errors.New("pricing response is not JSON")
	}
	return body, nil
}

func (c *Client) Complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	oc, err := c.client()
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	if req.Model == "" {
		req.Model = c.model
	}
	resp, err := oc.CreateChatCompletion(ctx, req)
	if err != nil {
		return resp, fmt.Errorf("chat completion: %w", err)
	}
	return resp, nil
}

// Stream runs a streaming completion, passing each content delta to onDelta,
// and returns the concatenated text. Starting a stream aborts the previous
// one, which then returns ErrAborted with the text it had so far.
func (c *Client) Stream(ctx context.Context, req openai.ChatCompletionRequest, onDelta func(string) error) (string, error) {
	oc, err := c.client()
	if err != nil {
		return "", err
	}
	if req.Model == "" {
		req.Model = c.model
	}
	req.Stream = true

	sctx, id := c.begin(ctx)
	defer c.end(id)

	stream, err := oc.CreateChatCompletionStream(sctx, req)
	if err != nil {
		if aborted(ctx, sctx) {
			return "", ErrAborted
		}
		return "", fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			if aborted(ctx, sctx) {
				c.log.Debug("stream aborted", zap.Int("chars", sb.Len()))
				return sb.String(), ErrAborted
			}
			return sb.String(), fmt.Errorf("read stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return sb.String(), err
			}
		}
	}
}

// Abort cancels the in-flight stream, if any.
func (c *Client) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Client) begin(ctx context.Context) (context.Context, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	sctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.seq++
	return sctx, c.seq
}

func (c *Client) end(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq == id && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// aborted reports whether sctx was cancelled by us rather than by the caller.
func aborted(parent, sctx context.Context) bool {
	return sctx.Err() != nil && parent.Err() == nil
}
