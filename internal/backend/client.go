// Package backend is the HTTP client for the Unreal API: registration,
// token verification, API keys, airdrops and system metadata.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrTokenInvalid means the backend no longer accepts the bearer token.
var ErrTokenInvalid = errors.New("token invalid or expired")

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message())
}

// Message returns the backend's {"error": ...} text when present.
func (e *HTTPError) Message() string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(e.Body), &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(e.Body)
}

const maxBodySize = 1 << 20

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log.Named("backend"),
	}
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path, bearer string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.log.Debug("backend request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", reqID),
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Method: method, Path: path, Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// SigningAddress returns the address the backend signs and spends with.
func (c *Client) SigningAddress(ctx context.Context) (common.Address, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/address", "", nil, &out); err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(out.Address) {
		return common.Address{}, fmt.Errorf("backend returned invalid signing address %q", out.Address)
	}
	return common.HexToAddress(out.Address), nil
}

// Register exchanges a signed payload (and optional permit) for a bearer token.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (string, error) {
	var out RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", "", req, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("backend returned an empty token")
	}
	return out.Token, nil
}

// Verify checks a bearer token. A token the backend does not know maps to
// ErrTokenInvalid.
func (c *Client) Verify(ctx context.Context, token string) (*VerifyResult, error) {
	var out VerifyResult
	err := c.do(ctx, http.MethodGet, "/auth/verify?token="+url.QueryEscape(token), "", nil, &out)
	var he *HTTPError
	if errors.As(err, &he) && he.Status == http.StatusNotFound {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	if !out.Valid {
		return nil, ErrTokenInvalid
	}
	return &out, nil
}

func (c *Client) CreateKey(ctx context.Context, bearer, name string) (*CreatedKey, error) {
	var out CreatedKey
	body := map[string]string{"name": name}
	if err := c.do(ctx, http.MethodPost, "/api/v1/keys", bearer, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListKeys(ctx context.Context, bearer string) ([]APIKey, error) {
	var out struct {
		Keys []APIKey `json:"keys"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/keys", bearer, nil, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

func (c *Client) DeleteKey(ctx context.Context, bearer, hash string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/keys/"+url.PathEscape(hash), bearer, nil, nil)
}

func (c *Client) ClaimAirdrop(ctx context.Context, bearer string, address common.Address) (*AirdropResponse, error) {
	var out AirdropResponse
	body := map[string]string{"address": address.Hex()}
	if err := c.do(ctx, http.MethodPost, "/airdrop", bearer, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) System(ctx context.Context) (*SystemInfo, error) {
	var out SystemInfo
	if err := c.do(ctx, http.MethodGet, "/system", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
