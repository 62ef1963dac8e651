package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/retry"
)

// retryTransport retries RPC requests that failed at the network level or
// came back 429/5xx, at a fixed delay. It sits below go-ethereum's rpc client
// and knows nothing about JSON-RPC.
type retryTransport struct {
	base   http.RoundTripper
	policy retry.Policy
	log    *zap.Logger
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("rpc endpoint returned %d", e.code) }

func newRetryTransport(base http.RoundTripper, policy retry.Policy, log *zap.Logger) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryTransport{base: base, policy: policy.Fixed(), log: log}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var (
		resp    *http.Response
		attempt int
	)
	err := retry.Do(req.Context(), t.policy, func(ctx context.Context) error {
		attempt++
		r := req
		if attempt > 1 {
			if req.Body != nil && req.GetBody == nil {
				return retry.Permanent(errors.New("request body cannot be replayed"))
			}
			r = req.Clone(ctx)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return retry.Permanent(err)
				}
				r.Body = body
			}
			t.log.Debug("retrying rpc request",
				zap.String("host", req.URL.Host),
				zap.Int("attempt", attempt),
			)
		}

		res, err := t.base.RoundTrip(r)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(err)
			}
			return err
		}
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, res.Body)
			res.Body.Close()
			return &statusError{code: res.StatusCode}
		}
		resp = res
		return nil
	})
	if err != nil {
		t.log.Warn("rpc request failed", zap.String("host", req.URL.Host), zap.Int("attempts", attempt), zap.Error(err))
		return nil, err
	}
	return resp, nil
}
