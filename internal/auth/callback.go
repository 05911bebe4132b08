package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/SkynetNext/ws-gateway/internal/buffer"
	"github.com/SkynetNext/ws-gateway/internal/metrics"
	"github.com/SkynetNext/ws-gateway/internal/tracing"
)

var (
	// ErrRejected means the auth server answered with a code other than 200
	ErrRejected = errors.New("token rejected by auth server")

	// ErrMalformedResponse means the auth server's answer could not be understood
	ErrMalformedResponse = errors.New("malformed auth server response")
)

const maxCallbackResponse = 64 << 10

type callbackRequest struct {
	Token    string `json:"token"`
	AppToken string `json:"appToken"`
}

type callbackResponse struct {
	Code *int64 `json:"code"`
	Data *struct {
		UserID string `json:"userId"`
	} `json:"data"`
}

// Callback verifies client tokens against an application's auth server
type Callback struct {
	client  *http.Client
	timeout func() time.Duration
}

// NewCallback creates a callback client; timeout is read on every call
func NewCallback(timeout func() time.Duration) *Callback {
	return &Callback{
		client:  &http.Client{},
		timeout: timeout,
	}
}

// Verify posts {token, appToken} to authURL and returns the user id the
// auth server vouches for. It makes exactly one attempt.
func (c *Callback) Verify(ctx context.Context, authURL, token, appToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "auth.Verify")
	defer span.End()

	start := time.Now()
	userID, err := c.verify(ctx, authURL, token, appToken)
	metrics.AuthLatency.Observe(time.Since(start).Seconds())
	tracing.RecordError(span, err)
	return userID, err
}

func (c *Callback) verify(ctx context.Context, authURL, token, appToken string) (string, error) {
	body, err := json.Marshal(callbackRequest{Token: token, AppToken: appToken})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth server unreachable: %w", err)
	}
	defer resp.Body.Close()

	var parsed callbackResponse
	err = buffer.ReadLimited(resp.Body, maxCallbackResponse, func(data []byte) error {
		if err := json.Unmarshal(data, &parsed); err != nil || parsed.Code == nil {
			return fmt.Errorf("%w: status %d", ErrMalformedResponse, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			return "", err
		}
		return "", fmt.Errorf("failed to read auth response: %w", err)
	}
	if *parsed.Code != 200 {
		return "", fmt.Errorf("%w: code %d", ErrRejected, *parsed.Code)
	}
	if parsed.Data == nil || parsed.Data.UserID == "" {
		return "", fmt.Errorf("%w: missing data.userId", ErrMalformedResponse)
	}
	return parsed.Data.UserID, nil
}
