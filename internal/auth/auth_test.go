package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authServer(t *testing.T, handler func(req callbackRequest) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req callbackRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		status, body := handler(req)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fixedTimeout(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func TestCallback_Verify(t *testing.T) {
	srv := authServer(t, func(req callbackRequest) (int, string) {
		assert.Equal(t, "client-token", req.Token)
		assert.Equal(t, "app-token", req.AppToken)
		return http.StatusOK, `{"code":200,"data":{"userId":"U"}}`
	})

	userID, err := NewCallback(fixedTimeout(time.Second)).Verify(context.Background(), srv.URL, "client-token", "app-token")
	require.NoError(t, err)
	assert.Equal(t, "U", userID)
}

func TestCallback_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"rejected", http.StatusOK, `{"code":403,"msg":"expired"}`, ErrRejected},
		{"no code", http.StatusOK, `{"data":{"userId":"U"}}`, ErrMalformedResponse},
		{"not json", http.StatusBadGateway, `<html>bad gateway</html>`, ErrMalformedResponse},
		{"missing user id", http.StatusOK, `{"code":200,"data":{}}`, ErrMalformedResponse},
		{"missing data", http.StatusOK, `{"code":200}`, ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := authServer(t, func(callbackRequest) (int, string) { return tt.status, tt.body })
			_, err := NewCallback(fixedTimeout(time.Second)).Verify(context.Background(), srv.URL, "t", "a")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCallback_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewCallback(fixedTimeout(50*time.Millisecond)).Verify(context.Background(), srv.URL, "t", "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type tokenSet map[string]bool

func (s tokenSet) LoginTokenExists(ctx context.Context, token string) (bool, error) {
	if token == "boom" {
		return false, errors.New("redis down")
	}
	return s[token], nil
}

func TestGate(t *testing.T) {
	gate := NewGate(func() string { return "node-secret" }, tokenSet{"good": true}, "/ws", "/api/login")
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"public ws", "/ws", nil, http.StatusOK},
		{"public login", "/api/login", nil, http.StatusOK},
		{"node push with secret", "/api/node/push", map[string]string{"loc_to_token": "node-secret"}, http.StatusOK},
		{"node push wrong secret", "/api/node/push", map[string]string{"loc_to_token": "nope"}, http.StatusUnauthorized},
		{"node push no secret", "/api/node/push", nil, http.StatusUnauthorized},
		{"node push bearer is not enough", "/api/node/push", map[string]string{"Authorization": "Bearer good"}, http.StatusUnauthorized},
		{"api without token", "/api/message/push", nil, http.StatusUnauthorized},
		{"api with malformed header", "/api/message/push", map[string]string{"Authorization": "good"}, http.StatusUnauthorized},
		{"api with unknown token", "/api/message/push", map[string]string{"Authorization": "Bearer bad"}, http.StatusUnauthorized},
		{"api with login token", "/api/message/push", map[string]string{"Authorization": "Bearer good"}, http.StatusOK},
		{"token store failure", "/api/user/page", map[string]string{"Authorization": "Bearer boom"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
