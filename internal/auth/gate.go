package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/SkynetNext/ws-gateway/internal/logger"
	"github.com/SkynetNext/ws-gateway/internal/peer"
)

// TokenChecker reports whether a login token is valid
type TokenChecker interface {
	LoginTokenExists(ctx context.Context, token string) (bool, error)
}

// Gate authorizes HTTP requests. The node push endpoint requires the node's
// shared secret; paths listed as public pass through; everything else needs
// a bearer login token.
type Gate struct {
	nodeToken func() string
	tokens    TokenChecker
	public    map[string]struct{}
}

// NewGate creates a gate. nodeToken is read on every node push so the
// secret can be rotated by a config reload.
func NewGate(nodeToken func() string, tokens TokenChecker, publicPaths ...string) *Gate {
	public := make(map[string]struct{}, len(publicPaths)+1)
	public[peer.PushPath] = struct{}{}
	for _, p := range publicPaths {
		public[p] = struct{}{}
	}
	return &Gate{nodeToken: nodeToken, tokens: tokens, public: public}
}

// Middleware wraps next with the gate
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == peer.PushPath {
			if !g.checkNodeToken(r.Header.Get(peer.TokenHeader)) {
				logger.L.Warn("rejected node push",
					zap.String("remote_addr", r.RemoteAddr),
					zap.Bool("token_present", r.Header.Get(peer.TokenHeader) != ""))
				writeError(w, http.StatusUnauthorized, "invalid node token")
				return
			}
		}

		if _, ok := g.public[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		valid, err := g.tokens.LoginTokenExists(r.Context(), token)
		if err != nil {
			logger.WarnWithTrace(r.Context(), "login token lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "token store unavailable")
			return
		}
		if !valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gate) checkNodeToken(got string) bool {
	want := g.nodeToken()
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": status, "msg": msg})
}
