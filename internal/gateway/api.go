package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/SkynetNext/ws-gateway/internal/buffer"
	"github.com/SkynetNext/ws-gateway/internal/logger"
	"github.com/SkynetNext/ws-gateway/internal/peer"
	"github.com/SkynetNext/ws-gateway/internal/store"
	"github.com/SkynetNext/ws-gateway/internal/tracing"
)

const maxRequestBody = 4 << 20

// messagePushRequest addresses message to users of one application
type messagePushRequest struct {
	AppID    string   `json:"appId"`
	AppToken string   `json:"appToken"`
	Message  string   `json:"message"`
	UserIDs  []string `json:"userIds"`
}

// directPushRequest addresses data to one connection of this node
type directPushRequest struct {
	Code     int    `json:"code"`
	Message  string `json:"message,omitempty"`
	Data     string `json:"data"`
	ClientID string `json:"clientId"`
	UserID   string `json:"userId,omitempty"`
	AppID    string `json:"appId,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// result is the envelope of the user API
type result struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

func decodeJSON(r *http.Request, v any) error {
	return buffer.ReadLimited(r.Body, maxRequestBody, func(body []byte) error {
		if err := json.Unmarshal(body, v); err != nil {
			return fmt.Errorf("invalid request body: %w", err)
		}
		return nil
	})
}

// writePushed answers a push the way every push endpoint does
func (g *Gateway) writePushed(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "push via %s", g.cfg.Current().Server.AppName)
}

// handleMessagePush routes a message to every connection of the given users
// in the cluster. It answers once local delivery is done; forwarding to
// other nodes continues in the background.
func (g *Gateway) handleMessagePush(w http.ResponseWriter, r *http.Request) {
	var req messagePushRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.AppID == "" {
		http.Error(w, "appId is required", http.StatusBadRequest)
		return
	}

	res := g.router.Route(r.Context(), req.AppID, req.AppToken, req.UserIDs, req.Message)
	logger.DebugWithTrace(r.Context(), "message push routed",
		zap.String("app_id", req.AppID),
		zap.Int("users", len(req.UserIDs)),
		zap.Int("delivered", res.Delivered),
		zap.Int("stale", res.Stale),
		zap.Int("batches", len(res.Batches)))

	g.writePushed(w)
}

// handlePush delivers data to one connection of this node
func (g *Gateway) handlePush(w http.ResponseWriter, r *http.Request) {
	var req directPushRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		http.Error(w, "clientId is required", http.StatusBadRequest)
		return
	}

	if !g.router.SendToConnection(req.ClientID, req.Data) {
		logger.DebugWithTrace(r.Context(), "direct push target not connected",
			zap.String("conn_id", req.ClientID))
	}
	g.writePushed(w)
}

// handleNodePush is the inbound side of node forwarding. The gate has
// already checked the node token.
func (g *Gateway) handleNodePush(w http.ResponseWriter, r *http.Request) {
	ctx := tracing.ExtractHTTP(r.Context(), r.Header)

	var req peer.NodePushRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b := req.Batch()
	res := g.router.DeliverLocal(ctx, b.AppID, b.UserIDs, b.Message)
	logger.DebugWithTrace(ctx, "node push delivered",
		zap.String("app_id", b.AppID),
		zap.String("from", r.RemoteAddr),
		zap.Int("users", len(b.UserIDs)),
		zap.Int("delivered", res.Delivered),
		zap.Int("stale", res.Stale))

	g.writePushed(w)
}

func writeResult(w http.ResponseWriter, status int, res result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

func writeOK(w http.ResponseWriter, data any) {
	writeResult(w, http.StatusOK, result{Code: 0, Msg: "success", Data: data})
}

func writeFailure(w http.ResponseWriter, status int, err error) {
	writeResult(w, status, result{Code: 1, Msg: err.Error()})
}

// handleLogin checks credentials and issues a login token
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, err)
		return
	}

	id, err := g.db.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCredentials) {
			writeFailure(w, http.StatusUnauthorized, err)
			return
		}
		logger.ErrorWithTrace(r.Context(), "login failed", zap.Error(err))
		writeFailure(w, http.StatusInternalServerError, err)
		return
	}

	token := uuid.NewString() + uuid.NewString()
	ttl := g.cfg.Current().Auth.TokenTTL
	if err := g.tokenRedis.SaveLoginToken(r.Context(), token, strconv.FormatInt(id, 10), ttl); err != nil {
		logger.ErrorWithTrace(r.Context(), "failed to store login token", zap.Error(err))
		writeFailure(w, http.StatusInternalServerError, errors.New("failed to store login token"))
		return
	}
	writeOK(w, token)
}

func (g *Gateway) handleUserPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.ParseInt(q.Get("page"), 10, 64)
	pageSize, _ := strconv.ParseInt(q.Get("page_size"), 10, 64)

	users, err := g.db.ListUsers(r.Context(), page, pageSize)
	if err != nil {
		logger.ErrorWithTrace(r.Context(), "failed to list users", zap.Error(err))
		writeFailure(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, users)
}

func (g *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in store.UserInput
	if err := decodeJSON(r, &in); err != nil {
		writeFailure(w, http.StatusBadRequest, err)
		return
	}
	if in.Username == "" || in.Password == "" {
		writeFailure(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}

	n, err := g.db.CreateUser(r.Context(), in)
	if err != nil {
		writeFailure(w, userErrorStatus(err), err)
		return
	}
	writeOK(w, n)
}

func (g *Gateway) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var in store.UserInput
	if err := decodeJSON(r, &in); err != nil {
		writeFailure(w, http.StatusBadRequest, err)
		return
	}
	if in.ID == 0 {
		writeFailure(w, http.StatusBadRequest, errors.New("id is required"))
		return
	}

	n, err := g.db.UpdateUser(r.Context(), in)
	if err != nil {
		writeFailure(w, userErrorStatus(err), err)
		return
	}
	writeOK(w, n)
}

func (g *Gateway) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err)
		return
	}

	n, err := g.db.DeleteUser(r.Context(), id)
	if err != nil {
		writeFailure(w, userErrorStatus(err), err)
		return
	}
	writeOK(w, n)
}

func userErrorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, store.ErrUserNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
