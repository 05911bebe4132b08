package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/SkynetNext/ws-gateway/internal/circuitbreaker"
	"github.com/SkynetNext/ws-gateway/internal/config"
	"github.com/SkynetNext/ws-gateway/internal/logger"
	"github.com/SkynetNext/ws-gateway/internal/metrics"
	"github.com/SkynetNext/ws-gateway/internal/router"
	"github.com/SkynetNext/ws-gateway/internal/tracing"
)

const (
	// TokenHeader carries the shared secret of the receiving node
	TokenHeader = "loc_to_token"

	// PushPath is the node push endpoint every gateway serves
	PushPath = "/api/node/push"
)

var (
	ErrUnknownPeer = errors.New("peer not configured")
	ErrCircuitOpen = errors.New("peer circuit open")
)

// NodeTarget names the receiving node and the users it should serve
type NodeTarget struct {
	BaseURL string   `json:"baseUrl"`
	UserIDs []string `json:"userIds"`
	IP      string   `json:"ip"`
	Port    int      `json:"port"`
}

// NodePushRequest is the body of a node push
type NodePushRequest struct {
	Node     NodeTarget `json:"node"`
	AppID    string     `json:"appId"`
	AppToken string     `json:"appToken"`
	Message  string     `json:"message"`
}

// NewNodePushRequest builds the wire form of b
func NewNodePushRequest(b router.ForwardBatch) NodePushRequest {
	return NodePushRequest{
		Node: NodeTarget{
			BaseURL: "http://" + b.Addr() + PushPath,
			UserIDs: b.UserIDs,
			IP:      b.IP,
			Port:    b.Port,
		},
		AppID:    b.AppID,
		AppToken: b.AppToken,
		Message:  b.Message,
	}
}

// Batch converts the request back into a batch for this node
func (r NodePushRequest) Batch() router.ForwardBatch {
	return router.ForwardBatch{
		IP:       r.Node.IP,
		Port:     r.Node.Port,
		AppID:    r.AppID,
		AppToken: r.AppToken,
		Message:  r.Message,
		UserIDs:  r.Node.UserIDs,
	}
}

// Forwarder posts batches to peer nodes. Each peer has its own breaker so a
// dead node does not slow down pushes to the others.
type Forwarder struct {
	client *http.Client
	cfg    *config.Store
	log    *zap.Logger

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.Breaker
}

// NewForwarder creates a forwarder reading peer secrets and timeouts from cfg
func NewForwarder(cfg *config.Store) *Forwarder {
	return &Forwarder{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cfg:      cfg,
		log:      logger.Named("peer"),
		breakers: make(map[string]*circuitbreaker.Breaker),
	}
}

// Forward makes a single attempt to deliver b to its node
func (f *Forwarder) Forward(ctx context.Context, b router.ForwardBatch) error {
	cfg := f.cfg.Current()
	addr := b.Addr()

	token, ok := cfg.PeerToken(b.IP, b.Port)
	if !ok {
		metrics.ForwardErrors.WithLabelValues("unknown_peer").Inc()
		return fmt.Errorf("%s: %w", addr, ErrUnknownPeer)
	}

	br := f.breaker(addr, cfg.Forward)
	if !br.Allow() {
		metrics.ForwardErrors.WithLabelValues("circuit_open").Inc()
		return fmt.Errorf("%s: %w", addr, ErrCircuitOpen)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Forward.Timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "peer.Forward",
		attribute.String("peer", addr),
		attribute.Int("users", len(b.UserIDs)),
	)
	defer span.End()

	start := time.Now()
	err := f.post(ctx, b, token)
	metrics.ForwardLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		br.RecordFailure()
		tracing.RecordError(span, err)
		metrics.ForwardErrors.WithLabelValues("request").Inc()
		return err
	}
	br.RecordSuccess()
	return nil
}

func (f *Forwarder) post(ctx context.Context, b router.ForwardBatch, token string) error {
	body, err := json.Marshal(NewNodePushRequest(b))
	if err != nil {
		return fmt.Errorf("failed to encode node push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+b.Addr()+PushPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create node push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, token)
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("node push to %s: %w", b.Addr(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node push to %s: status %d", b.Addr(), resp.StatusCode)
	}
	return nil
}

func (f *Forwarder) breaker(addr string, cfg config.ForwardConfig) *circuitbreaker.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	br, ok := f.breakers[addr]
	if !ok {
		br = circuitbreaker.NewBreaker(addr, cfg.BreakerFailures, cfg.BreakerCooldown)
		br.OnStateChange(func(name string, from, to circuitbreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			f.log.Info("peer circuit breaker state changed",
				zap.String("peer", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		})
		f.breakers[addr] = br
	}
	return br
}

// BreakerState returns the breaker state of the peer at addr
func (f *Forwarder) BreakerState(addr string) circuitbreaker.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if br, ok := f.breakers[addr]; ok {
		return br.State()
	}
	return circuitbreaker.StateClosed
}

// Close releases idle peer connections
func (f *Forwarder) Close() {
	f.client.CloseIdleConnections()
}
