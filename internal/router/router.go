package router

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/SkynetNext/ws-gateway/internal/directory"
	"github.com/SkynetNext/ws-gateway/internal/logger"
	"github.com/SkynetNext/ws-gateway/internal/metrics"
	"github.com/SkynetNext/ws-gateway/internal/registry"
	"github.com/SkynetNext/ws-gateway/internal/tracing"
)

// Directory is the part of the session directory the router needs
type Directory interface {
	Get(ctx context.Context, appID, userID string) (*directory.SessionRecord, bool, error)
	Put(ctx context.Context, appID, userID string, rec *directory.SessionRecord) error
}

// ForwardBatch asks one peer node to deliver message to users believed to
// be connected to it
type ForwardBatch struct {
	IP       string
	Port     int
	AppID    string
	AppToken string
	Message  string
	UserIDs  []string
}

// Addr returns the peer's host:port
func (b ForwardBatch) Addr() string {
	return net.JoinHostPort(b.IP, strconv.Itoa(b.Port))
}

// Forwarder sends a batch to its peer. One attempt, bounded by the forwarder.
type Forwarder interface {
	Forward(ctx context.Context, batch ForwardBatch) error
}

// Result summarises one routing pass
type Result struct {
	Delivered int
	Dropped   int
	Stale     int
	Batches   []ForwardBatch
}

// Router decides, per directory entry, between local delivery and
// forwarding to the entry's node, and removes local entries whose
// connection is gone.
type Router struct {
	registry  *registry.Registry
	directory Directory
	forwarder Forwarder
	selfIP    string
	selfPort  int
	log       *zap.Logger

	inflight sync.WaitGroup
}

// New creates a router for the node advertised as selfIP:selfPort
func New(reg *registry.Registry, dir Directory, fwd Forwarder, selfIP string, selfPort int) *Router {
	return &Router{
		registry:  reg,
		directory: dir,
		forwarder: fwd,
		selfIP:    selfIP,
		selfPort:  selfPort,
		log:       logger.Named("router"),
	}
}

// Route delivers message to every connection of every user in userIDs.
// Local connections are served directly; remote ones are grouped into one
// batch per peer node and forwarded in the background, detached from ctx's
// cancellation. Store and forwarding failures are logged, never returned.
func (r *Router) Route(ctx context.Context, appID, appToken string, userIDs []string, message string) Result {
	ctx, span := tracing.StartSpan(ctx, "router.Route",
		attribute.String("app_id", appID),
		attribute.Int("users", len(userIDs)),
	)
	defer span.End()

	var res Result
	batches := newBatcher(appID, appToken, message)

	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		rec, ok := r.load(ctx, appID, userID)
		if !ok {
			continue
		}

		stale := make(map[string]struct{})
		for _, loc := range rec.Nodes {
			if loc.OnNode(r.selfIP, r.selfPort) {
				r.deliver(loc.ConnectionID, message, "push", stale, &res)
				continue
			}
			batches.add(loc.IP, loc.Port, userID)
		}
		r.reconcile(ctx, appID, userID, rec, stale, &res)
	}

	res.Batches = batches.list()
	for _, b := range res.Batches {
		r.dispatch(ctx, b)
	}
	return res
}

// DeliverLocal is the receiving side of a forwarded batch: it serves this
// node's connections of each user and reconciles their entries. Entries of
// other nodes are ignored; nothing is forwarded again.
func (r *Router) DeliverLocal(ctx context.Context, appID string, userIDs []string, message string) Result {
	ctx, span := tracing.StartSpan(ctx, "router.DeliverLocal",
		attribute.String("app_id", appID),
		attribute.Int("users", len(userIDs)),
	)
	defer span.End()

	var res Result
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		rec, ok := r.load(ctx, appID, userID)
		if !ok {
			continue
		}

		stale := make(map[string]struct{})
		for _, loc := range rec.Nodes {
			if loc.OnNode(r.selfIP, r.selfPort) {
				r.deliver(loc.ConnectionID, message, "forward", stale, &res)
			}
		}
		r.reconcile(ctx, appID, userID, rec, stale, &res)
	}
	return res
}

// SendToConnection delivers message to one connection of this node and
// reports whether it was accepted
func (r *Router) SendToConnection(connectionID, message string) bool {
	live, err := r.registry.Deliver(connectionID, message)
	if !live {
		return false
	}
	if err != nil {
		metrics.IncDropped("backpressure")
		return false
	}
	metrics.MessagesDelivered.WithLabelValues("direct").Inc()
	return true
}

// Wait blocks until every background forward has finished
func (r *Router) Wait() {
	r.inflight.Wait()
}

func (r *Router) load(ctx context.Context, appID, userID string) (*directory.SessionRecord, bool) {
	rec, found, err := r.directory.Get(ctx, appID, userID)
	if err != nil {
		logger.WarnWithTrace(ctx, "session lookup failed",
			zap.String("app_id", appID),
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, false
	}
	if !found || rec.Empty() {
		return nil, false
	}
	return rec, true
}

func (r *Router) deliver(connectionID, message, source string, stale map[string]struct{}, res *Result) {
	live, err := r.registry.Deliver(connectionID, message)
	switch {
	case !live:
		stale[connectionID] = struct{}{}
	case errors.Is(err, registry.ErrBackpressure):
		res.Dropped++
		metrics.IncDropped("backpressure")
	case err != nil:
		res.Dropped++
		metrics.IncDropped("error")
	default:
		res.Delivered++
		metrics.MessagesDelivered.WithLabelValues(source).Inc()
	}
}

func (r *Router) reconcile(ctx context.Context, appID, userID string, rec *directory.SessionRecord, stale map[string]struct{}, res *Result) {
	if len(stale) == 0 {
		return
	}
	removed := rec.RemoveConnections(r.selfIP, r.selfPort, stale)
	res.Stale += removed
	metrics.StaleEntriesRemoved.Add(float64(removed))

	if err := r.directory.Put(ctx, appID, userID, rec); err != nil {
		logger.WarnWithTrace(ctx, "failed to write back reconciled session",
			zap.String("app_id", appID),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

func (r *Router) dispatch(ctx context.Context, b ForwardBatch) {
	metrics.ForwardBatches.Inc()
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		if err := r.forwarder.Forward(context.WithoutCancel(ctx), b); err != nil {
			logger.WarnWithTrace(ctx, "forward failed",
				zap.String("peer", b.Addr()),
				zap.Int("users", len(b.UserIDs)),
				zap.Error(err))
		}
	}()
}
