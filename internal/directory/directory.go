package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/SkynetNext/ws-gateway/internal/metrics"
)

// KV is the shared key-value store holding session records as JSON.
// *redis.Client implements it.
type KV interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Directory is the cluster-wide map (application, user) -> session record.
//
// Updates are plain read-modify-write without compare-and-set: two nodes
// updating the same record concurrently can lose one of the writes. A lost
// entry only costs deliveries until the connection reconnects; a stale
// entry is removed by the next push that touches it.
type Directory struct {
	kv  KV
	ttl time.Duration
}

// New creates a directory over kv. ttl 0 stores records without expiry.
func New(kv KV, ttl time.Duration) *Directory {
	return &Directory{kv: kv, ttl: ttl}
}

// Key returns the store key of the record for (appID, userID)
func Key(appID, userID string) string {
	return fmt.Sprintf("app:%s:user:%s", appID, userID)
}

// Get returns the record for (appID, userID), reporting false when absent
func (d *Directory) Get(ctx context.Context, appID, userID string) (*SessionRecord, bool, error) {
	var rec SessionRecord
	found, err := d.kv.GetJSON(ctx, Key(appID, userID), &rec)
	if err != nil {
		metrics.DirectoryErrors.WithLabelValues("get").Inc()
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &rec, true, nil
}

// Put overwrites the record for (appID, userID)
func (d *Directory) Put(ctx context.Context, appID, userID string, rec *SessionRecord) error {
	if rec.Nodes == nil {
		rec.Nodes = []NodeLocation{}
	}
	if err := d.kv.SetJSON(ctx, Key(appID, userID), rec, d.ttl); err != nil {
		metrics.DirectoryErrors.WithLabelValues("put").Inc()
		return err
	}
	return nil
}

// Attach records self as serving (appID, userID). When a record exists,
// entries on self's node whose connection isLive reports dead are dropped
// first; otherwise a record holding only self is created.
func (d *Directory) Attach(ctx context.Context, appID, userID string, self NodeLocation, isLive func(connectionID string) bool) (*SessionRecord, error) {
	rec, found, err := d.Get(ctx, appID, userID)
	if err != nil {
		return nil, err
	}

	if found {
		if removed := rec.Reconcile(self.IP, self.Port, isLive); removed > 0 {
			metrics.StaleEntriesRemoved.Add(float64(removed))
		}
		rec.Add(self)
	} else {
		rec = &SessionRecord{Nodes: []NodeLocation{self}}
	}

	if err := d.Put(ctx, appID, userID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Detach removes self from the record of (appID, userID). The record is left
// in place even when it becomes empty, and is only written when it changed.
func (d *Directory) Detach(ctx context.Context, appID, userID string, self NodeLocation) error {
	rec, found, err := d.Get(ctx, appID, userID)
	if err != nil || !found {
		return err
	}
	if !rec.Remove(self) {
		return nil
	}
	return d.Put(ctx, appID, userID, rec)
}
