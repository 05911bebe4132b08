package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/SkynetNext/ws-gateway/internal/config"
)

var ErrApplicationNotFound = errors.New("application not found")

// Application is a backend application whose users may connect
type Application struct {
	ID              int64  `json:"id"`
	AppID           string `json:"appId"`
	Token           string `json:"token"`
	AuthURL         string `json:"authUrl"`
	CallbackMessage string `json:"callbackMessage"`
}

// Applications looks up applications by app id
type Applications interface {
	Application(ctx context.Context, appID string) (*Application, error)
}

// StaticApplications serves the applications listed in the config file
type StaticApplications struct {
	apps map[string]*Application
}

// NewStaticApplications indexes apps by app id
func NewStaticApplications(apps []config.ApplicationConfig) *StaticApplications {
	s := &StaticApplications{apps: make(map[string]*Application, len(apps))}
	for i, a := range apps {
		s.apps[a.AppID] = &Application{
			ID:              int64(i + 1),
			AppID:           a.AppID,
			Token:           a.Token,
			AuthURL:         a.AuthURL,
			CallbackMessage: a.CallbackMessage,
		}
	}
	return s
}

func (s *StaticApplications) Application(_ context.Context, appID string) (*Application, error) {
	app, ok := s.apps[appID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", appID, ErrApplicationNotFound)
	}
	copied := *app
	return &copied, nil
}

type cachedApp struct {
	app       *Application
	expiresAt time.Time
}

// lookupTimeout bounds a shared lookup, which outlives any single caller
const lookupTimeout = 5 * time.Second

// CachedApplications keeps successful lookups for ttl. Misses are not
// cached so a newly registered application is usable right away.
type CachedApplications struct {
	next    Applications
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedApp
	sf      singleflight.Group
}

// NewCachedApplications wraps next with a TTL cache
func NewCachedApplications(next Applications, ttl time.Duration) *CachedApplications {
	return &CachedApplications{
		next:    next,
		ttl:     ttl,
		timeout: lookupTimeout,
		now:     time.Now,
		entries: make(map[string]cachedApp),
	}
}

// Application returns the cached application or loads it. Concurrent misses
// for one appID share a single lookup; a caller whose ctx ends stops waiting
// without cancelling the lookup for the others.
func (c *CachedApplications) Application(ctx context.Context, appID string) (*Application, error) {
	c.mu.RLock()
	entry, ok := c.entries[appID]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		copied := *entry.app
		return &copied, nil
	}

	ch := c.sf.DoChan(appID, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		app, err := c.next.Application(lookupCtx, appID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[appID] = cachedApp{app: app, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return app, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		copied := *res.Val.(*Application)
		return &copied, nil
	}
}

// Invalidate drops every cached entry
func (c *CachedApplications) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cachedApp)
	c.mu.Unlock()
}
