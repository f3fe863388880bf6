// Package presence maintains the coarse online/offline status other clients
// see. The offline transition is debounced: a reconnect inside the grace
// window is invisible, so token refreshes and network blips never flap the
// presence indicator.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/ripcord-app/gateway/logger"
	"github.com/ripcord-app/gateway/service/storage"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusDND     Status = "dnd"
	StatusOffline Status = "offline"
)

type Conf struct {
	GatewayID string
	TTL       time.Duration // redis entry lifetime, refreshed by heartbeats
	Grace     time.Duration // window absorbed on last-connection close
}

func (c *Conf) norm() {
	if c.TTL <= 0 {
		c.TTL = 90 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
}

// Tracker owns the userId -> status map plus the pending-offline timers.
// Store writes are soft failures: a dead cache degrades cross-process
// presence lookups but never fails the client action that triggered them.
type Tracker struct {
	conf  Conf
	store storage.TTLStore

	// onChange broadcasts the transition to interested clients.
	onChange func(userID string, status Status)

	mu       sync.Mutex
	statuses map[string]Status
	pending  map[string]*time.Timer
}

func NewTracker(conf Conf, store storage.TTLStore, onChange func(string, Status)) *Tracker {
	conf.norm()
	return &Tracker{
		conf:     conf,
		store:    store,
		onChange: onChange,
		statuses: make(map[string]Status),
		pending:  make(map[string]*time.Timer),
	}
}

// ConnectionAuthenticated is called on every successful AUTH. It cancels any
// pending-offline timer for the user; the offline->online broadcast fires
// only when the user was actually observed offline, so a reconnect inside
// the grace window produces no visible transition.
func (t *Tracker) ConnectionAuthenticated(ctx context.Context, userID string) {
	t.mu.Lock()
	if timer, ok := t.pending[userID]; ok {
		timer.Stop()
		delete(t.pending, userID)
	}
	prev := t.statuses[userID]
	t.statuses[userID] = StatusOnline
	t.mu.Unlock()

	if err := t.store.Set(ctx, storage.PresenceKey(userID), t.conf.GatewayID, t.conf.TTL); err != nil {
		logger.Warnf("[presence] set presence user=%s: %v", userID, err)
	}
	if prev != StatusOnline && prev != StatusIdle && prev != StatusDND {
		t.onChange(userID, StatusOnline)
	}
}

// Refresh extends the TTL, driven by HEARTBEAT.
func (t *Tracker) Refresh(ctx context.Context, userID string) {
	if err := t.store.Expire(ctx, storage.PresenceKey(userID), t.conf.TTL); err != nil {
		logger.Warnf("[presence] refresh presence user=%s: %v", userID, err)
	}
}

// SetStatus applies a richer user-chosen status (idle/dnd) and broadcasts it.
func (t *Tracker) SetStatus(ctx context.Context, userID string, status Status) {
	t.mu.Lock()
	prev := t.statuses[userID]
	t.statuses[userID] = status
	t.mu.Unlock()

	if err := t.store.Set(ctx, storage.PresenceKey(userID), t.conf.GatewayID, t.conf.TTL); err != nil {
		logger.Warnf("[presence] set presence user=%s: %v", userID, err)
	}
	if prev != status {
		t.onChange(userID, status)
	}
}

// LastConnectionClosed schedules the offline transition after the grace
// window. Re-arming for a user already pending restarts the window.
func (t *Tracker) LastConnectionClosed(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.pending[userID]; ok {
		timer.Stop()
	}
	t.pending[userID] = time.AfterFunc(t.conf.Grace, func() {
		t.goOffline(userID)
	})
}

func (t *Tracker) goOffline(userID string) {
	t.mu.Lock()
	if _, ok := t.pending[userID]; !ok {
		// cancelled between firing and acquiring the lock
		t.mu.Unlock()
		return
	}
	delete(t.pending, userID)
	delete(t.statuses, userID)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.store.Del(ctx, storage.PresenceKey(userID)); err != nil {
		logger.Warnf("[presence] delete presence user=%s: %v", userID, err)
	}
	t.onChange(userID, StatusOffline)
}

// Status returns the tracker's current view of a user.
func (t *Tracker) Status(userID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.statuses[userID]; ok {
		return s
	}
	return StatusOffline
}

// Stop cancels all pending timers, for shutdown.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for userID, timer := range t.pending {
		timer.Stop()
		delete(t.pending, userID)
	}
}
