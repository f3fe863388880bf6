package perm

import (
	"context"
	"sync"
	"time"
)

// Store is the read-only role/override surface the resolver needs. Backed by
// postgres in production, by fixtures in tests.
type Store interface {
	HubOwnerID(ctx context.Context, hubID string) (string, error)
	DefaultRole(ctx context.Context, hubID string) (Role, error)
	MemberRoles(ctx context.Context, hubID, userID string) ([]Role, error)
	// RoleOverwrites returns the channel's per-role overwrites keyed by role id.
	RoleOverwrites(ctx context.Context, channelID string) (map[string]Overwrite, error)
	// MemberOverwrite returns the channel's per-member overwrite, if any.
	MemberOverwrite(ctx context.Context, channelID, userID string) (Overwrite, bool, error)
}

// Resolver computes effective permissions with a short-lived cache in front
// of the store. Entries are invalidated by time only; role edits propagate
// within cacheTTL, which is acceptable for subscribe-time gating.
type Resolver struct {
	store    Store
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

type cacheKey struct {
	hub     string
	channel string
	user    string
}

type cacheEntry struct {
	perms   Permission
	expires time.Time
}

func NewResolver(store Store, cacheTTL time.Duration) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Resolver{
		store:    store,
		cacheTTL: cacheTTL,
		cache:    make(map[cacheKey]cacheEntry),
	}
}

// Resolve layers, in order: the default role, every assigned role, an
// administrator short-circuit, per-role channel overwrites, the per-member
// overwrite, and a final administrator re-check. Overwrites are user input;
// the second check makes any admin grant or revoke they cause explicit
// rather than incidental.
func (r *Resolver) Resolve(ctx context.Context, hubID, channelID, userID string) (Permission, error) {
	key := cacheKey{hub: hubID, channel: channelID, user: userID}
	r.mu.Lock()
	if e, ok := r.cache[key]; ok && time.Now().Before(e.expires) {
		r.mu.Unlock()
		return e.perms, nil
	}
	r.mu.Unlock()

	perms, err := r.resolve(ctx, hubID, channelID, userID)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{perms: perms, expires: time.Now().Add(r.cacheTTL)}
	r.mu.Unlock()
	return perms, nil
}

func (r *Resolver) resolve(ctx context.Context, hubID, channelID, userID string) (Permission, error) {
	ownerID, err := r.store.HubOwnerID(ctx, hubID)
	if err != nil {
		return 0, err
	}
	if ownerID == userID {
		return PermAll, nil
	}

	defaultRole, err := r.store.DefaultRole(ctx, hubID)
	if err != nil {
		return 0, err
	}
	perms := defaultRole.Permissions

	roles, err := r.store.MemberRoles(ctx, hubID, userID)
	if err != nil {
		return 0, err
	}
	for _, role := range roles {
		perms |= role.Permissions
	}

	if perms&PermAdministrator != 0 {
		return PermAll, nil
	}

	overwrites, err := r.store.RoleOverwrites(ctx, channelID)
	if err != nil {
		return 0, err
	}
	// the default role participates in channel overwrites like any other
	if ow, ok := overwrites[defaultRole.ID]; ok {
		perms = ow.apply(perms)
	}
	for _, role := range roles {
		if ow, ok := overwrites[role.ID]; ok {
			perms = ow.apply(perms)
		}
	}

	ow, ok, err := r.store.MemberOverwrite(ctx, channelID, userID)
	if err != nil {
		return 0, err
	}
	if ok {
		perms = ow.apply(perms)
	}

	// an overwrite may have (re-)granted administrator
	if perms&PermAdministrator != 0 {
		return PermAll, nil
	}
	return perms, nil
}

// Invalidate drops every cache entry for the given user, called when the
// member-updated event arrives so role edits take effect promptly.
func (r *Resolver) Invalidate(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if key.user == userID {
			delete(r.cache, key)
		}
	}
}
