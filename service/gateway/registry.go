package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ripcord-app/gateway/logger"
	"github.com/ripcord-app/gateway/service/pubsub"
)

// MaxConnsPerUser caps concurrent authenticated connections per account.
// Bounds per-account resource use and the blast radius of a leaked token.
// Tunable through RegistryConf; 5 is the shipped policy.
const MaxConnsPerUser = 5

var (
	ErrConnNotFound = errors.New("connection not found")
	ErrConnLimit    = errors.New("per-user connection limit reached")
)

type RegistryConf struct {
	MaxPerUser        int
	HeartbeatInterval time.Duration
	MissedBeatLimit   int
	UnauthTTL         time.Duration // admission window before AUTH completes
	SweepEvery        time.Duration
	Clock             func() time.Time // injectable for tests; nil => time.Now
}

func (c *RegistryConf) norm() {
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = MaxConnsPerUser
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.MissedBeatLimit <= 0 {
		c.MissedBeatLimit = 3
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 60 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Registry is the single owner of the connection indices. Every mutation
// happens under its mutex, including the broker subscribe/unsubscribe calls
// that must stay in lockstep with byChannel: a channel has a live substrate
// subscription exactly while its subscriber set is non-empty.
type Registry struct {
	mu        sync.RWMutex
	byConn    map[string]*Conn
	byUser    map[string]map[string]*Conn
	byChannel map[string]map[string]*Conn

	broker pubsub.Broker
	conf   RegistryConf

	// onEvict runs after the sweeper force-removes a connection, so the
	// caller can unwind presence/voice state. The registry itself stays
	// ignorant of those semantics.
	onEvict func(*Conn)

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRegistry(conf RegistryConf, broker pubsub.Broker, onEvict func(*Conn)) *Registry {
	conf.norm()
	r := &Registry{
		byConn:    make(map[string]*Conn),
		byUser:    make(map[string]map[string]*Conn),
		byChannel: make(map[string]map[string]*Conn),
		broker:    broker,
		conf:      conf,
		onEvict:   onEvict,
		stopCh:    make(chan struct{}),
	}
	go r.sweeper()
	return r
}

// Add registers a new, unauthenticated connection. No other index changes.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[c.ID] = c
}

// Authenticate binds identity to a connection. The first connection for a
// user also subscribes the user's direct-signal topic on the substrate.
// Returns ErrConnNotFound when the connection raced a close and ErrConnLimit,
// without mutating anything, when the user already holds MaxPerUser live
// connections; the two need different treatment (silence vs AUTH_FAIL) at
// the caller.
func (r *Registry) Authenticate(connID, userID, deviceID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byConn[connID]
	if !ok {
		return ErrConnNotFound
	}
	if len(r.byUser[userID]) >= r.conf.MaxPerUser {
		return ErrConnLimit
	}

	c.Authenticated = true
	c.UserID = userID
	c.DeviceID = deviceID
	c.SessionID = sessionID
	c.LastHeartbeat = r.conf.Clock()

	mm := r.byUser[userID]
	if mm == nil {
		mm = make(map[string]*Conn)
		r.byUser[userID] = mm
		if err := r.broker.Subscribe(context.Background(), pubsub.UserTopic(userID)); err != nil {
			logger.Warnf("[registry] subscribe user topic user=%s: %v", userID, err)
		}
	}
	mm[connID] = c
	return nil
}

// Remove deregisters a connection and unwinds every index entry it held,
// dropping substrate subscriptions whose subscriber set became empty. The
// removed connection is returned so the caller can run presence/voice
// cleanup from its last known identity.
func (r *Registry) Remove(connID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID)
}

func (r *Registry) removeLocked(connID string) *Conn {
	c, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	delete(r.byConn, connID)

	if c.Authenticated {
		if mm := r.byUser[c.UserID]; mm != nil {
			delete(mm, connID)
			if len(mm) == 0 {
				delete(r.byUser, c.UserID)
				if err := r.broker.Unsubscribe(context.Background(), pubsub.UserTopic(c.UserID)); err != nil {
					logger.Warnf("[registry] unsubscribe user topic user=%s: %v", c.UserID, err)
				}
			}
		}
	}

	for channelID := range c.Subscribed {
		r.dropSubscriberLocked(channelID, connID)
	}
	return c
}

func (r *Registry) dropSubscriberLocked(channelID, connID string) {
	mm := r.byChannel[channelID]
	if mm == nil {
		return
	}
	delete(mm, connID)
	if len(mm) == 0 {
		delete(r.byChannel, channelID)
		if err := r.broker.Unsubscribe(context.Background(), pubsub.ChannelTopic(channelID)); err != nil {
			logger.Warnf("[registry] unsubscribe channel=%s: %v", channelID, err)
		}
	}
}

// Subscribe is idempotent. The first subscriber of a channel opens the
// substrate subscription. Permission is the dispatcher's problem, checked
// once at SUBSCRIBE time, never here.
func (r *Registry) Subscribe(connID, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byConn[connID]
	if !ok {
		return ErrConnNotFound
	}
	if _, ok := c.Subscribed[channelID]; ok {
		return nil
	}
	c.Subscribed[channelID] = struct{}{}

	mm := r.byChannel[channelID]
	if mm == nil {
		mm = make(map[string]*Conn)
		r.byChannel[channelID] = mm
		if err := r.broker.Subscribe(context.Background(), pubsub.ChannelTopic(channelID)); err != nil {
			logger.Warnf("[registry] subscribe channel=%s: %v", channelID, err)
		}
	}
	mm[connID] = c
	return nil
}

// Unsubscribe is idempotent; the last unsubscriber closes the substrate
// subscription.
func (r *Registry) Unsubscribe(connID, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byConn[connID]
	if !ok {
		return ErrConnNotFound
	}
	if _, ok := c.Subscribed[channelID]; !ok {
		return nil
	}
	delete(c.Subscribed, channelID)
	r.dropSubscriberLocked(channelID, connID)
	return nil
}

// IsSubscribed reports whether the connection currently observes the channel.
func (r *Registry) IsSubscribed(connID, channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConn[connID]
	if !ok {
		return false
	}
	_, ok = c.Subscribed[channelID]
	return ok
}

// BroadcastToChannel fans an event out to every authenticated subscriber.
// Unauthenticated connections never receive events, even if an index entry
// somehow exists for them.
func (r *Registry) BroadcastToChannel(channelID string, op Opcode, d interface{}) {
	r.BroadcastToChannelExcept(channelID, op, d, "")
}

func (r *Registry) BroadcastToChannelExcept(channelID string, op Opcode, d interface{}, excludeConnID string) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byChannel[channelID]))
	for id, c := range r.byChannel[channelID] {
		if id == excludeConnID || !c.Authenticated {
			continue
		}
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.SendEvent(op, d)
	}
}

// BroadcastAll delivers an event to every authenticated connection,
// used for gateway-wide signals.
func (r *Registry) BroadcastAll(op Opcode, d interface{}) {
	r.BroadcastAllExceptUser("", op, d)
}

// BroadcastAllExceptUser is BroadcastAll minus one user's connections.
// Presence transitions go through here: the transitioning user must not
// observe (and consume sequence numbers for) their own status change.
func (r *Registry) BroadcastAllExceptUser(excludeUserID string, op Opcode, d interface{}) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byConn))
	for _, c := range r.byConn {
		if c.Authenticated && (excludeUserID == "" || c.UserID != excludeUserID) {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.SendEvent(op, d)
	}
}

// MarkVoiceJoined records that this connection issued the voice join for the
// channel, so disconnect cleanup can issue the matching leave.
func (r *Registry) MarkVoiceJoined(connID, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byConn[connID]; ok {
		c.VoiceJoined[channelID] = struct{}{}
	}
}

func (r *Registry) MarkVoiceLeft(connID, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byConn[connID]; ok {
		delete(c.VoiceJoined, channelID)
	}
}

// VoiceChannels snapshots the channels this connection joined voice in.
func (r *Registry) VoiceChannels(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.VoiceJoined))
	for channelID := range c.VoiceJoined {
		out = append(out, channelID)
	}
	return out
}

// SendToUser delivers to every live connection of a user (multi-device
// fan-out), used for direct signaling rather than channel broadcast.
func (r *Registry) SendToUser(userID string, op Opcode, d interface{}) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.SendEvent(op, d)
	}
}

// MarkHeartbeat resets the connection's heartbeat accounting.
func (r *Registry) MarkHeartbeat(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byConn[connID]
	if !ok {
		return ErrConnNotFound
	}
	c.LastHeartbeat = r.conf.Clock()
	c.Missed = 0
	return nil
}

// Get returns the connection by id, nil when gone. Handlers racing a close
// treat nil as a silent no-op.
func (r *Registry) Get(connID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// UserOnline reports whether the user holds at least one live authenticated
// connection.
func (r *Registry) UserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ConnCount returns live connection totals (all, authenticated).
func (r *Registry) ConnCount() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	auth := 0
	for _, c := range r.byConn {
		if c.Authenticated {
			auth++
		}
	}
	return len(r.byConn), auth
}

func (r *Registry) sweeper() {
	t := time.NewTicker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.SweepHeartbeats()
		}
	}
}

// SweepHeartbeats increments missed-beat counters for connections that have
// not heartbeated within the expected interval and reclaims connections past
// the missed-beat limit, plus unauthenticated connections past the admission
// window. Eviction runs the same cleanup path as a client disconnect.
func (r *Registry) SweepHeartbeats() {
	now := r.conf.Clock()

	r.mu.Lock()
	var victims []*Conn
	for _, c := range r.byConn {
		if !c.Authenticated {
			if now.Sub(c.CreatedAt) > r.conf.UnauthTTL {
				victims = append(victims, c)
			}
			continue
		}
		if now.Sub(c.LastHeartbeat) > r.conf.HeartbeatInterval {
			c.Missed++
			c.LastHeartbeat = now
		}
		if c.Missed >= r.conf.MissedBeatLimit {
			victims = append(victims, c)
		}
	}
	for _, c := range victims {
		r.removeLocked(c.ID)
	}
	r.mu.Unlock()

	for _, c := range victims {
		logger.Infof("[registry] reclaiming stale connection conn=%s user=%s", c.ID, c.UserID)
		c.Close(CloseHeartbeatTimeout, "heartbeat timeout")
		if r.onEvict != nil {
			r.onEvict(c)
		}
	}
}

// Close stops the sweeper and closes every live connection.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.byConn))
	for _, c := range r.byConn {
		conns = append(conns, c)
	}
	r.byConn = make(map[string]*Conn)
	r.byUser = make(map[string]map[string]*Conn)
	r.byChannel = make(map[string]map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close(0, "server shutting down")
	}
}
