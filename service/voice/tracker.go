// Package voice tracks who is joined to each voice channel. The gateway only
// handles join/leave signaling; media flows through the SFU and never
// touches this process. Entries carry a TTL refreshed by heartbeats, so a
// crashed client falls out of the roster as an implicit leave.
package voice

import (
	"context"
	"sync"
	"time"

	"github.com/ripcord-app/gateway/logger"
	"github.com/ripcord-app/gateway/service/storage"
)

// Participant is one roster entry. Keyed by user per channel: a second
// device joining refreshes the same entry rather than duplicating it.
type Participant struct {
	UserID   string    `json:"user_id"`
	Handle   string    `json:"handle"`
	SelfMute bool      `json:"self_mute"`
	SelfDeaf bool      `json:"self_deaf"`
	JoinedAt time.Time `json:"joined_at"`

	expireAt time.Time
}

type Conf struct {
	TTL        time.Duration
	SweepEvery time.Duration
	Clock      func() time.Time
}

func (c *Conf) norm() {
	if c.TTL <= 0 {
		c.TTL = 90 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 15 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Tracker owns the channel rosters. It is invoked from dispatcher handlers
// and its own expiry sweep; the mutex serializes the two.
type Tracker struct {
	conf  Conf
	store storage.TTLStore

	// onExpire broadcasts an implicit leave when an entry's TTL lapses.
	onExpire func(channelID, userID string)

	mu    sync.Mutex
	rooms map[string]map[string]*Participant

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewTracker(conf Conf, store storage.TTLStore, onExpire func(channelID, userID string)) *Tracker {
	conf.norm()
	t := &Tracker{
		conf:     conf,
		store:    store,
		onExpire: onExpire,
		rooms:    make(map[string]map[string]*Participant),
		stopCh:   make(chan struct{}),
	}
	go t.sweeper()
	return t
}

// Join inserts or refreshes the participant entry and returns the full
// roster snapshot for the joining client.
func (t *Tracker) Join(ctx context.Context, channelID string, p Participant) []Participant {
	now := t.conf.Clock()

	t.mu.Lock()
	room := t.rooms[channelID]
	if room == nil {
		room = make(map[string]*Participant)
		t.rooms[channelID] = room
	}
	if existing, ok := room[p.UserID]; ok {
		existing.Handle = p.Handle
		existing.SelfMute = p.SelfMute
		existing.SelfDeaf = p.SelfDeaf
		existing.expireAt = now.Add(t.conf.TTL)
	} else {
		p.JoinedAt = now
		p.expireAt = now.Add(t.conf.TTL)
		room[p.UserID] = &p
	}
	roster := t.rosterLocked(channelID)
	t.mu.Unlock()

	if err := t.store.Set(ctx, storage.VoiceKey(channelID, p.UserID), "1", t.conf.TTL); err != nil {
		logger.Warnf("[voice] set entry channel=%s user=%s: %v", channelID, p.UserID, err)
	}
	return roster
}

// Update mutates mute/deaf flags in place. Returns false when the user is
// not in the channel.
func (t *Tracker) Update(channelID, userID string, selfMute, selfDeaf bool) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[channelID]
	if room == nil {
		return Participant{}, false
	}
	p, ok := room[userID]
	if !ok {
		return Participant{}, false
	}
	p.SelfMute = selfMute
	p.SelfDeaf = selfDeaf
	return *p, true
}

// Leave removes the entry, reporting whether it existed.
func (t *Tracker) Leave(ctx context.Context, channelID, userID string) bool {
	t.mu.Lock()
	room := t.rooms[channelID]
	_, ok := room[userID]
	if ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(t.rooms, channelID)
		}
	}
	t.mu.Unlock()

	if ok {
		if err := t.store.Del(ctx, storage.VoiceKey(channelID, userID)); err != nil {
			logger.Warnf("[voice] del entry channel=%s user=%s: %v", channelID, userID, err)
		}
	}
	return ok
}

// RefreshUser extends the TTL of the user's entries in the given channels,
// driven by HEARTBEAT.
func (t *Tracker) RefreshUser(ctx context.Context, userID string, channelIDs []string) {
	now := t.conf.Clock()

	t.mu.Lock()
	var touched []string
	for _, channelID := range channelIDs {
		if p, ok := t.rooms[channelID][userID]; ok {
			p.expireAt = now.Add(t.conf.TTL)
			touched = append(touched, channelID)
		}
	}
	t.mu.Unlock()

	for _, channelID := range touched {
		if err := t.store.Expire(ctx, storage.VoiceKey(channelID, userID), t.conf.TTL); err != nil {
			logger.Warnf("[voice] refresh entry channel=%s user=%s: %v", channelID, userID, err)
		}
	}
}

// Roster returns the current participants of a channel.
func (t *Tracker) Roster(channelID string) []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rosterLocked(channelID)
}

func (t *Tracker) rosterLocked(channelID string) []Participant {
	room := t.rooms[channelID]
	out := make([]Participant, 0, len(room))
	for _, p := range room {
		out = append(out, *p)
	}
	return out
}

func (t *Tracker) sweeper() {
	ticker := time.NewTicker(t.conf.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.SweepExpired()
		}
	}
}

// SweepExpired removes entries whose TTL lapsed without an explicit leave
// and reports each as an implicit leave.
func (t *Tracker) SweepExpired() {
	now := t.conf.Clock()

	type expired struct{ channelID, userID string }
	var victims []expired

	t.mu.Lock()
	for channelID, room := range t.rooms {
		for userID, p := range room {
			if now.After(p.expireAt) {
				delete(room, userID)
				victims = append(victims, expired{channelID, userID})
			}
		}
		if len(room) == 0 {
			delete(t.rooms, channelID)
		}
	}
	t.mu.Unlock()

	for _, v := range victims {
		logger.Infof("[voice] ttl lapsed, implicit leave channel=%s user=%s", v.channelID, v.userID)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := t.store.Del(ctx, storage.VoiceKey(v.channelID, v.userID)); err != nil {
			logger.Warnf("[voice] del expired entry channel=%s user=%s: %v", v.channelID, v.userID, err)
		}
		cancel()
		t.onExpire(v.channelID, v.userID)
	}
}

func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}
