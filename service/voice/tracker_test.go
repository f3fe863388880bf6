package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ripcord-app/gateway/service/storage"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: make(map[string]string)} }

func (s *memStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Expire(_ context.Context, _ string, _ time.Duration) error { return nil }

func (s *memStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type leave struct{ channelID, userID string }

func newTestTracker(t *testing.T) (*Tracker, *fakeClock, *memStore, *[]leave) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newMemStore()
	var leaves []leave
	tr := NewTracker(Conf{
		TTL:        90 * time.Second,
		SweepEvery: time.Hour, // tests sweep by hand
		Clock:      clock.Now,
	}, store, func(channelID, userID string) {
		leaves = append(leaves, leave{channelID, userID})
	})
	t.Cleanup(tr.Stop)
	return tr, clock, store, &leaves
}

func TestJoinReturnsRosterSnapshot(t *testing.T) {
	tr, _, store, _ := newTestTracker(t)
	ctx := context.Background()

	roster := tr.Join(ctx, "lounge", Participant{UserID: "u1", Handle: "alice"})
	if len(roster) != 1 || roster[0].UserID != "u1" {
		t.Fatalf("roster = %v", roster)
	}
	if roster[0].JoinedAt.IsZero() {
		t.Fatal("JoinedAt not stamped")
	}

	roster = tr.Join(ctx, "lounge", Participant{UserID: "u2", Handle: "bob", SelfMute: true})
	if len(roster) != 2 {
		t.Fatalf("roster has %d entries, want 2", len(roster))
	}
	if !store.has(storage.VoiceKey("lounge", "u1")) || !store.has(storage.VoiceKey("lounge", "u2")) {
		t.Fatal("voice entries missing from the store")
	}
}

func TestRejoinRefreshesInsteadOfDuplicating(t *testing.T) {
	tr, clock, _, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Join(ctx, "lounge", Participant{UserID: "u1", Handle: "alice"})
	joined := tr.Roster("lounge")[0].JoinedAt

	clock.advance(10 * time.Second)
	// second device joins with a new handle
	roster := tr.Join(ctx, "lounge", Participant{UserID: "u1", Handle: "alice-laptop"})
	if len(roster) != 1 {
		t.Fatalf("rejoin duplicated the entry: %v", roster)
	}
	if roster[0].Handle != "alice-laptop" {
		t.Fatalf("handle = %q, want the refreshed one", roster[0].Handle)
	}
	if !roster[0].JoinedAt.Equal(joined) {
		t.Fatal("rejoin reset JoinedAt")
	}

	// the refresh pushed expiry out past the original TTL
	clock.advance(85 * time.Second)
	tr.SweepExpired()
	if len(tr.Roster("lounge")) != 1 {
		t.Fatal("refreshed entry expired on the original schedule")
	}
}

func TestUpdateMutatesFlags(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Join(ctx, "lounge", Participant{UserID: "u1"})

	p, ok := tr.Update("lounge", "u1", true, true)
	if !ok || !p.SelfMute || !p.SelfDeaf {
		t.Fatalf("update = %+v, %v", p, ok)
	}
	if _, ok := tr.Update("lounge", "ghost", true, false); ok {
		t.Fatal("update succeeded for a non-participant")
	}
	if _, ok := tr.Update("empty", "u1", true, false); ok {
		t.Fatal("update succeeded for an empty channel")
	}
}

func TestLeaveRemovesEntry(t *testing.T) {
	tr, _, store, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Join(ctx, "lounge", Participant{UserID: "u1"})
	if !tr.Leave(ctx, "lounge", "u1") {
		t.Fatal("leave reported no entry")
	}
	if tr.Leave(ctx, "lounge", "u1") {
		t.Fatal("second leave reported an entry")
	}
	if len(tr.Roster("lounge")) != 0 {
		t.Fatal("roster not empty after leave")
	}
	if store.has(storage.VoiceKey("lounge", "u1")) {
		t.Fatal("store entry survived the leave")
	}
}

func TestSweepReportsImplicitLeaves(t *testing.T) {
	tr, clock, store, leaves := newTestTracker(t)
	ctx := context.Background()

	tr.Join(ctx, "lounge", Participant{UserID: "u1"})
	tr.Join(ctx, "lounge", Participant{UserID: "u2"})

	clock.advance(60 * time.Second)
	tr.RefreshUser(ctx, "u2", []string{"lounge"}) // u2 heartbeats, u1 went dark

	clock.advance(31 * time.Second)
	tr.SweepExpired()

	if len(*leaves) != 1 || (*leaves)[0] != (leave{"lounge", "u1"}) {
		t.Fatalf("implicit leaves = %v, want u1 only", *leaves)
	}
	roster := tr.Roster("lounge")
	if len(roster) != 1 || roster[0].UserID != "u2" {
		t.Fatalf("roster = %v, want u2 only", roster)
	}
	if store.has(storage.VoiceKey("lounge", "u1")) {
		t.Fatal("expired store entry not deleted")
	}

	// the whole room drains once the last entry lapses
	clock.advance(91 * time.Second)
	tr.SweepExpired()
	if len(*leaves) != 2 {
		t.Fatalf("implicit leaves = %v", *leaves)
	}
	if len(tr.Roster("lounge")) != 0 {
		t.Fatal("room not drained")
	}
}
