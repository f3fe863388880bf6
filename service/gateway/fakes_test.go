package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ripcord-app/gateway/service/perm"
	"github.com/ripcord-app/gateway/service/pubsub"
	"github.com/ripcord-app/gateway/service/storage"
	"github.com/ripcord-app/gateway/service/token"
)

// fakeBroker records substrate traffic and, like the real substrate, loops
// published messages back to the delivery handler for subscribed topics.
type fakeBroker struct {
	mu        sync.Mutex
	handler   pubsub.Handler
	subs      map[string]bool
	published []fakeMessage
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string]bool)}
}

func (b *fakeBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	b.published = append(b.published, fakeMessage{topic: topic, payload: payload})
	subscribed := b.subs[topic]
	handler := b.handler
	b.mu.Unlock()

	if subscribed && handler != nil {
		handler(topic, payload)
	}
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = true
	return nil
}

func (b *fakeBroker) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
	return nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[topic]
}

// deliver simulates an externally published event arriving on a topic.
func (b *fakeBroker) deliver(t *testing.T, topic string, op Opcode, d interface{}) {
	t.Helper()
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal event payload: %v", err)
	}
	payload, err := json.Marshal(pubEvent{Op: op, T: EventName(op), D: raw})
	if err != nil {
		t.Fatalf("marshal event envelope: %v", err)
	}
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	handler(topic, payload)
}

func (b *fakeBroker) publishedTo(topic string) []fakeMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []fakeMessage
	for _, m := range b.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// memTTLStore is an in-memory TTLStore; TTLs are recorded, never enforced.
type memTTLStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemTTLStore() *memTTLStore {
	return &memTTLStore{data: make(map[string]string)}
}

func (s *memTTLStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memTTLStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memTTLStore) Expire(_ context.Context, _ string, _ time.Duration) error { return nil }

func (s *memTTLStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// fakeVerifier accepts tokens of the shape registered in its table.
type fakeVerifier struct {
	tokens map[string]token.Claims
}

func (v *fakeVerifier) Verify(tok string) (token.Claims, error) {
	if c, ok := v.tokens[tok]; ok {
		return c, nil
	}
	return token.Claims{}, token.ErrInvalidToken
}

// fakeDirectory serves channel/membership lookups from fixtures.
type fakeDirectory struct {
	channels map[string]storage.ChannelInfo
	hubUsers map[string]map[string]bool // hubID -> userID
	dmUsers  map[string]map[string]bool // channelID -> userID
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		channels: make(map[string]storage.ChannelInfo),
		hubUsers: make(map[string]map[string]bool),
		dmUsers:  make(map[string]map[string]bool),
	}
}

func (d *fakeDirectory) Channel(_ context.Context, channelID string) (storage.ChannelInfo, bool, error) {
	info, ok := d.channels[channelID]
	return info, ok, nil
}

func (d *fakeDirectory) IsHubMember(_ context.Context, hubID, userID string) (bool, error) {
	return d.hubUsers[hubID][userID], nil
}

func (d *fakeDirectory) IsDMParticipant(_ context.Context, channelID, userID string) (bool, error) {
	return d.dmUsers[channelID][userID], nil
}

// fakePermStore backs the resolver with fixture roles and overwrites.
type fakePermStore struct {
	owners    map[string]string
	defaults  map[string]perm.Role
	roles     map[string][]perm.Role // hubID+"/"+userID
	roleOws   map[string]map[string]perm.Overwrite
	memberOws map[string]map[string]perm.Overwrite
}

func newFakePermStore() *fakePermStore {
	return &fakePermStore{
		owners:    make(map[string]string),
		defaults:  make(map[string]perm.Role),
		roles:     make(map[string][]perm.Role),
		roleOws:   make(map[string]map[string]perm.Overwrite),
		memberOws: make(map[string]map[string]perm.Overwrite),
	}
}

func (s *fakePermStore) HubOwnerID(_ context.Context, hubID string) (string, error) {
	return s.owners[hubID], nil
}

func (s *fakePermStore) DefaultRole(_ context.Context, hubID string) (perm.Role, error) {
	return s.defaults[hubID], nil
}

func (s *fakePermStore) MemberRoles(_ context.Context, hubID, userID string) ([]perm.Role, error) {
	return s.roles[hubID+"/"+userID], nil
}

func (s *fakePermStore) RoleOverwrites(_ context.Context, channelID string) (map[string]perm.Overwrite, error) {
	return s.roleOws[channelID], nil
}

func (s *fakePermStore) MemberOverwrite(_ context.Context, channelID, userID string) (perm.Overwrite, bool, error) {
	ow, ok := s.memberOws[channelID][userID]
	return ow, ok, nil
}

// ---- test harness ----

type testEnv struct {
	srv    *Server
	broker *fakeBroker
	store  *memTTLStore
	dir    *fakeDirectory
	perms  *fakePermStore
	tokens map[string]token.Claims
}

func newTestEnv(t *testing.T, mutate func(conf *ServerConf)) *testEnv {
	t.Helper()

	env := &testEnv{
		broker: newFakeBroker(),
		store:  newMemTTLStore(),
		dir:    newFakeDirectory(),
		perms:  newFakePermStore(),
		tokens: make(map[string]token.Claims),
	}

	conf := ServerConf{GatewayID: "gw-test"}
	if mutate != nil {
		mutate(&conf)
	}

	srv, err := NewServer(conf, ServerDeps{
		Verifier:  &fakeVerifier{tokens: env.tokens},
		Directory: env.dir,
		Resolver:  perm.NewResolver(env.perms, time.Minute),
		TTLStore:  env.store,
	}, func(handler pubsub.Handler) (pubsub.Broker, error) {
		env.broker.handler = handler
		return env.broker, nil
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	env.srv = srv
	t.Cleanup(srv.Close)
	return env
}

// openConn registers a fresh connection without a real socket; frames land
// in its send queue.
func (e *testEnv) openConn(id string) *Conn {
	c := newConn(id, nil, time.Now())
	e.srv.reg.Add(c)
	return c
}

// auth authenticates a connection through the real AUTH handler and consumes
// the AUTH_OK reply. A connection never observes its own presence transition,
// so AUTH_OK is the first frame.
func (e *testEnv) auth(t *testing.T, c *Conn, userID string) {
	t.Helper()
	tok := "tok-" + c.ID
	e.tokens[tok] = token.Claims{UserID: userID, DeviceID: "dev-" + c.ID, SessionID: "sess-" + c.ID}
	e.dispatch(t, c, OpAuth, AuthPayload{Token: tok})
	f := readFrame(t, c)
	if f.Op != OpAuthOK {
		t.Fatalf("auth: op=%d d=%v, want AUTH_OK", f.Op, f.D)
	}
}

// drain discards everything queued on the connection so far.
func drain(c *Conn) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func (e *testEnv) dispatch(t *testing.T, c *Conn, op Opcode, d interface{}) {
	t.Helper()
	// round-trip through JSON, as a real frame would arrive
	raw, err := json.Marshal(Frame{Op: op, D: d, Ts: time.Now().UnixMilli()})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	f, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	e.srv.disp.Dispatch(context.Background(), c, f)
}

// readFrame pops the next outbound frame, failing when none arrives.
func readFrame(t *testing.T, c *Conn) *Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		f := &Frame{}
		if err := json.Unmarshal(raw, f); err != nil {
			t.Fatalf("unmarshal outbound frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("no outbound frame")
		return nil
	}
}

// tryReadFrame returns nil when the queue stays empty.
func tryReadFrame(t *testing.T, c *Conn) *Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		f := &Frame{}
		if err := json.Unmarshal(raw, f); err != nil {
			t.Fatalf("unmarshal outbound frame: %v", err)
		}
		return f
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}
