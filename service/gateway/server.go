package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ripcord-app/gateway/logger"
	"github.com/ripcord-app/gateway/service/perm"
	"github.com/ripcord-app/gateway/service/presence"
	"github.com/ripcord-app/gateway/service/pubsub"
	"github.com/ripcord-app/gateway/service/storage"
	"github.com/ripcord-app/gateway/service/token"
	"github.com/ripcord-app/gateway/service/voice"
)

// presenceTopic carries presence transitions between gateway processes;
// every gateway stays subscribed for its whole lifetime.
const presenceTopic = "rt:presence"

type ServerConf struct {
	GatewayID string
	Registry  RegistryConf
	Presence  presence.Conf
	Voice     voice.Conf
}

// Server ties the registry, the trackers, and the collaborators together
// and owns the dispatcher table.
type Server struct {
	gatewayID string
	conf      ServerConf

	reg      *Registry
	presence *presence.Tracker
	voice    *voice.Tracker

	verifier  token.Verifier
	directory storage.Directory
	resolver  *perm.Resolver
	broker    pubsub.Broker

	disp *Dispatcher
}

type ServerDeps struct {
	Verifier  token.Verifier
	Directory storage.Directory
	Resolver  *perm.Resolver
	TTLStore  storage.TTLStore
}

// NewBroker is invoked with the server's delivery handler so the broker can
// be constructed after the server that consumes it. The two-step dance keeps
// the substrate implementation (redis vs NATS) out of this package.
type NewBroker func(handler pubsub.Handler) (pubsub.Broker, error)

func NewServer(conf ServerConf, deps ServerDeps, newBroker NewBroker) (*Server, error) {
	conf.Registry.norm()
	s := &Server{
		gatewayID: conf.GatewayID,
		conf:      conf,
		verifier:  deps.Verifier,
		directory: deps.Directory,
		resolver:  deps.Resolver,
		disp:      NewDispatcher(),
	}

	broker, err := newBroker(s.onBrokerMessage)
	if err != nil {
		return nil, err
	}
	s.broker = broker

	s.reg = NewRegistry(conf.Registry, broker, s.afterRemove)

	pconf := conf.Presence
	pconf.GatewayID = conf.GatewayID
	s.presence = presence.NewTracker(pconf, deps.TTLStore, s.onPresenceChange)
	s.voice = voice.NewTracker(conf.Voice, deps.TTLStore, s.onVoiceExpire)

	if err := broker.Subscribe(context.Background(), presenceTopic); err != nil {
		logger.Warnf("[server] subscribe presence topic: %v", err)
	}

	s.registerHandlers()
	return s, nil
}

func (s *Server) registerHandlers() {
	s.disp.Register(OpAuth, s.handleAuth)
	s.disp.Register(OpSubscribe, s.handleSubscribe)
	s.disp.Register(OpUnsubscribe, s.handleUnsubscribe)
	s.disp.Register(OpHeartbeat, s.handleHeartbeat)
	s.disp.Register(OpTypingStart, s.handleTyping)
	s.disp.Register(OpTypingStop, s.handleTyping)
	s.disp.Register(OpVoiceStateUpdate, s.handleVoiceState)
	s.disp.Register(OpCallInvite, s.handleCallSignal)
	s.disp.Register(OpCallAccept, s.handleCallSignal)
	s.disp.Register(OpCallDecline, s.handleCallSignal)
	s.disp.Register(OpCallEnd, s.handleCallSignal)
}

func (s *Server) Registry() *Registry { return s.reg }

// pubEvent is the published message envelope backend writers put on channel
// and user topics. The gateway assigns per-connection seq on delivery, so
// publishers never carry one.
type pubEvent struct {
	Op Opcode          `json:"op"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// onBrokerMessage is the single ordered delivery path from the substrate.
// It runs on the broker's receive goroutine and only enqueues.
func (s *Server) onBrokerMessage(topic string, payload []byte) {
	var ev pubEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		logger.Warnf("[server] bad event on %s: %v", topic, err)
		return
	}

	switch {
	case topic == presenceTopic:
		// the transitioning user's own connections are skipped so a fresh
		// AUTH never sees its own online transition ahead of real events
		var d struct {
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(ev.D, &d); err != nil {
			logger.Warnf("[server] bad presence event: %v", err)
			return
		}
		s.reg.BroadcastAllExceptUser(d.UserID, ev.Op, ev.D)

	case strings.HasPrefix(topic, "rt:chan:"):
		channelID := strings.TrimPrefix(topic, "rt:chan:")
		if ev.Op == OpMemberUpdated {
			// role/override edits must not keep serving stale grants
			var d struct {
				UserID string `json:"user_id"`
			}
			if err := json.Unmarshal(ev.D, &d); err == nil && d.UserID != "" {
				s.resolver.Invalidate(d.UserID)
			}
		}
		s.reg.BroadcastToChannel(channelID, ev.Op, ev.D)

	case strings.HasPrefix(topic, "rt:user:"):
		userID := strings.TrimPrefix(topic, "rt:user:")
		s.reg.SendToUser(userID, ev.Op, ev.D)
	}
}

func (s *Server) publish(topic string, op Opcode, d interface{}) {
	raw, err := json.Marshal(d)
	if err != nil {
		logger.Errorf("[server] marshal event for %s: %v", topic, err)
		return
	}
	payload, err := json.Marshal(pubEvent{Op: op, T: EventName(op), D: raw})
	if err != nil {
		logger.Errorf("[server] marshal envelope for %s: %v", topic, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.broker.Publish(ctx, topic, payload); err != nil {
		logger.Warnf("[server] publish %s: %v", topic, err)
	}
}

// onPresenceChange publishes the transition to every gateway, including this
// one; delivery loops back through onBrokerMessage so the local fan-out and
// the remote fan-out take the same path.
func (s *Server) onPresenceChange(userID string, status presence.Status) {
	s.publish(presenceTopic, OpPresenceUpdated, PresenceUpdatePayload{
		UserID: userID,
		Status: string(status),
	})
}

// onVoiceExpire broadcasts an implicit leave for a roster entry whose TTL
// lapsed, covering crashed and force-closed clients.
func (s *Server) onVoiceExpire(channelID, userID string) {
	s.reg.BroadcastToChannel(channelID, OpVoiceStateUpdate, VoiceEventPayload{
		Action:    "leave",
		ChannelID: channelID,
		UserID:    userID,
	})
}

// afterRemove unwinds presence and voice for a connection already removed
// from the indices, whether by disconnect or by sweep eviction.
func (s *Server) afterRemove(c *Conn) {
	if !c.Authenticated {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for channelID := range c.VoiceJoined {
		if s.voice.Leave(ctx, channelID, c.UserID) {
			s.reg.BroadcastToChannel(channelID, OpVoiceStateUpdate, VoiceEventPayload{
				Action:    "leave",
				ChannelID: channelID,
				UserID:    c.UserID,
			})
		}
	}

	if !s.reg.UserOnline(c.UserID) {
		s.presence.LastConnectionClosed(c.UserID)
	}
}

// Close shuts the realtime core down: trackers first so their timers stop
// firing into a draining registry.
func (s *Server) Close() {
	s.presence.Stop()
	s.voice.Stop()
	s.reg.Close()
	if err := s.broker.Close(); err != nil {
		logger.Warnf("[server] close broker: %v", err)
	}
}
