package gateway

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ripcord-app/gateway/logger"
	"github.com/ripcord-app/gateway/service/perm"
	"github.com/ripcord-app/gateway/service/pubsub"
	"github.com/ripcord-app/gateway/service/storage"
	"github.com/ripcord-app/gateway/service/voice"
)

// maxSubscribeBatch bounds one SUBSCRIBE frame's channel list.
const maxSubscribeBatch = 200

func (s *Server) handleAuth(ctx context.Context, c *Conn, f *Frame) {
	if c.Authenticated {
		c.SendControl(errorFrame(ErrCodeBadPayload, "already authenticated", nil))
		return
	}

	p, err := DecodePayload[AuthPayload](f)
	if err != nil || p.Token == "" {
		c.SendControl(controlFrame(OpAuthFail, AuthFailPayload{Code: CloseInvalidToken, Message: "missing token"}))
		c.Close(CloseInvalidToken, "missing token")
		return
	}

	claims, err := s.verifier.Verify(p.Token)
	if err != nil {
		c.SendControl(controlFrame(OpAuthFail, AuthFailPayload{Code: CloseInvalidToken, Message: "invalid token"}))
		c.Close(CloseInvalidToken, "invalid token")
		return
	}

	if err := s.reg.Authenticate(c.ID, claims.UserID, claims.DeviceID, claims.SessionID); err != nil {
		if errors.Is(err, ErrConnLimit) {
			// distinct close code so the client does not blindly retry
			c.SendControl(controlFrame(OpAuthFail, AuthFailPayload{Code: CloseConnectionLimit, Message: "connection limit reached"}))
			c.Close(CloseConnectionLimit, "connection limit reached")
		}
		// otherwise the connection raced a close; nothing to reply to
		return
	}

	s.presence.ConnectionAuthenticated(ctx, claims.UserID)
	c.SendControl(controlFrame(OpAuthOK, AuthOKPayload{
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
	}))
}

func validChannelID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

func (s *Server) handleSubscribe(ctx context.Context, c *Conn, f *Frame) {
	p, err := DecodePayload[SubscribePayload](f)
	if err != nil || len(p.ChannelIDs) == 0 || len(p.ChannelIDs) > maxSubscribeBatch {
		c.SendControl(errorFrame(ErrCodeBadPayload, "channel_ids must hold 1..200 entries", nil))
		return
	}
	for _, id := range p.ChannelIDs {
		if !validChannelID(id) {
			c.SendControl(errorFrame(ErrCodeBadPayload, "malformed channel id", nil))
			return
		}
	}

	var denied []string
	for _, channelID := range p.ChannelIDs {
		if !s.mayView(ctx, c.UserID, channelID) {
			denied = append(denied, channelID)
			continue
		}
		if err := s.reg.Subscribe(c.ID, channelID); err != nil {
			// connection already gone; the rest would fail the same way
			return
		}
	}

	// partial success is fine: authorized channels proceed, denied ones are
	// reported in a single ERROR frame
	if len(denied) > 0 {
		c.SendControl(errorFrame(ErrCodeDenied, "subscription denied", denied))
	}
}

// mayView performs the subscribe-time authorization check: DM channels need
// participancy, hub channels need membership plus the view capability.
// Collaborator failures deny (and log) rather than grant.
func (s *Server) mayView(ctx context.Context, userID, channelID string) bool {
	info, found, err := s.directory.Channel(ctx, channelID)
	if err != nil {
		logger.Warnf("[subscribe] channel lookup %s: %v", channelID, err)
		return false
	}
	if !found {
		return false
	}

	if info.Kind == storage.ChannelDM {
		ok, err := s.directory.IsDMParticipant(ctx, channelID, userID)
		if err != nil {
			logger.Warnf("[subscribe] dm participancy %s: %v", channelID, err)
			return false
		}
		return ok
	}

	member, err := s.directory.IsHubMember(ctx, info.HubID, userID)
	if err != nil {
		logger.Warnf("[subscribe] hub membership %s: %v", info.HubID, err)
		return false
	}
	if !member {
		return false
	}
	perms, err := s.resolver.Resolve(ctx, info.HubID, channelID, userID)
	if err != nil {
		logger.Warnf("[subscribe] resolve perms hub=%s channel=%s user=%s: %v", info.HubID, channelID, userID, err)
		return false
	}
	return perms.Has(perm.PermViewChannel)
}

func (s *Server) handleUnsubscribe(_ context.Context, c *Conn, f *Frame) {
	p, err := DecodePayload[SubscribePayload](f)
	if err != nil || len(p.ChannelIDs) == 0 {
		c.SendControl(errorFrame(ErrCodeBadPayload, "channel_ids required", nil))
		return
	}
	// leaving needs no permission
	for _, channelID := range p.ChannelIDs {
		if err := s.reg.Unsubscribe(c.ID, channelID); err != nil {
			return
		}
	}
}

func (s *Server) handleHeartbeat(ctx context.Context, c *Conn, _ *Frame) {
	if err := s.reg.MarkHeartbeat(c.ID); err != nil {
		// connection raced a close; nothing to ack
		return
	}
	// TTL refreshes are soft: a dead cache never blocks the ack
	s.presence.Refresh(ctx, c.UserID)
	if channels := s.reg.VoiceChannels(c.ID); len(channels) > 0 {
		s.voice.RefreshUser(ctx, c.UserID, channels)
	}
	c.SendControl(controlFrame(OpHeartbeatAck, nil))
}

func (s *Server) handleTyping(_ context.Context, c *Conn, f *Frame) {
	p, err := DecodePayload[TypingPayload](f)
	if err != nil || p.ChannelID == "" {
		c.SendControl(errorFrame(ErrCodeBadPayload, "channel_id required", nil))
		return
	}
	// the sender must already observe the channel; otherwise typing could be
	// spoofed into channels never joined
	if !s.reg.IsSubscribed(c.ID, p.ChannelID) {
		c.SendControl(errorFrame(ErrCodeNotSubscribed, "not subscribed to channel", nil))
		return
	}
	s.reg.BroadcastToChannelExcept(p.ChannelID, f.Op, TypingEventPayload{
		ChannelID: p.ChannelID,
		UserID:    c.UserID,
	}, c.ID)
}

func (s *Server) handleVoiceState(ctx context.Context, c *Conn, f *Frame) {
	p, err := DecodePayload[VoiceStatePayload](f)
	if err != nil || p.ChannelID == "" || !validChannelID(p.ChannelID) {
		c.SendControl(errorFrame(ErrCodeBadPayload, "channel_id required", nil))
		return
	}

	subscribed := s.reg.IsSubscribed(c.ID, p.ChannelID)

	switch p.Action {
	case "join":
		if !subscribed {
			// the client may hold a media token from the already
			// permission-checked voice-token path while its SUBSCRIBE is
			// still in flight; joining implies subscribing
			if err := s.reg.Subscribe(c.ID, p.ChannelID); err != nil {
				return
			}
		}
		participant := voice.Participant{
			UserID:   c.UserID,
			Handle:   p.Handle,
			SelfMute: p.SelfMute,
			SelfDeaf: p.SelfDeaf,
		}
		roster := s.voice.Join(ctx, p.ChannelID, participant)
		s.reg.MarkVoiceJoined(c.ID, p.ChannelID)

		s.reg.BroadcastToChannelExcept(p.ChannelID, OpVoiceStateUpdate, VoiceEventPayload{
			Action:      "join",
			ChannelID:   p.ChannelID,
			UserID:      c.UserID,
			Participant: participant,
		}, c.ID)

		// the joiner gets the full roster, not just its own join
		c.SendEvent(OpVoiceStateUpdate, VoiceEventPayload{
			Action:    "roster",
			ChannelID: p.ChannelID,
			Roster:    roster,
		})

	case "update":
		if !subscribed {
			c.SendControl(errorFrame(ErrCodeNotSubscribed, "not in voice channel", nil))
			return
		}
		participant, ok := s.voice.Update(p.ChannelID, c.UserID, p.SelfMute, p.SelfDeaf)
		if !ok {
			c.SendControl(errorFrame(ErrCodeNotSubscribed, "not in voice channel", nil))
			return
		}
		s.reg.BroadcastToChannel(p.ChannelID, OpVoiceStateUpdate, VoiceEventPayload{
			Action:      "update",
			ChannelID:   p.ChannelID,
			UserID:      c.UserID,
			Participant: participant,
		})

	case "leave":
		if !subscribed {
			c.SendControl(errorFrame(ErrCodeNotSubscribed, "not in voice channel", nil))
			return
		}
		if s.voice.Leave(ctx, p.ChannelID, c.UserID) {
			s.reg.BroadcastToChannel(p.ChannelID, OpVoiceStateUpdate, VoiceEventPayload{
				Action:    "leave",
				ChannelID: p.ChannelID,
				UserID:    c.UserID,
			})
		}
		s.reg.MarkVoiceLeft(c.ID, p.ChannelID)

	default:
		c.SendControl(errorFrame(ErrCodeBadPayload, "action must be join, leave or update", nil))
	}
}

// handleCallSignal relays INVITE/ACCEPT/DECLINE/END to the target user. The
// sender field is forcibly overwritten with the authenticated identity, so a
// signal can never impersonate someone else. Relay goes through the user
// topic: the substrate loops it back to this process when the target is
// local and carries it across gateways when not.
func (s *Server) handleCallSignal(_ context.Context, c *Conn, f *Frame) {
	p, err := DecodePayload[CallSignalPayload](f)
	if err != nil || p.TargetUserID == "" {
		c.SendControl(errorFrame(ErrCodeBadPayload, "target_user_id required", nil))
		return
	}
	p.SenderUserID = c.UserID
	s.publish(pubsub.UserTopic(p.TargetUserID), f.Op, p)
}
