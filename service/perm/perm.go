// Package perm computes effective capability bitmasks for
// (hub, channel, user) triples. The same resolver backs both the gateway
// subscribe path and the REST service, so the layering rules live in exactly
// one place.
package perm

// Permission is a capability bitmask. Administrator implies everything.
type Permission uint64

const (
	PermViewChannel Permission = 1 << iota
	PermSendMessages
	PermManageMessages
	PermManageChannels
	PermManageRoles
	PermKickMembers
	PermBanMembers
	PermMentionEveryone
	PermVoiceConnect
	PermVoiceSpeak
	PermVoiceMuteMembers
	PermManageHub

	PermAdministrator Permission = 1 << 63
)

// PermAll is every capability set, the short-circuit value for owners and
// administrators.
const PermAll = Permission(^uint64(0))

func (p Permission) Has(flag Permission) bool {
	if p&PermAdministrator != 0 {
		return true
	}
	return p&flag == flag
}

// Role carries a hub role's bitmask. Priority orders roles for display; it
// does not affect resolution, which is pure OR/AND-NOT layering.
type Role struct {
	ID          string
	HubID       string
	Priority    int
	Permissions Permission
	IsDefault   bool
}

// Overwrite is a channel-scoped allow/deny pair applied on top of the role
// layer, keyed by role or by member.
type Overwrite struct {
	Allow Permission
	Deny  Permission
}

func (o Overwrite) apply(p Permission) Permission {
	return (p | o.Allow) &^ o.Deny
}
