package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/ripcord-app/gateway/service/perm"
)

// ChannelKind distinguishes the three channel shapes the gateway cares
// about. Anything else in the channels table is invisible to it.
type ChannelKind int

const (
	ChannelText ChannelKind = iota
	ChannelVoice
	ChannelDM
)

type ChannelInfo struct {
	ID    string
	HubID string // empty for DM channels
	Kind  ChannelKind
}

// Directory is the read-only membership surface the dispatcher needs to
// gate SUBSCRIBE. All methods are single round-trip queryOne/query calls.
type Directory interface {
	Channel(ctx context.Context, channelID string) (ChannelInfo, bool, error)
	IsHubMember(ctx context.Context, hubID, userID string) (bool, error)
	IsDMParticipant(ctx context.Context, channelID, userID string) (bool, error)
}

// PGStore implements Directory and perm.Store over a pgx pool.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(ctx context.Context, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() { s.pool.Close() }

func (s *PGStore) Channel(ctx context.Context, channelID string) (ChannelInfo, bool, error) {
	var info ChannelInfo
	err := s.pool.QueryRow(ctx,
		`SELECT id, COALESCE(hub_id, ''), kind FROM channels WHERE id = $1`,
		channelID,
	).Scan(&info.ID, &info.HubID, &info.Kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChannelInfo{}, false, nil
	}
	if err != nil {
		return ChannelInfo{}, false, errors.Wrap(err, "query channel")
	}
	return info, true, nil
}

func (s *PGStore) IsHubMember(ctx context.Context, hubID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM hub_members WHERE hub_id = $1 AND user_id = $2)`,
		hubID, userID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "query hub membership")
	}
	return exists, nil
}

func (s *PGStore) IsDMParticipant(ctx context.Context, channelID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM dm_participants WHERE channel_id = $1 AND user_id = $2)`,
		channelID, userID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "query dm participancy")
	}
	return exists, nil
}

func (s *PGStore) HubOwnerID(ctx context.Context, hubID string) (string, error) {
	var ownerID string
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id FROM hubs WHERE id = $1`, hubID,
	).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "query hub owner")
	}
	return ownerID, nil
}

func (s *PGStore) DefaultRole(ctx context.Context, hubID string) (perm.Role, error) {
	var role perm.Role
	err := s.pool.QueryRow(ctx,
		`SELECT id, hub_id, priority, permissions, is_default
		   FROM roles WHERE hub_id = $1 AND is_default`, hubID,
	).Scan(&role.ID, &role.HubID, &role.Priority, &role.Permissions, &role.IsDefault)
	if errors.Is(err, pgx.ErrNoRows) {
		return perm.Role{}, nil
	}
	if err != nil {
		return perm.Role{}, errors.Wrap(err, "query default role")
	}
	return role, nil
}

func (s *PGStore) MemberRoles(ctx context.Context, hubID, userID string) ([]perm.Role, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.hub_id, r.priority, r.permissions, r.is_default
		   FROM roles r
		   JOIN member_roles mr ON mr.role_id = r.id
		  WHERE r.hub_id = $1 AND mr.user_id = $2`, hubID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query member roles")
	}
	defer rows.Close()

	var roles []perm.Role
	for rows.Next() {
		var role perm.Role
		if err := rows.Scan(&role.ID, &role.HubID, &role.Priority, &role.Permissions, &role.IsDefault); err != nil {
			return nil, errors.Wrap(err, "scan member role")
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *PGStore) RoleOverwrites(ctx context.Context, channelID string) (map[string]perm.Overwrite, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT target_id, allow_mask, deny_mask
		   FROM channel_overwrites
		  WHERE channel_id = $1 AND target_kind = 'role'`, channelID)
	if err != nil {
		return nil, errors.Wrap(err, "query role overwrites")
	}
	defer rows.Close()

	out := make(map[string]perm.Overwrite)
	for rows.Next() {
		var roleID string
		var ow perm.Overwrite
		if err := rows.Scan(&roleID, &ow.Allow, &ow.Deny); err != nil {
			return nil, errors.Wrap(err, "scan role overwrite")
		}
		out[roleID] = ow
	}
	return out, rows.Err()
}

func (s *PGStore) MemberOverwrite(ctx context.Context, channelID, userID string) (perm.Overwrite, bool, error) {
	var ow perm.Overwrite
	err := s.pool.QueryRow(ctx,
		`SELECT allow_mask, deny_mask
		   FROM channel_overwrites
		  WHERE channel_id = $1 AND target_kind = 'member' AND target_id = $2`,
		channelID, userID,
	).Scan(&ow.Allow, &ow.Deny)
	if errors.Is(err, pgx.ErrNoRows) {
		return perm.Overwrite{}, false, nil
	}
	if err != nil {
		return perm.Overwrite{}, false, errors.Wrap(err, "query member overwrite")
	}
	return ow, true, nil
}
