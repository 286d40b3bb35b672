package store

import "database/sql"

// VoipParticipant is one user's live presence in a media channel.
type VoipParticipant struct {
	UserID        int64
	ChannelID     int64
	LocalMute     bool
	LocalDeafen   bool
	PublishScreen bool
	PublishCamera bool
}

// SetVoipParticipant upserts a user's presence in a channel.
func (s *Store) SetVoipParticipant(p VoipParticipant) error {
	_, err := s.db.Exec(
		`INSERT INTO voip_participants(user_id, channel_id, local_mute, local_deafen, publish_screen, publish_camera)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, channel_id) DO UPDATE SET
		   local_mute = excluded.local_mute,
		   local_deafen = excluded.local_deafen,
		   publish_screen = excluded.publish_screen,
		   publish_camera = excluded.publish_camera`,
		p.UserID, p.ChannelID, p.LocalMute, p.LocalDeafen, p.PublishScreen, p.PublishCamera,
	)
	return err
}

// ClearVoipParticipant removes any live presence row for userID, run when a
// user connects (stale presence from a prior crash) or goes fully offline.
func (s *Store) ClearVoipParticipant(userID int64) error {
	_, err := s.db.Exec(`DELETE FROM voip_participants WHERE user_id = ?`, userID)
	return err
}

// VoipParticipantsByChannel lists live presence rows for one channel.
func (s *Store) VoipParticipantsByChannel(channelID int64) ([]VoipParticipant, error) {
	rows, err := s.db.Query(
		`SELECT user_id, channel_id, local_mute, local_deafen, publish_screen, publish_camera
		 FROM voip_participants WHERE channel_id = ?`, channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VoipParticipant
	for rows.Next() {
		var p VoipParticipant
		if err := rows.Scan(&p.UserID, &p.ChannelID, &p.LocalMute, &p.LocalDeafen, &p.PublishScreen, &p.PublishCamera); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AllGroupRights returns every (group, role) -> rights grant, for seeding the
// fan-out's role/group rights cache in one shot.
func (s *Store) AllGroupRights() ([]GroupRight, error) {
	rows, err := s.db.Query(`SELECT group_id, role_id, rights FROM group_role_rights`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupRight
	for rows.Next() {
		var r GroupRight
		if err := rows.Scan(&r.GroupID, &r.RoleID, &r.Rights); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ChannelGroups returns every channel's owning group id, for resolving
// ChannelRights policies via the channel's group.
func (s *Store) ChannelGroups() (map[int64]int64, error) {
	rows, err := s.db.Query(`SELECT id, group_id FROM channels WHERE group_id IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var chanID int64
		var groupID sql.NullInt64
		if err := rows.Scan(&chanID, &groupID); err != nil {
			return nil, err
		}
		if groupID.Valid {
			out[chanID] = groupID.Int64
		}
	}
	return out, rows.Err()
}

// UserRoleByID returns the role id currently assigned to a user.
func (s *Store) UserRoleByID(userID int64) (int64, error) {
	var roleID int64
	err := s.db.QueryRow(`SELECT role_id FROM users WHERE id = ?`, userID).Scan(&roleID)
	return roleID, err
}
