package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Identity is a registered account: the thing a session token resolves to.
type Identity struct {
	ID       int64
	Username string
	RoleID   int64
}

// GroupRight is one (group, role) -> rights grant, mirroring the fan-out's
// GroupRights/ChannelRights routing policies.
type GroupRight struct {
	GroupID int64
	RoleID  int64
	Rights  int64
}

// CreateUser registers a new identity with a bcrypt-hashed password and the
// default MEMBER role. Returns the new user's id.
func (s *Store) CreateUser(username, password string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO users(username, password_hash) VALUES(?, ?)`,
		username, string(hash),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Authenticate verifies username/password and returns the matching identity.
// Returns sql.ErrNoRows on unknown username or bcrypt.ErrMismatchedHashAndPassword
// on a bad password.
func (s *Store) Authenticate(username, password string) (Identity, error) {
	var id Identity
	var hash string
	err := s.db.QueryRow(
		`SELECT id, username, role_id, password_hash FROM users WHERE username = ?`, username,
	).Scan(&id.ID, &id.Username, &id.RoleID, &hash)
	if err != nil {
		return Identity{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// CreateSession mints a fresh opaque session token for userID, valid for ttl.
func (s *Store) CreateSession(userID int64, ttl time.Duration) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	expiresAt := time.Now().Add(ttl).Unix()
	_, err = s.db.Exec(
		`INSERT INTO sessions(token, user_id, expires_at) VALUES(?, ?, ?)`,
		token, userID, expiresAt,
	)
	if err != nil {
		return "", err
	}
	return token, nil
}

// ValidateSession resolves a session token to its identity, failing with
// sql.ErrNoRows if the token is unknown or has expired. This is what the
// substrate accept path calls before a Connection is constructed.
func (s *Store) ValidateSession(token string) (Identity, error) {
	var id Identity
	var expiresAt int64
	err := s.db.QueryRow(
		`SELECT u.id, u.username, u.role_id, sess.expires_at
		 FROM sessions sess JOIN users u ON u.id = sess.user_id
		 WHERE sess.token = ?`, token,
	).Scan(&id.ID, &id.Username, &id.RoleID, &expiresAt)
	if err != nil {
		return Identity{}, err
	}
	if expiresAt < time.Now().Unix() {
		return Identity{}, sql.ErrNoRows
	}
	return id, nil
}

// InvalidateSession revokes a single session token (logout).
func (s *Store) InvalidateSession(token string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE token = ?`, token)
	return err
}

// PurgeExpiredSessions removes session rows whose expiry has passed.
func (s *Store) PurgeExpiredSessions() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GroupRightsForUser returns every (group, rights) pair reachable by userID's
// role, for seeding the fan-out's per-connection ACL snapshot.
func (s *Store) GroupRightsForUser(userID int64) ([]GroupRight, error) {
	rows, err := s.db.Query(
		`SELECT grr.group_id, grr.role_id, grr.rights
		 FROM group_role_rights grr
		 JOIN users u ON u.role_id = grr.role_id
		 WHERE u.id = ? AND grr.rights > 0
		 ORDER BY grr.group_id`, userID,
	)
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

// SetGroupRoleRights upserts the rights a role holds over a group, returning
// the previous value (0 if none existed) so callers can detect a grant or a
// revocation edge.
func (s *Store) SetGroupRoleRights(groupID, roleID, rights int64) (int64, error) {
	var previous int64
	err := s.db.QueryRow(
		`SELECT rights FROM group_role_rights WHERE group_id = ? AND role_id = ?`,
		groupID, roleID,
	).Scan(&previous)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	_, err = s.db.Exec(
		`INSERT INTO group_role_rights(group_id, role_id, rights) VALUES(?, ?, ?)
		 ON CONFLICT(group_id, role_id) DO UPDATE SET rights = excluded.rights`,
		groupID, roleID, rights,
	)
	if err != nil {
		return 0, err
	}
	return previous, nil
}

// SetUserRoleID reassigns the role a user account holds.
func (s *Store) SetUserRoleID(userID, roleID int64) error {
	res, err := s.db.Exec(`UPDATE users SET role_id = ? WHERE id = ?`, roleID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UserStatusOnline and UserStatusOffline are the two presence values the
// fan-out writes on Connect and on Timeout/Disconnect/DisconnectUser.
const (
	UserStatusOnline  = "online"
	UserStatusOffline = "offline"
)

// SetUserStatus records a user's online/offline presence, mirroring the
// Rust original's handle_user_status_update.
func (s *Store) SetUserStatus(userID int64, status string) error {
	_, err := s.db.Exec(`UPDATE users SET status = ? WHERE id = ?`, status, userID)
	return err
}

// UserStatus returns a user's current presence ("online" or "offline").
func (s *Store) UserStatus(userID int64) (string, error) {
	var status string
	err := s.db.QueryRow(`SELECT status FROM users WHERE id = ?`, userID).Scan(&status)
	return status, err
}

func randomToken() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}
