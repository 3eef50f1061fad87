package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// Session is one mapping run.
type Session struct {
	SessionID  string          `json:"session_id"`
	StartedAt  time.Time       `json:"started_at"`
	Source     string          `json:"source"`
	ConfigJSON json.RawMessage `json:"config_json"`
}

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore provides persistence for mapping sessions.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// StartSession records a new session. cfg is stored as JSON for later
// reference.
func (s *SessionStore) StartSession(source string, cfg any) (*Session, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode session config: %w", err)
	}
	sess := &Session{
		SessionID:  uuid.New().String(),
		StartedAt:  time.Now(),
		Source:     source,
		ConfigJSON: cfgJSON,
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, started_at, source, config_json)
		VALUES (?, ?, ?, ?)
	`, sess.SessionID, sess.StartedAt.UnixNano(), sess.Source, string(cfgJSON))
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession retrieves a session by ID.
func (s *SessionStore) GetSession(id string) (*Session, error) {
	var sess Session
	var started int64
	var cfg string
	err := s.db.QueryRow(`
		SELECT session_id, started_at, source, config_json FROM sessions WHERE session_id = ?
	`, id).Scan(&sess.SessionID, &started, &sess.Source, &cfg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.StartedAt = time.Unix(0, started)
	sess.ConfigJSON = json.RawMessage(cfg)
	return &sess, nil
}

// ListSessions returns every session, newest first.
func (s *SessionStore) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT session_id, started_at, source, config_json FROM sessions ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started int64
		var cfg string
		if err := rows.Scan(&sess.SessionID, &started, &sess.Source, &cfg); err != nil {
			return nil, err
		}
		sess.StartedAt = time.Unix(0, started)
		sess.ConfigJSON = json.RawMessage(cfg)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SavePose appends a trajectory entry. Saving the same timestamp twice
// replaces the entry.
func (s *SessionStore) SavePose(session string, ts time.Time, p lidar.Pose, refined bool) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO poses (session_id, ts_unix_ns, x, y, z, roll, pitch, yaw, refined)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session, ts.UnixNano(), p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw, refined)
	if err != nil {
		return fmt.Errorf("insert pose: %w", err)
	}
	return nil
}

// SaveKeyframe stores a keyframe and its compressed clouds.
func (s *SessionStore) SaveKeyframe(session string, kf lidar.Keyframe) error {
	corners, err := EncodeCloud(kf.Corners)
	if err != nil {
		return err
	}
	surfaces, err := EncodeCloud(kf.Surfaces)
	if err != nil {
		return err
	}
	p := kf.Pose
	_, err = s.db.Exec(`
		INSERT INTO keyframes (session_id, seq, ts_unix_ns, x, y, z, roll, pitch, yaw, corners_zst, surfaces_zst)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session, kf.Seq, kf.Timestamp.UnixNano(), p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw, corners, surfaces)
	if err != nil {
		return fmt.Errorf("insert keyframe %d: %w", kf.Seq, err)
	}
	return nil
}

// UpdatePoses rewrites keyframe poses after loop closure, in one
// transaction. It returns how many keyframes were updated.
func (s *SessionStore) UpdatePoses(session string, poses map[int]lidar.Pose) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		UPDATE keyframes SET x = ?, y = ?, z = ?, roll = ?, pitch = ?, yaw = ?
		WHERE session_id = ? AND seq = ?
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	updated := 0
	for seq, p := range poses {
		res, err := stmt.Exec(p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw, session, seq)
		if err != nil {
			return 0, fmt.Errorf("update keyframe %d: %w", seq, err)
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return updated, nil
}

// SaveConstraint records an accepted loop constraint.
func (s *SessionStore) SaveConstraint(session string, c lidar.PoseConstraint) error {
	r := c.Relative
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO loop_constraints
			(session_id, source_seq, target_seq, x, y, z, roll, pitch, yaw, fitness, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session, c.Source, c.Target, r.X, r.Y, r.Z, r.Roll, r.Pitch, r.Yaw, c.Fitness, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert constraint %d→%d: %w", c.Source, c.Target, err)
	}
	return nil
}

// Trajectory returns the session's poses in time order.
func (s *SessionStore) Trajectory(session string) ([]lidar.StampedPose, error) {
	rows, err := s.db.Query(`
		SELECT ts_unix_ns, x, y, z, roll, pitch, yaw FROM poses
		WHERE session_id = ? ORDER BY ts_unix_ns
	`, session)
	if err != nil {
		return nil, fmt.Errorf("query trajectory: %w", err)
	}
	defer rows.Close()

	var out []lidar.StampedPose
	for rows.Next() {
		var ts int64
		var p lidar.Pose
		if err := rows.Scan(&ts, &p.X, &p.Y, &p.Z, &p.Roll, &p.Pitch, &p.Yaw); err != nil {
			return nil, err
		}
		out = append(out, lidar.StampedPose{Timestamp: time.Unix(0, ts), Pose: p})
	}
	return out, rows.Err()
}

// Keyframes returns the session's keyframes in sequence order with their
// clouds decoded.
func (s *SessionStore) Keyframes(session string) ([]lidar.Keyframe, error) {
	rows, err := s.db.Query(`
		SELECT seq, ts_unix_ns, x, y, z, roll, pitch, yaw, corners_zst, surfaces_zst
		FROM keyframes WHERE session_id = ? ORDER BY seq
	`, session)
	if err != nil {
		return nil, fmt.Errorf("query keyframes: %w", err)
	}
	defer rows.Close()

	var out []lidar.Keyframe
	for rows.Next() {
		var kf lidar.Keyframe
		var ts int64
		var corners, surfaces []byte
		p := &kf.Pose
		if err := rows.Scan(&kf.Seq, &ts, &p.X, &p.Y, &p.Z, &p.Roll, &p.Pitch, &p.Yaw, &corners, &surfaces); err != nil {
			return nil, err
		}
		kf.Timestamp = time.Unix(0, ts)
		if kf.Corners, err = DecodeCloud(corners); err != nil {
			return nil, fmt.Errorf("keyframe %d corners: %w", kf.Seq, err)
		}
		if kf.Surfaces, err = DecodeCloud(surfaces); err != nil {
			return nil, fmt.Errorf("keyframe %d surfaces: %w", kf.Seq, err)
		}
		out = append(out, kf)
	}
	return out, rows.Err()
}

// Constraints returns the session's loop constraints.
func (s *SessionStore) Constraints(session string) ([]lidar.PoseConstraint, error) {
	rows, err := s.db.Query(`
		SELECT source_seq, target_seq, x, y, z, roll, pitch, yaw, fitness
		FROM loop_constraints WHERE session_id = ? ORDER BY created_at, source_seq
	`, session)
	if err != nil {
		return nil, fmt.Errorf("query constraints: %w", err)
	}
	defer rows.Close()

	var out []lidar.PoseConstraint
	for rows.Next() {
		var c lidar.PoseConstraint
		r := &c.Relative
		if err := rows.Scan(&c.Source, &c.Target, &r.X, &r.Y, &r.Z, &r.Roll, &r.Pitch, &r.Yaw, &c.Fitness); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
