package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RecipientType identifies what a recipient row addresses.
type RecipientType int

const (
	RecipientPersonal RecipientType = 1
	RecipientStream   RecipientType = 2
	RecipientHuddle   RecipientType = 3
)

func (t RecipientType) String() string {
	switch t {
	case RecipientPersonal:
		return "personal"
	case RecipientStream:
		return "stream"
	case RecipientHuddle:
		return "huddle"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Realm is a tenant boundary.
type Realm struct {
	ID   int64
	Name string
}

// User is a member of a realm. Cross-realm bots are visible from every realm.
type User struct {
	ID              int64
	RealmID         int64
	Email           string
	FullName        string
	IsGuest         bool
	IsCrossRealmBot bool
	IsActive        bool
	Pointer         int64
	RecipientID     int64
}

// Stream is a named channel.
type Stream struct {
	ID                         int64
	RealmID                    int64
	Name                       string
	InviteOnly                 bool
	HistoryPublicToSubscribers bool
	Deactivated                bool
	RecipientID                int64
}

// IsPublic reports whether any realm member may read the stream.
func (s *Stream) IsPublic() bool {
	return !s.InviteOnly
}

// UserOptions holds optional attributes for CreateUser.
type UserOptions struct {
	FullName        string
	IsGuest         bool
	IsCrossRealmBot bool
}

// StreamOptions holds optional attributes for CreateStream.
type StreamOptions struct {
	InviteOnly bool
	// HistoryPrivate hides messages sent before a subscriber joined.
	HistoryPrivate bool
}

// CreateRealm creates a realm.
func (s *Store) CreateRealm(ctx context.Context, name string) (*Realm, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO realms (name) VALUES (?)`, name)
	if err != nil {
		return nil, fmt.Errorf("insert realm %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Realm{ID: id, Name: name}, nil
}

func insertRecipient(ctx context.Context, tx *sql.Tx, typ RecipientType, typeID int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO recipients (type, type_id) VALUES (?, ?)`, typ, typeID)
	if err != nil {
		return 0, fmt.Errorf("insert %s recipient: %w", typ, err)
	}
	return res.LastInsertId()
}

// CreateUser creates a user and its personal recipient.
func (s *Store) CreateUser(ctx context.Context, realmID int64, email string, opts UserOptions) (*User, error) {
	u := &User{
		RealmID:         realmID,
		Email:           strings.TrimSpace(email),
		FullName:        opts.FullName,
		IsGuest:         opts.IsGuest,
		IsCrossRealmBot: opts.IsCrossRealmBot,
		IsActive:        true,
		Pointer:         -1,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (realm_id, email, full_name, is_guest, is_cross_realm_bot)
			VALUES (?, ?, ?, ?, ?)
		`, realmID, u.Email, u.FullName, u.IsGuest, u.IsCrossRealmBot)
		if err != nil {
			return fmt.Errorf("insert user %q: %w", email, err)
		}
		if u.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		if u.RecipientID, err = insertRecipient(ctx, tx, RecipientPersonal, u.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE users SET recipient_id = ? WHERE id = ?`, u.RecipientID, u.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CreateStream creates a stream and its recipient.
func (s *Store) CreateStream(ctx context.Context, realmID int64, name string, opts StreamOptions) (*Stream, error) {
	st := &Stream{
		RealmID:                    realmID,
		Name:                       strings.TrimSpace(name),
		InviteOnly:                 opts.InviteOnly,
		HistoryPublicToSubscribers: !opts.HistoryPrivate,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO streams (realm_id, name, invite_only, history_public_to_subscribers)
			VALUES (?, ?, ?, ?)
		`, realmID, st.Name, st.InviteOnly, st.HistoryPublicToSubscribers)
		if err != nil {
			return fmt.Errorf("insert stream %q: %w", name, err)
		}
		if st.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		if st.RecipientID, err = insertRecipient(ctx, tx, RecipientStream, st.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE streams SET recipient_id = ? WHERE id = ?`, st.RecipientID, st.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

const userColumns = `id, realm_id, email, full_name, is_guest, is_cross_realm_bot, is_active, pointer, COALESCE(recipient_id, 0)`

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.RealmID, &u.Email, &u.FullName, &u.IsGuest,
		&u.IsCrossRealmBot, &u.IsActive, &u.Pointer, &u.RecipientID); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser returns a user by id, or nil if it does not exist.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// UserByEmail looks up an active user by email within a realm, including
// cross-realm bots. Returns nil if no such user exists.
func (s *Store) UserByEmail(ctx context.Context, realmID int64, email string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE email = ? COLLATE NOCASE AND is_active = 1
		  AND (realm_id = ? OR is_cross_realm_bot = 1)
		ORDER BY realm_id = ? DESC
		LIMIT 1
	`, strings.TrimSpace(email), realmID, realmID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", email, err)
	}
	return u, nil
}

// SetPointer records the user's reading pointer.
func (s *Store) SetPointer(ctx context.Context, userID, pointer int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET pointer = ? WHERE id = ?`, pointer, userID)
	return err
}

const streamColumns = `id, realm_id, name, invite_only, history_public_to_subscribers, deactivated, COALESCE(recipient_id, 0)`

func scanStream(row interface{ Scan(...interface{}) error }) (*Stream, error) {
	var st Stream
	if err := row.Scan(&st.ID, &st.RealmID, &st.Name, &st.InviteOnly,
		&st.HistoryPublicToSubscribers, &st.Deactivated, &st.RecipientID); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStream returns a stream by id, or nil if it does not exist.
func (s *Store) GetStream(ctx context.Context, id int64) (*Stream, error) {
	st, err := scanStream(s.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stream %d: %w", id, err)
	}
	return st, nil
}

// StreamByName looks up an active stream by case-insensitive name.
// Returns nil if no such stream exists.
func (s *Store) StreamByName(ctx context.Context, realmID int64, name string) (*Stream, error) {
	st, err := scanStream(s.db.QueryRowContext(ctx, `
		SELECT `+streamColumns+` FROM streams
		WHERE realm_id = ? AND name = ? COLLATE NOCASE AND deactivated = 0
	`, realmID, strings.TrimSpace(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stream %q: %w", name, err)
	}
	return st, nil
}

// ActiveStreams returns every non-deactivated stream in the realm.
func (s *Store) ActiveStreams(ctx context.Context, realmID int64) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+streamColumns+` FROM streams
		WHERE realm_id = ? AND deactivated = 0
		ORDER BY id
	`, realmID)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var streams []Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, *st)
	}
	return streams, rows.Err()
}

// PersonalRecipientID returns the recipient id for direct messages to userID.
func (s *Store) PersonalRecipientID(ctx context.Context, userID int64) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT recipient_id FROM users WHERE id = ?`, userID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("personal recipient for %d: %w", userID, err)
	}
	return id.Int64, nil
}

// huddleHash is the canonical key of a set of huddle members.
func huddleHash(userIDs []int64) string {
	ids := dedupeIDs(userIDs)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// dedupeIDs returns the sorted distinct ids.
func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetOrCreateHuddle returns the recipient id of the huddle with exactly
// the given members, creating it (and member subscriptions) if needed.
func (s *Store) GetOrCreateHuddle(ctx context.Context, userIDs []int64) (int64, error) {
	hash := huddleHash(userIDs)
	if id, ok, err := s.HuddleRecipientID(ctx, userIDs); err != nil || ok {
		return id, err
	}

	var recipientID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO huddles (huddle_hash) VALUES (?)`, hash)
		if err != nil {
			return fmt.Errorf("insert huddle: %w", err)
		}
		huddleID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if recipientID, err = insertRecipient(ctx, tx, RecipientHuddle, huddleID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE huddles SET recipient_id = ? WHERE id = ?`, recipientID, huddleID); err != nil {
			return err
		}
		for _, uid := range dedupeIDs(userIDs) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO subscriptions (user_id, recipient_id) VALUES (?, ?)
			`, uid, recipientID); err != nil {
				return fmt.Errorf("subscribe %d to huddle: %w", uid, err)
			}
		}
		return nil
	})
	return recipientID, err
}

// HuddleRecipientID returns the recipient id of the huddle with exactly
// the given members. ok is false when no such huddle exists.
func (s *Store) HuddleRecipientID(ctx context.Context, userIDs []int64) (id int64, ok bool, err error) {
	var rid sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT recipient_id FROM huddles WHERE huddle_hash = ?`, huddleHash(userIDs)).Scan(&rid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get huddle: %w", err)
	}
	return rid.Int64, rid.Valid, nil
}

// HuddleRecipientIDsForUser returns the recipient ids of every huddle the
// user belongs to.
func (s *Store) HuddleRecipientIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	return s.recipientIDs(ctx, `
		SELECT s.recipient_id FROM subscriptions s
		JOIN recipients r ON r.id = s.recipient_id
		WHERE s.user_id = ? AND r.type = ?
		ORDER BY s.recipient_id
	`, userID, RecipientHuddle)
}

func (s *Store) recipientIDs(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
