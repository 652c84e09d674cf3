package database

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	roomColumns    = "r.id, r.name, r.is_global, r.created_at"
	profileColumns = "pr.id, pr.user_id, COALESCE(pr.name, ''), COALESCE(pr.email, ''), COALESCE(pr.avatar_url, ''), pr.created_at"
	messageColumns = "id, chat_room_id, sender_id, receiver_id, content, created_at"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (Profile, error) {
	var p Profile
	err := row.Scan(
		&p.Id,
		&p.UserId,
		&p.Name,
		&p.Email,
		&p.AvatarURL,
		&p.CreatedAt,
	)

	return p, err
}

func scanRoom(row scanner) (Room, error) {
	var r Room
	err := row.Scan(
		&r.Id,
		&r.Name,
		&r.IsGlobal,
		&r.CreatedAt,
	)

	return r, err
}

func scanMessage(row scanner) (Message, error) {
	var (
		msg      Message
		receiver sql.NullInt64
	)
	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.SenderId,
		&receiver,
		&msg.Content,
		&msg.CreatedAt,
	)
	if receiver.Valid {
		id := int(receiver.Int64)
		msg.ReceiverId = &id
	}

	return msg, err
}

func (db *PgRepository) GetProfile(ctx context.Context, id int) (Profile, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+profileColumns+" FROM profiles pr WHERE pr.id = $1 LIMIT 1",
		id,
	)

	return scanProfile(row)
}

func (db *PgRepository) GetProfileByUserId(ctx context.Context, userId string) (Profile, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+profileColumns+" FROM profiles pr WHERE pr.user_id = $1 LIMIT 1",
		userId,
	)

	return scanProfile(row)
}

func (db *PgRepository) CreateProfile(ctx context.Context, params CreateProfileParams) (Profile, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO profiles AS pr (user_id, name, email) VALUES ($1, $2, $3) "+
			"RETURNING "+profileColumns,
		params.UserId,
		params.Name,
		params.Email,
	)

	return scanProfile(row)
}

func (db *PgRepository) UpdateProfile(ctx context.Context, id int, params UpdateProfileParams) (Profile, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE profiles AS pr SET name = COALESCE(NULLIF($2, ''), pr.name), "+
			"avatar_url = COALESCE(NULLIF($3, ''), pr.avatar_url) "+
			"WHERE pr.id = $1 RETURNING "+profileColumns,
		id,
		params.Name,
		params.AvatarURL,
	)

	return scanProfile(row)
}

func (db *PgRepository) GetRoom(ctx context.Context, id int) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM chat_rooms r WHERE r.id = $1 LIMIT 1",
		id,
	)

	return scanRoom(row)
}

func (db *PgRepository) FirstGlobalRoom(ctx context.Context) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM chat_rooms r WHERE r.is_global ORDER BY r.id LIMIT 1",
	)

	return scanRoom(row)
}

func (db *PgRepository) queryRooms(ctx context.Context, query string, args ...any) ([]Room, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}

		rooms = append(rooms, room)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return rooms, nil
}

func (db *PgRepository) ListGlobalRooms(ctx context.Context) ([]Room, error) {
	return db.queryRooms(ctx, "SELECT "+roomColumns+" FROM chat_rooms r WHERE r.is_global")
}

func (db *PgRepository) ListRoomsForParticipant(ctx context.Context, profileId int) ([]Room, error) {
	return db.queryRooms(ctx,
		"SELECT "+roomColumns+" FROM chat_rooms r "+
			"JOIN participants p ON p.chat_room_id = r.id "+
			"WHERE p.profile_id = $1 AND NOT r.is_global",
		profileId,
	)
}

func (db *PgRepository) FindDirectRoom(ctx context.Context, profileId, peerId int) (Room, error) {
	query := `
		SELECT r.id, r.name, r.is_global, r.created_at
		FROM chat_rooms r
		JOIN participants a ON a.chat_room_id = r.id AND a.profile_id = $1
		JOIN participants b ON b.chat_room_id = r.id AND b.profile_id = $2
		WHERE NOT r.is_global
		ORDER BY r.id
		LIMIT 1;
`
	row := db.conn.QueryRowContext(ctx, query, profileId, peerId)

	return scanRoom(row)
}

func (db *PgRepository) InsertRoom(ctx context.Context, name string, isGlobal bool) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO chat_rooms AS r (name, is_global) VALUES ($1, $2) "+
			"RETURNING "+roomColumns,
		name,
		isGlobal,
	)

	return scanRoom(row)
}

func (db *PgRepository) InsertParticipant(ctx context.Context, roomId, profileId int) (Participant, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO participants (chat_room_id, profile_id) VALUES ($1, $2) "+
			"RETURNING id, chat_room_id, profile_id",
		roomId,
		profileId,
	)

	var p Participant
	err := row.Scan(
		&p.Id,
		&p.RoomId,
		&p.ProfileId,
	)

	return p, err
}

func (db *PgRepository) ListParticipants(ctx context.Context, roomId int) ([]Profile, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+profileColumns+" FROM participants p "+
			"JOIN profiles pr ON pr.id = p.profile_id WHERE p.chat_room_id = $1 ORDER BY p.id",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := make([]Profile, 0, 2)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}

		profiles = append(profiles, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return profiles, nil
}

// LatestMessage returns nil without an error when the room has no messages.
func (db *PgRepository) LatestMessage(ctx context.Context, roomId int) (*Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE chat_room_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1",
		roomId,
	)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &msg, nil
}

func (db *PgRepository) GetMessage(ctx context.Context, id int) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1 LIMIT 1",
		id,
	)

	return scanMessage(row)
}

func (db *PgRepository) ListMessages(ctx context.Context, roomId int) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE chat_room_id = $1 ORDER BY created_at ASC, id ASC",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

func (db *PgRepository) InsertMessage(ctx context.Context, params InsertMessageParams) (Message, error) {
	var receiver sql.NullInt64
	if params.ReceiverId != nil {
		receiver = sql.NullInt64{Int64: int64(*params.ReceiverId), Valid: true}
	}

	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (chat_room_id, sender_id, receiver_id, content) "+
			"VALUES ($1, $2, $3, $4) RETURNING "+messageColumns,
		params.RoomId,
		params.SenderId,
		receiver,
		params.Content,
	)

	return scanMessage(row)
}

// SetNotifyChannel points the insert triggers at channel.
func (db *PgRepository) SetNotifyChannel(ctx context.Context, channel string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO chatsync_settings (key, value) VALUES ('notify_channel', $1) "+
			"ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value",
		channel,
	)

	return err
}
