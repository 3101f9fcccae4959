package models

import "strconv"

// User is an anonymous, connection-scoped identity. The socket id doubles as
// the user id, so a User lives exactly as long as its connection plus the
// record TTL safety net.
type User struct {
	ID            string
	SocketID      string
	JoinedAt      int64
	LastActive    int64
	CurrentRoomID string
	LastPartnerID string
}

// ToHash flattens the user into the field map stored under UserKey(id).
func (u *User) ToHash() map[string]string {
	return map[string]string{
		"id":            u.ID,
		"socketId":      u.SocketID,
		"joinedAt":      strconv.FormatInt(u.JoinedAt, 10),
		"lastActive":    strconv.FormatInt(u.LastActive, 10),
		"currentRoomId": u.CurrentRoomID,
		"lastPartnerId": u.LastPartnerID,
	}
}

// UserFromHash rebuilds a user from a stored hash. Returns nil when the hash
// is empty or missing its id field, which callers treat as "no such user".
func UserFromHash(fields map[string]string) *User {
	if fields["id"] == "" {
		return nil
	}
	return &User{
		ID:            fields["id"],
		SocketID:      fields["socketId"],
		JoinedAt:      parseMillis(fields["joinedAt"]),
		LastActive:    parseMillis(fields["lastActive"]),
		CurrentRoomID: fields["currentRoomId"],
		LastPartnerID: fields["lastPartnerId"],
	}
}

func parseMillis(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
