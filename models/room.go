package models

import "strconv"

// Room is one active two-party pairing. It always has exactly two distinct
// members and is destroyed on skip, leave or either member's disconnect.
type Room struct {
	ID           string
	User1ID      string
	User2ID      string
	CreatedAt    int64
	LastActivity int64
}

func (r *Room) ToHash() map[string]string {
	return map[string]string{
		"id":           r.ID,
		"user1Id":      r.User1ID,
		"user2Id":      r.User2ID,
		"createdAt":    strconv.FormatInt(r.CreatedAt, 10),
		"lastActivity": strconv.FormatInt(r.LastActivity, 10),
	}
}

func RoomFromHash(fields map[string]string) *Room {
	if fields["id"] == "" {
		return nil
	}
	return &Room{
		ID:           fields["id"],
		User1ID:      fields["user1Id"],
		User2ID:      fields["user2Id"],
		CreatedAt:    parseMillis(fields["createdAt"]),
		LastActivity: parseMillis(fields["lastActivity"]),
	}
}

// HasMember reports whether id is one of the room's two participants.
func (r *Room) HasMember(id string) bool {
	return r.User1ID == id || r.User2ID == id
}

// PartnerOf returns the other participant, or "" when id is not a member.
func (r *Room) PartnerOf(id string) string {
	switch id {
	case r.User1ID:
		return r.User2ID
	case r.User2ID:
		return r.User1ID
	}
	return ""
}
