package realtime

// Channel keys route one subscription's worth of events. The purpose prefix
// keeps presence, room message and typing streams on separate logical
// channels even when they refer to the same room.
const PresenceKey = "presence"

// RoomKey names the message stream for a room.
func RoomKey(roomID string) string {
	return "room:" + roomID
}

// TypingKey names the typing stream for a room.
func TypingKey(roomID string) string {
	return "typing:" + roomID
}
