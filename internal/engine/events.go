package engine

// Event is one engine-to-caller notification. The concrete types below
// are the only ones sent on the events channel.
type Event any

// VerificationStatus reports once at startup whether this device is
// already cross-signed.
type VerificationStatus struct {
	Verified bool
}

// RoomTitle carries a room's new display title.
type RoomTitle struct {
	RoomID string
	Title  string
}

// Message is one resolved timeline message.
type Message struct {
	ID        string
	Sender    string
	Text      string
	Timestamp int64
}

// RoomMessages is one page of history. Token continues paging in the
// same direction.
type RoomMessages struct {
	RoomID   string
	Messages []Message
	Token    string
	Dir      string
}

// MessageDecrypted delivers a message that decrypted after its timeline
// position, typically once a room key arrived.
type MessageDecrypted struct {
	RoomID  string
	EventID string
	Text    string
}

// SASEmoji carries the 7 six-bit emoji indices to show the user.
type SASEmoji struct {
	Indices [7]int
}

// SASComplete signals that interactive verification finished.
type SASComplete struct{}

type cmdKind int

const (
	cmdStop cmdKind = iota
	cmdConfirmSAS
	cmdRequestMessages
)

type command struct {
	kind   cmdKind
	roomID string
	token  string
	dir    string
}
