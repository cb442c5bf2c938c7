package session

import "encoding/json"

// Wire message types. Client → server: LOCK_ACQUIRE, COMMIT, HEARTBEAT.
// Server → client: the rest. Unknown types are dropped.
const (
	TypeInitState   = "INIT_STATE"
	TypeLockAcquire = "LOCK_ACQUIRE"
	TypeLockUpdate  = "LOCK_UPDATE"
	TypeLockDenied  = "LOCK_DENIED"
	TypeCommit      = "COMMIT"
	TypeCommitApply = "COMMIT_APPLY"
	TypeUserJoined  = "USER_JOINED"
	TypeUserLeft    = "USER_LEFT"
	TypeHeartbeat   = "HEARTBEAT"
)

// Close codes for handshake rejection. Transport-standard codes
// (1000/1006/1011) are used elsewhere as usual.
const (
	CloseCodeRoomFull     = 4003
	CloseCodeRoomNotFound = 4004
)

// Envelope is the JSON frame every message travels in: {"t": ..., "payload": ...}.
type Envelope struct {
	Type    string          `json:"t"`
	Payload json.RawMessage `json:"payload"`
}

// decodeEnvelope parses an inbound text frame. Frames that fail to parse or
// miss either field are reported invalid and dropped by the caller.
func decodeEnvelope(data []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, false
	}
	if env.Type == "" || len(env.Payload) == 0 {
		return Envelope{}, false
	}
	return env, true
}

// encodeMessage builds an outbound frame.
func encodeMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// UserInfo describes an online user in INIT_STATE and USER_JOINED payloads.
type UserInfo struct {
	ClientID string `json:"clientId"`
	Nickname string `json:"nickname"`
	Color    string `json:"color"`
}

// InitStatePayload is the first message a joining client receives.
type InitStatePayload struct {
	ClientID     string            `json:"clientId"`
	Users        []UserInfo        `json:"users"`
	Locks        map[string]string `json:"locks"`
	WorkspaceXML string            `json:"workspaceXml,omitempty"`
}

// LockAcquirePayload is a client's request to lock a block.
type LockAcquirePayload struct {
	BlockID string `json:"blockId"`
}

// LockUpdatePayload announces a lock ownership change. A nil Owner means
// the block is free.
type LockUpdatePayload struct {
	BlockID string  `json:"blockId"`
	Owner   *string `json:"owner"`
}

// LockDeniedPayload is sent only to the requester when an acquire loses.
type LockDeniedPayload struct {
	BlockID string `json:"blockId"`
	Owner   string `json:"owner"`
	TTLMs   int64  `json:"ttlMs"`
}

// CommitPayload is a client-authored mutation of one block. Events are
// opaque to the server. ReleaseLock defaults to true when absent.
type CommitPayload struct {
	BlockID      string          `json:"blockId"`
	Events       json.RawMessage `json:"events"`
	WorkspaceXML string          `json:"workspaceXml,omitempty"`
	ReleaseLock  *bool           `json:"releaseLock,omitempty"`
}

// CommitApplyPayload fans a committed mutation out to the room.
type CommitApplyPayload struct {
	BlockID      string          `json:"blockId"`
	Events       json.RawMessage `json:"events"`
	By           string          `json:"by"`
	WorkspaceXML string          `json:"workspaceXml,omitempty"`
}

// UserLeftPayload announces a departed client.
type UserLeftPayload struct {
	ClientID string `json:"clientId"`
}

// colorPalette is the fixed set of user colors, chosen uniformly at random.
var colorPalette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
	"#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E2",
	"#F8B739", "#52B788", "#E63946", "#457B9D",
}
