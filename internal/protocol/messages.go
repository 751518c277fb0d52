// Package protocol defines the wire messages, shared domain records, and
// compatibility constants exchanged between LineHeat editor clients and the
// coordination server. All identifiers that cross the wire are opaque
// 64-character lowercase hex digests; the server never resolves them.
package protocol

import "time"

// Protocol compatibility contract. Bumping ServerProtocolVersion's major
// rejects every older-major client; MinClientProtocolVersion gates minors.
const (
	ServerProtocolVersion    = "2.1.0"
	MinClientProtocolVersion = "2.0.0"

	// HashVersion tags the digest algorithm clients must use for repoId,
	// filePath, and functionId. Rotation is explicit: a new algorithm gets
	// a new tag and old clients are rejected at validation.
	HashVersion = "sha256-hex-v1"
)

const (
	PresenceTTL            = 15 * time.Second
	PresenceSweepInterval  = 5 * time.Second
	RetentionSweepInterval = 15 * time.Minute
	CoalesceInterval       = 200 * time.Millisecond

	DefaultRetentionDays = 7

	MaxTopEditors    = 10
	MaxPresenceUsers = 50

	DisplayNameMaxLength = 64
	EmojiMaxLength       = 16
	FilePathMaxLength    = 512
)

// Message type tags. Every frame is a flat JSON object carrying "type",
// an optional "id" for ack-carrying requests, and the payload fields.
const (
	TypeHello         = "hello"
	TypeRoomJoin      = "room:join"
	TypeRoomLeave     = "room:leave"
	TypeEditPush      = "edit:push"
	TypePresenceSet   = "presence:set"
	TypePresenceClear = "presence:clear"
	TypeRepoHeat      = "repo:heat"

	TypeServerHello        = "server:hello"
	TypeServerIncompatible = "server:incompatible"
	TypeRoomSnapshot       = "room:snapshot"
	TypeFileDelta          = "file:delta"
	TypeAck                = "ack"
)

// RoomKey identifies the unit of subscription and broadcast.
type RoomKey struct {
	RepoID   string
	FilePath string
}

// EditEvent is the canonical record of a single accepted edit:push. It is
// what the store persists and what the heat reducer consumes.
type EditEvent struct {
	ServerTs    int64  `json:"serverTs"`
	RepoID      string `json:"repoId"`
	FilePath    string `json:"filePath"`
	FunctionID  string `json:"functionId"`
	AnchorLine  int    `json:"anchorLine"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Emoji       string `json:"emoji"`
}

// Room returns the event's room key.
func (e *EditEvent) Room() RoomKey {
	return RoomKey{RepoID: e.RepoID, FilePath: e.FilePath}
}

// HeatEditor is one entry of a function's recent-editor list.
type HeatEditor struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Emoji       string `json:"emoji"`
	LastEditAt  int64  `json:"lastEditAt"`
}

// HeatFunction is the aggregated edit activity for one function in a room.
type HeatFunction struct {
	FunctionID string       `json:"functionId"`
	AnchorLine int          `json:"anchorLine"`
	LastEditAt int64        `json:"lastEditAt"`
	TopEditors []HeatEditor `json:"topEditors"`
}

// PresenceUser is one live cursor within a function's presence aggregate.
type PresenceUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Emoji       string `json:"emoji"`
	LastSeenAt  int64  `json:"lastSeenAt"`
}

// FunctionPresence is the aggregated presence for one function. An empty
// Users list signals removal and is emitted exactly once.
type FunctionPresence struct {
	FunctionID string         `json:"functionId"`
	AnchorLine int            `json:"anchorLine"`
	Users      []PresenceUser `json:"users"`
}

// Envelope carries the fields every inbound frame shares. The payload is
// decoded a second time into the message-specific struct.
type Envelope struct {
	Type string `json:"type"`
	ID   uint64 `json:"id,omitempty"`
}

// Hello is the authentication handshake, the first frame a client sends.
type Hello struct {
	Token                 string `json:"token"`
	ClientProtocolVersion string `json:"clientProtocolVersion"`
	UserID                string `json:"userId"`
	DisplayName           string `json:"displayName"`
	Emoji                 string `json:"emoji"`
}

// RoomRef addresses a room; used by room:join, room:leave, and
// presence:clear.
type RoomRef struct {
	HashVersion string `json:"hashVersion"`
	RepoID      string `json:"repoId"`
	FilePath    string `json:"filePath"`
}

// Room returns the referenced room key.
func (r *RoomRef) Room() RoomKey {
	return RoomKey{RepoID: r.RepoID, FilePath: r.FilePath}
}

// FunctionRef addresses a function within a room; used by edit:push and
// presence:set.
type FunctionRef struct {
	HashVersion string `json:"hashVersion"`
	RepoID      string `json:"repoId"`
	FilePath    string `json:"filePath"`
	FunctionID  string `json:"functionId"`
	AnchorLine  int    `json:"anchorLine"`
}

// Room returns the referenced room key.
func (r *FunctionRef) Room() RoomKey {
	return RoomKey{RepoID: r.RepoID, FilePath: r.FilePath}
}

// RepoHeatRequest asks for the per-file heat summary of a repository.
type RepoHeatRequest struct {
	HashVersion string `json:"hashVersion"`
	RepoID      string `json:"repoId"`
}

// ServerHello is sent once after a successful handshake.
type ServerHello struct {
	Type                     string `json:"type"`
	ServerProtocolVersion    string `json:"serverProtocolVersion"`
	MinClientProtocolVersion string `json:"minClientProtocolVersion"`
	ServerRetentionDays      int    `json:"serverRetentionDays"`
	HashVersion              string `json:"hashVersion"`
}

// ServerIncompatible is the only frame sent to a version-incompatible
// client before the socket closes.
type ServerIncompatible struct {
	Type                     string `json:"type"`
	ServerProtocolVersion    string `json:"serverProtocolVersion"`
	MinClientProtocolVersion string `json:"minClientProtocolVersion"`
	Message                  string `json:"message"`
}

// Ack answers a room:join request.
type Ack struct {
	Type  string `json:"type"`
	ID    uint64 `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RepoHeatReply answers a repo:heat request. Files is present on every
// reply, empty when no file has an editor other than the requester or the
// request was malformed.
type RepoHeatReply struct {
	Type  string           `json:"type"`
	ID    uint64           `json:"id"`
	OK    bool             `json:"ok"`
	Files map[string]int64 `json:"files"`
}

// RoomSnapshot is delivered to a joining connection before any file:delta
// for the same room.
type RoomSnapshot struct {
	Type        string             `json:"type"`
	HashVersion string             `json:"hashVersion"`
	RepoID      string             `json:"repoId"`
	FilePath    string             `json:"filePath"`
	Functions   []HeatFunction     `json:"functions"`
	Presence    []FunctionPresence `json:"presence"`
}

// DeltaUpdates carries the coalesced per-function changes of one flush
// window. Either list may be absent.
type DeltaUpdates struct {
	Heat     []HeatFunction     `json:"heat,omitempty"`
	Presence []FunctionPresence `json:"presence,omitempty"`
}

// FileDelta is the room-scoped broadcast emitted at most once per coalesce
// interval per room.
type FileDelta struct {
	Type        string       `json:"type"`
	HashVersion string       `json:"hashVersion"`
	RepoID      string       `json:"repoId"`
	FilePath    string       `json:"filePath"`
	Updates     DeltaUpdates `json:"updates"`
}
