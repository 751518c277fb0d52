// Package presence tracks live cursors per websocket connection and
// projects them into per-user, per-function aggregates. Every mutation
// returns the minimal set of function-level changes versus the previously
// reported aggregate, so callers can broadcast diffs instead of snapshots.
// The tracker is not self-locking; the hub serializes all access.
package presence

import (
	"sort"

	"github.com/google/uuid"

	"github.com/lineheat/lineheat/internal/protocol"
)

// Cursor is the client-reported position of one connection.
type Cursor struct {
	UserID      string
	DisplayName string
	Emoji       string
	FunctionID  string
	AnchorLine  int
	LastSeenAt  int64
}

type record struct {
	Cursor
	seq uint64 // insertion counter, breaks LastSeenAt ties (later wins)
}

type roomPresence struct {
	records map[uuid.UUID]*record
	// last is the aggregate as of the previous diff, keyed by functionId.
	last map[string]protocol.FunctionPresence
}

// Tracker holds per-room presence state for all connections.
type Tracker struct {
	rooms map[protocol.RoomKey]*roomPresence
	seq   uint64
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{rooms: make(map[protocol.RoomKey]*roomPresence)}
}

// Set inserts or replaces the cursor of a connection in a room and returns
// the resulting function-level deltas.
func (t *Tracker) Set(connID uuid.UUID, room protocol.RoomKey, c Cursor) []protocol.FunctionPresence {
	rp, ok := t.rooms[room]
	if !ok {
		rp = &roomPresence{
			records: make(map[uuid.UUID]*record),
			last:    make(map[string]protocol.FunctionPresence),
		}
		t.rooms[room] = rp
	}
	t.seq++
	rp.records[connID] = &record{Cursor: c, seq: t.seq}
	return t.diff(room)
}

// Clear removes the connection's cursor in one room.
func (t *Tracker) Clear(connID uuid.UUID, room protocol.RoomKey) []protocol.FunctionPresence {
	rp, ok := t.rooms[room]
	if !ok {
		return nil
	}
	if _, ok := rp.records[connID]; !ok {
		return nil
	}
	delete(rp.records, connID)
	return t.diff(room)
}

// RemoveConnection removes the connection's cursors across all rooms and
// returns the deltas per affected room.
func (t *Tracker) RemoveConnection(connID uuid.UUID) map[protocol.RoomKey][]protocol.FunctionPresence {
	out := make(map[protocol.RoomKey][]protocol.FunctionPresence)
	for room, rp := range t.rooms {
		if _, ok := rp.records[connID]; !ok {
			continue
		}
		delete(rp.records, connID)
		if deltas := t.diff(room); len(deltas) > 0 {
			out[room] = deltas
		}
	}
	return out
}

// SweepExpired removes every cursor with LastSeenAt < cutoffTs and returns
// the deltas per affected room.
func (t *Tracker) SweepExpired(cutoffTs int64) map[protocol.RoomKey][]protocol.FunctionPresence {
	out := make(map[protocol.RoomKey][]protocol.FunctionPresence)
	for room, rp := range t.rooms {
		removed := false
		for id, rec := range rp.records {
			if rec.LastSeenAt < cutoffTs {
				delete(rp.records, id)
				removed = true
			}
		}
		if !removed {
			continue
		}
		if deltas := t.diff(room); len(deltas) > 0 {
			out[room] = deltas
		}
	}
	return out
}

// AggregateRoom returns the current aggregate for a room, ordered by
// functionId, for use in room snapshots.
func (t *Tracker) AggregateRoom(room protocol.RoomKey) []protocol.FunctionPresence {
	rp, ok := t.rooms[room]
	if !ok {
		return []protocol.FunctionPresence{}
	}
	agg := aggregate(rp.records)
	out := make([]protocol.FunctionPresence, 0, len(agg))
	for _, fp := range agg {
		out = append(out, fp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FunctionID < out[j].FunctionID })
	return out
}

// diff recomputes the room aggregate, stores it as the new baseline, and
// returns the entries that changed. Functions that disappeared are reported
// once with an empty user list. Empty rooms are released.
func (t *Tracker) diff(room protocol.RoomKey) []protocol.FunctionPresence {
	rp := t.rooms[room]
	next := aggregate(rp.records)

	var deltas []protocol.FunctionPresence
	for id, fp := range next {
		if prev, ok := rp.last[id]; !ok || !equalPresence(prev, fp) {
			deltas = append(deltas, fp)
		}
	}
	for id, prev := range rp.last {
		if _, ok := next[id]; !ok {
			deltas = append(deltas, protocol.FunctionPresence{
				FunctionID: id,
				AnchorLine: prev.AnchorLine,
				Users:      []protocol.PresenceUser{},
			})
		}
	}

	rp.last = next
	if len(rp.records) == 0 && len(rp.last) == 0 {
		delete(t.rooms, room)
	}

	sort.Slice(deltas, func(i, j int) bool { return deltas[i].FunctionID < deltas[j].FunctionID })
	return deltas
}

// aggregate projects per-connection records into per-function user lists:
// the newest record per user wins, users group by function, the function's
// anchor comes from its newest user, and lists cap at MaxPresenceUsers.
func aggregate(records map[uuid.UUID]*record) map[string]protocol.FunctionPresence {
	byUser := make(map[string]*record)
	for _, rec := range records {
		cur, ok := byUser[rec.UserID]
		if !ok || rec.LastSeenAt > cur.LastSeenAt ||
			(rec.LastSeenAt == cur.LastSeenAt && rec.seq > cur.seq) {
			byUser[rec.UserID] = rec
		}
	}

	byFunction := make(map[string][]*record)
	for _, rec := range byUser {
		byFunction[rec.FunctionID] = append(byFunction[rec.FunctionID], rec)
	}

	out := make(map[string]protocol.FunctionPresence, len(byFunction))
	for id, recs := range byFunction {
		sort.Slice(recs, func(i, j int) bool {
			if recs[i].LastSeenAt != recs[j].LastSeenAt {
				return recs[i].LastSeenAt > recs[j].LastSeenAt
			}
			return recs[i].seq > recs[j].seq
		})
		if len(recs) > protocol.MaxPresenceUsers {
			recs = recs[:protocol.MaxPresenceUsers]
		}
		users := make([]protocol.PresenceUser, len(recs))
		for i, rec := range recs {
			users[i] = protocol.PresenceUser{
				UserID:      rec.UserID,
				DisplayName: rec.DisplayName,
				Emoji:       rec.Emoji,
				LastSeenAt:  rec.LastSeenAt,
			}
		}
		out[id] = protocol.FunctionPresence{
			FunctionID: id,
			AnchorLine: recs[0].AnchorLine,
			Users:      users,
		}
	}
	return out
}

func equalPresence(a, b protocol.FunctionPresence) bool {
	if a.AnchorLine != b.AnchorLine || len(a.Users) != len(b.Users) {
		return false
	}
	for i := range a.Users {
		if a.Users[i] != b.Users[i] {
			return false
		}
	}
	return true
}
