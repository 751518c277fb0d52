// Package heat reduces the edit event stream into per-room, per-function
// activity maps. The reducer is deterministic: replaying the retained log
// in order yields the same state the live stream produced. State is not
// self-locking; the hub serializes all access.
package heat

import (
	"sort"

	"github.com/lineheat/lineheat/internal/protocol"
)

// Function is the mutable heat entry for one function in a room.
type Function struct {
	AnchorLine int
	LastEditAt int64
	TopEditors []protocol.HeatEditor
}

// Room holds the heat entries for one (repoId, filePath) pair.
type Room struct {
	Functions map[string]*Function
}

// State is the full in-memory heat map.
type State struct {
	rooms map[protocol.RoomKey]*Room
}

// New returns an empty State.
func New() *State {
	return &State{rooms: make(map[protocol.RoomKey]*Room)}
}

// Apply folds one event into the state and returns a copy of the updated
// function entry suitable for queuing as a heat delta.
func (s *State) Apply(e protocol.EditEvent) protocol.HeatFunction {
	key := e.Room()
	room, ok := s.rooms[key]
	if !ok {
		room = &Room{Functions: make(map[string]*Function)}
		s.rooms[key] = room
	}

	fn, ok := room.Functions[e.FunctionID]
	if !ok {
		fn = &Function{}
		room.Functions[e.FunctionID] = fn
	}

	// One entry per user: replace any previous edit by the same userId.
	editors := fn.TopEditors[:0]
	for _, ed := range fn.TopEditors {
		if ed.UserID != e.UserID {
			editors = append(editors, ed)
		}
	}
	editors = append(editors, protocol.HeatEditor{
		UserID:      e.UserID,
		DisplayName: e.DisplayName,
		Emoji:       e.Emoji,
		LastEditAt:  e.ServerTs,
	})
	sort.SliceStable(editors, func(i, j int) bool {
		return editors[i].LastEditAt > editors[j].LastEditAt
	})
	if len(editors) > protocol.MaxTopEditors {
		editors = editors[:protocol.MaxTopEditors]
	}
	fn.TopEditors = editors

	// Later edits always overwrite the anchor, even when it moves up.
	fn.AnchorLine = e.AnchorLine
	fn.LastEditAt = e.ServerTs

	return snapshotFunction(e.FunctionID, fn)
}

// Replay folds a batch of events, in order, into the state.
func (s *State) Replay(events []protocol.EditEvent) {
	for _, e := range events {
		s.Apply(e)
	}
}

// Prune drops editors, functions, and rooms whose last activity is older
// than cutoffTs.
func (s *State) Prune(cutoffTs int64) {
	for key, room := range s.rooms {
		for id, fn := range room.Functions {
			if fn.LastEditAt < cutoffTs {
				delete(room.Functions, id)
				continue
			}
			editors := fn.TopEditors[:0]
			for _, ed := range fn.TopEditors {
				if ed.LastEditAt >= cutoffTs {
					editors = append(editors, ed)
				}
			}
			fn.TopEditors = editors
		}
		if len(room.Functions) == 0 {
			delete(s.rooms, key)
		}
	}
}

// SnapshotRoom returns copies of all function entries in a room, ordered by
// functionId for a stable wire representation. Returns an empty slice for
// unknown rooms.
func (s *State) SnapshotRoom(key protocol.RoomKey) []protocol.HeatFunction {
	room, ok := s.rooms[key]
	if !ok {
		return []protocol.HeatFunction{}
	}
	out := make([]protocol.HeatFunction, 0, len(room.Functions))
	for id, fn := range room.Functions {
		out = append(out, snapshotFunction(id, fn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FunctionID < out[j].FunctionID })
	return out
}

// RepoFiles answers the repo:heat query: for every file of the repository,
// the maximum lastEditAt over functions whose top editors include at least
// one user other than excludeUserID. Files with no qualifying function are
// omitted.
func (s *State) RepoFiles(repoID, excludeUserID string) map[string]int64 {
	files := make(map[string]int64)
	for key, room := range s.rooms {
		if key.RepoID != repoID {
			continue
		}
		for _, fn := range room.Functions {
			if !hasOtherEditor(fn.TopEditors, excludeUserID) {
				continue
			}
			if ts, ok := files[key.FilePath]; !ok || fn.LastEditAt > ts {
				files[key.FilePath] = fn.LastEditAt
			}
		}
	}
	return files
}

func hasOtherEditor(editors []protocol.HeatEditor, excludeUserID string) bool {
	for _, ed := range editors {
		if ed.UserID != excludeUserID {
			return true
		}
	}
	return false
}

func snapshotFunction(id string, fn *Function) protocol.HeatFunction {
	editors := make([]protocol.HeatEditor, len(fn.TopEditors))
	copy(editors, fn.TopEditors)
	return protocol.HeatFunction{
		FunctionID: id,
		AnchorLine: fn.AnchorLine,
		LastEditAt: fn.LastEditAt,
		TopEditors: editors,
	}
}
