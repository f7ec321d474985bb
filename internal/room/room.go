package room

import (
	"errors"
	"sort"
	"sync"

	"github.com/christopherjohns/zonechat/internal/zone"
)

// ErrInvalidRoom is returned for a room id outside the registry's enumeration.
var ErrInvalidRoom = errors.New("invalid room name")

// Kind distinguishes rooms backed by a campus zone from topic channels.
type Kind string

const (
	KindZone  Kind = "zone"
	KindTopic Kind = "topic"
)

// Definition declares one valid room.
type Definition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Definitions builds the closed room enumeration: every zone id in load
// order followed by the topic channels.
func Definitions(zones *zone.Set, topics []string) []Definition {
	defs := make([]Definition, 0, zones.Len()+len(topics))
	for _, z := range zones.Zones() {
		defs = append(defs, Definition{ID: z.ID, Name: z.Name, Kind: KindZone})
	}
	for _, t := range topics {
		defs = append(defs, Definition{ID: t, Name: t, Kind: KindTopic})
	}
	return defs
}

// Room is a point-in-time view of a room and its roster size.
type Room struct {
	Definition
	ActiveUsers int `json:"active_users"`
}

// Registry holds the membership set of every valid room. Rooms are
// allocated once by NewRegistry and never added or removed; only their
// membership changes.
type Registry struct {
	mu      sync.RWMutex
	defs    []Definition
	members map[string]map[string]struct{}
}

// NewRegistry allocates an empty membership set per definition. A
// repeated id keeps its first definition.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{
		members: make(map[string]map[string]struct{}, len(defs)),
	}
	for _, d := range defs {
		if _, ok := r.members[d.ID]; ok {
			continue
		}
		r.members[d.ID] = make(map[string]struct{})
		r.defs = append(r.defs, d)
	}
	return r
}

// Valid reports whether id names a room. Matching is case-sensitive.
func (r *Registry) Valid(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

// Join adds userID to the room and returns the resulting member count.
// Joining twice is the same as joining once.
func (r *Registry) Join(userID, roomID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[roomID]
	if !ok {
		return 0, ErrInvalidRoom
	}
	set[userID] = struct{}{}
	return len(set), nil
}

// Leave removes userID from the room. Removing an absent member is not
// an error; removed reports whether anything changed.
func (r *Registry) Leave(userID, roomID string) (count int, removed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[roomID]
	if !ok {
		return 0, false, ErrInvalidRoom
	}
	if _, removed = set[userID]; removed {
		delete(set, userID)
	}
	return len(set), removed, nil
}

// Contains reports whether userID is a member of the room.
func (r *Registry) Contains(userID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[roomID][userID]
	return ok
}

// Members returns the room's user ids in sorted order.
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.members[roomID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of members in a room, 0 for unknown rooms.
func (r *Registry) Count(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[roomID])
}

// IDs returns every valid room id in definition order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.defs))
	for i, d := range r.defs {
		ids[i] = d.ID
	}
	return ids
}

// List returns every room sorted by active users (descending), keeping
// definition order among equals.
func (r *Registry) List() []Room {
	r.mu.RLock()
	result := make([]Room, len(r.defs))
	for i, d := range r.defs {
		result[i] = Room{Definition: d, ActiveUsers: len(r.members[d.ID])}
	}
	r.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ActiveUsers > result[j].ActiveUsers
	})
	return result
}
