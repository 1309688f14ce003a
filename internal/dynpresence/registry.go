package dynpresence

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Shiu/dynamic-presence/internal/models"
	"golang.org/x/exp/slices"
)

// Registry holds all rooms of the process. Rooms reference each other only by
// id or name and resolve through the registry, so a removed room simply stops resolving.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// Add registers a room under its id.
func (reg *Registry) Add(room *Room) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.rooms[room.ID()]; ok {
		return fmt.Errorf("%w: %s", models.ErrDuplicateRoom, room.ID())
	}

	for _, other := range reg.rooms {
		if strings.EqualFold(other.Name(), room.Name()) {
			return fmt.Errorf("%w: %s", models.ErrDuplicateRoom, room.Name())
		}
	}

	reg.rooms[room.ID()] = room

	return nil
}

// Remove unregisters the room with the given id and returns it.
func (reg *Registry) Remove(id string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room := reg.rooms[id]
	delete(reg.rooms, id)

	return room
}

// Get resolves a reference by id first and by (case-insensitive) name second.
func (reg *Registry) Get(ref string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return reg.getLocked(ref)
}

func (reg *Registry) getLocked(ref string) (*Room, bool) {
	if room, ok := reg.rooms[ref]; ok {
		return room, true
	}

	for _, room := range reg.rooms {
		if strings.EqualFold(room.Name(), ref) {
			return room, true
		}
	}

	return nil, false
}

// All returns the rooms ordered by name.
func (reg *Registry) All() []*Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}

	slices.SortFunc(rooms, func(a, b *Room) int {
		return strings.Compare(a.Name(), b.Name())
	})

	return rooms
}

// Len returns the number of registered rooms.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return len(reg.rooms)
}

// Adjacent resolves the adjacency list of room. Unresolvable or self references are skipped.
func (reg *Registry) Adjacent(room *Room) []*Room {
	refs := room.Config().AdjacentRooms

	reg.mu.RLock()
	defer reg.mu.RUnlock()

	adjacent := make([]*Room, 0, len(refs))

	for _, ref := range refs {
		other, ok := reg.getLocked(ref)
		if !ok || other == room || slices.Contains(adjacent, other) {
			continue
		}

		adjacent = append(adjacent, other)
	}

	return adjacent
}

// ListingAsAdjacent returns the rooms that name room in their adjacency list.
func (reg *Registry) ListingAsAdjacent(room *Room) []*Room {
	listing := make([]*Room, 0)

	for _, other := range reg.All() {
		if other == room {
			continue
		}

		if slices.Contains(reg.Adjacent(other), room) {
			listing = append(listing, other)
		}
	}

	return listing
}
