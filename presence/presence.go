// Package presence keeps the authoritative in-memory view of who is
// connected to which room. Entries are ephemeral, they exist exactly as long
// as the underlying connection is joined, nothing here is persisted.
package presence

import "sync"

type roomPresence struct {
	// connection id -> nick
	connections map[string]string
	// nick -> set of connection ids, one nick may hold several connections
	// (multiple tabs)
	byName map[string]map[string]struct{}
}

// Registry tracks per-room presence. It is owned by the session manager and
// injected into the room hubs, per-room entries are created lazily and kept
// for the process lifetime. All operations are single synchronous steps under
// the registry mutex.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*roomPresence
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*roomPresence)}
}

func (r *Registry) room(roomId string) *roomPresence {
	p, ok := r.rooms[roomId]
	if !ok {
		p = &roomPresence{
			connections: make(map[string]string),
			byName:      make(map[string]map[string]struct{}),
		}
		r.rooms[roomId] = p
	}
	return p
}

// Join records the connection under nick. Joining twice with the same nick is
// a no-op.
func (r *Registry) Join(roomId, connId, nick string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.room(roomId)
	if prev, ok := p.connections[connId]; ok {
		if prev == nick {
			return
		}
		if set, ok := p.byName[prev]; ok {
			delete(set, connId)
			if len(set) == 0 {
				delete(p.byName, prev)
			}
		}
	}
	p.connections[connId] = nick
	set, ok := p.byName[nick]
	if !ok {
		set = make(map[string]struct{})
		p.byName[nick] = set
	}
	set[connId] = struct{}{}
}

// Leave removes the connection. Leaving a room the connection never joined is
// not an error, disconnects may race with explicit leaves.
func (r *Registry) Leave(roomId, connId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rooms[roomId]
	if !ok {
		return
	}
	nick, ok := p.connections[connId]
	if !ok {
		return
	}
	delete(p.connections, connId)
	if set, ok := p.byName[nick]; ok {
		delete(set, connId)
		if len(set) == 0 {
			delete(p.byName, nick)
		}
	}
}

// Count returns the number of distinct connections in the room.
func (r *Registry) Count(roomId string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rooms[roomId]
	if !ok {
		return 0
	}
	return len(p.connections)
}

// Names returns the distinct nicks currently present, each reported once no
// matter how many connections it holds.
func (r *Registry) Names(roomId string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rooms[roomId]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(p.byName))
	for nick := range p.byName {
		names = append(names, nick)
	}
	return names
}

// SocketsFor returns the connection ids held by nick in the room, used for
// targeted delivery (mentions, forced disconnect on ban).
func (r *Registry) SocketsFor(roomId, nick string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rooms[roomId]
	if !ok {
		return nil
	}
	set, ok := p.byName[nick]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
