package collab

import (
	"sync"
	"time"

	"codraft/api/internal/app"
)

// outlet is the write side of one live connection. Deliver must not block;
// the websocket client buffers behind it.
type outlet interface {
	Deliver(event Outbound)
}

type member struct {
	connID     string
	principal  Principal
	lastActive time.Time
	out        outlet
}

// Rooms tracks, per document id, the connections currently viewing it and
// fans presence deltas out to them. Presence is process-local and
// best-effort: a crash loses it and clients rebuild it by rejoining.
type Rooms struct {
	mu    sync.Mutex
	rooms map[string]map[string]*member
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]map[string]*member)}
}

// Join registers the connection in the document's room and notifies the
// other members. Any stale entry for the same user (a reconnect that never
// cleanly disconnected) is evicted first. The returned list is the refreshed
// active-user set for the joining connection.
func (r *Rooms) Join(documentID, connID string, principal Principal, out outlet) []app.ActiveUser {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[documentID]
	if room == nil {
		room = make(map[string]*member)
		r.rooms[documentID] = room
	}
	for id, existing := range room {
		if existing.principal.UserID == principal.UserID {
			delete(room, id)
		}
	}
	room[connID] = &member{
		connID:     connID,
		principal:  principal,
		lastActive: time.Now(),
		out:        out,
	}

	users := r.activeUsersLocked(documentID)
	r.broadcastLocked(documentID, connID, Outbound{
		Type: EventUserJoined,
		Data: map[string]any{"user": principal, "activeUsers": users},
	})
	return users
}

// Leave removes the connection from the room and notifies the remaining
// members. Leaving a room the connection is not in is a no-op.
func (r *Rooms) Leave(documentID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[documentID]
	existing, ok := room[connID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, documentID)
	}
	r.broadcastLocked(documentID, connID, Outbound{
		Type: EventUserLeft,
		Data: map[string]any{"user": existing.principal, "activeUsers": r.activeUsersLocked(documentID)},
	})
}

// Broadcast sends the event to every room member except the originator.
// Fan-out happens under the room lock so all members observe broadcasts for
// one document in the same order.
func (r *Rooms) Broadcast(documentID, exceptConnID string, event Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(documentID, exceptConnID, event)
}

// Touch refreshes the member's last-active timestamp.
func (r *Rooms) Touch(documentID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.rooms[documentID][connID]; ok {
		existing.lastActive = time.Now()
	}
}

// ActiveUsers reports the current presence set for a document. It satisfies
// the HTTP service's presence source.
func (r *Rooms) ActiveUsers(documentID string) []app.ActiveUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeUsersLocked(documentID)
}

func (r *Rooms) activeUsersLocked(documentID string) []app.ActiveUser {
	room := r.rooms[documentID]
	users := make([]app.ActiveUser, 0, len(room))
	for _, existing := range room {
		users = append(users, app.ActiveUser{
			UserID:       existing.principal.UserID,
			Username:     existing.principal.Username,
			ConnectionID: existing.connID,
			LastActiveAt: existing.lastActive,
		})
	}
	return users
}

func (r *Rooms) broadcastLocked(documentID, exceptConnID string, event Outbound) {
	for id, existing := range r.rooms[documentID] {
		if id == exceptConnID {
			continue
		}
		existing.out.Deliver(event)
	}
}
