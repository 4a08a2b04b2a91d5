package collab

import (
	"sync"
	"testing"
)

type fakeOutlet struct {
	mu     sync.Mutex
	events []Outbound
}

func (f *fakeOutlet) Deliver(event Outbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeOutlet) all() []Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Outbound, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeOutlet) lastType() string {
	events := f.all()
	if len(events) == 0 {
		return ""
	}
	return events[len(events)-1].Type
}

func (f *fakeOutlet) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

func TestRoomsJoinAndPresence(t *testing.T) {
	rooms := NewRooms()
	alice := &fakeOutlet{}
	bob := &fakeOutlet{}

	users := rooms.Join("doc-1", "conn-a", Principal{UserID: "u1", Username: "alice"}, alice)
	if len(users) != 1 {
		t.Fatalf("expected 1 active user after first join, got %d", len(users))
	}

	users = rooms.Join("doc-1", "conn-b", Principal{UserID: "u2", Username: "bob"}, bob)
	if len(users) != 2 {
		t.Fatalf("expected 2 active users, got %d", len(users))
	}

	// The joiner never gets its own user-joined; the earlier member does.
	if got := alice.lastType(); got != EventUserJoined {
		t.Fatalf("existing member event = %q, want %q", got, EventUserJoined)
	}
	for _, event := range bob.all() {
		if event.Type == EventUserJoined {
			t.Fatalf("joiner must not receive its own join broadcast")
		}
	}
}

func TestRoomsJoinEvictsStaleSameUser(t *testing.T) {
	rooms := NewRooms()
	old := &fakeOutlet{}
	fresh := &fakeOutlet{}

	rooms.Join("doc-1", "conn-old", Principal{UserID: "u1", Username: "alice"}, old)
	users := rooms.Join("doc-1", "conn-new", Principal{UserID: "u1", Username: "alice"}, fresh)

	if len(users) != 1 {
		t.Fatalf("reconnect must replace the stale entry, got %d entries", len(users))
	}
	if users[0].ConnectionID != "conn-new" {
		t.Fatalf("surviving connection = %q, want conn-new", users[0].ConnectionID)
	}
}

func TestRoomsLeave(t *testing.T) {
	rooms := NewRooms()
	alice := &fakeOutlet{}
	bob := &fakeOutlet{}

	rooms.Join("doc-1", "conn-a", Principal{UserID: "u1", Username: "alice"}, alice)
	rooms.Join("doc-1", "conn-b", Principal{UserID: "u2", Username: "bob"}, bob)
	alice.reset()

	rooms.Leave("doc-1", "conn-b")

	if got := alice.lastType(); got != EventUserLeft {
		t.Fatalf("remaining member event = %q, want %q", got, EventUserLeft)
	}
	if got := len(rooms.ActiveUsers("doc-1")); got != 1 {
		t.Fatalf("expected 1 remaining user, got %d", got)
	}

	// Leaving twice, or leaving a room never joined, changes nothing.
	alice.reset()
	rooms.Leave("doc-1", "conn-b")
	rooms.Leave("doc-404", "conn-a")
	if len(alice.all()) != 0 {
		t.Fatalf("idempotent leave must not broadcast")
	}
}

func TestRoomsLeaveLastMemberDropsRoom(t *testing.T) {
	rooms := NewRooms()
	rooms.Join("doc-1", "conn-a", Principal{UserID: "u1", Username: "alice"}, &fakeOutlet{})
	rooms.Leave("doc-1", "conn-a")
	if got := len(rooms.ActiveUsers("doc-1")); got != 0 {
		t.Fatalf("expected empty presence, got %d", got)
	}
	if len(rooms.rooms) != 0 {
		t.Fatalf("empty room must be deleted from the index")
	}
}

func TestRoomsBroadcastSkipsOriginator(t *testing.T) {
	rooms := NewRooms()
	alice := &fakeOutlet{}
	bob := &fakeOutlet{}
	carol := &fakeOutlet{}

	rooms.Join("doc-1", "conn-a", Principal{UserID: "u1", Username: "alice"}, alice)
	rooms.Join("doc-1", "conn-b", Principal{UserID: "u2", Username: "bob"}, bob)
	rooms.Join("doc-1", "conn-c", Principal{UserID: "u3", Username: "carol"}, carol)
	alice.reset()
	bob.reset()
	carol.reset()

	rooms.Broadcast("doc-1", "conn-b", Outbound{Type: EventDocumentUpdated})

	if got := alice.lastType(); got != EventDocumentUpdated {
		t.Fatalf("alice event = %q, want %q", got, EventDocumentUpdated)
	}
	if got := carol.lastType(); got != EventDocumentUpdated {
		t.Fatalf("carol event = %q, want %q", got, EventDocumentUpdated)
	}
	if len(bob.all()) != 0 {
		t.Fatalf("originator must not receive its own broadcast")
	}
}
