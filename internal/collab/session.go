package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"codraft/api/internal/access"
	"codraft/api/internal/app"
	"codraft/api/internal/store"
)

// Backend is the slice of the application service the live surface needs.
// Access tiers come from the same policy the HTTP handlers use.
type Backend interface {
	VerifyConnectionToken(ctx context.Context, token string) (userID, username string, err error)
	AccessTier(ctx context.Context, documentID, userID string) (access.Tier, error)
	ApplyLiveChange(ctx context.Context, documentID, userID, content string) error
	AppendAutoSave(ctx context.Context, documentID, userID, content, title string) (store.Version, error)
}

type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateInRoom
	StateClosed
)

// Session owns one live connection's lifecycle. Inbound events are handled
// one at a time by the connection's read loop; the mutex only serializes
// those handlers against the auth timer and transport teardown.
type Session struct {
	id       string
	backend  Backend
	rooms    *Rooms
	registry *Registry
	out      outlet
	closer   func()

	mu         sync.Mutex
	state      State
	principal  Principal
	documentID string
	authTimer  *time.Timer
}

func NewSession(id string, backend Backend, rooms *Rooms, registry *Registry, out outlet, closer func()) *Session {
	session := &Session{
		id:       id,
		backend:  backend,
		rooms:    rooms,
		registry: registry,
		out:      out,
		closer:   closer,
		state:    StateConnecting,
	}
	registry.Add(session)
	return session
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start arms the authentication deadline: a connection that presents no
// valid credential within the window is told why and disconnected.
func (s *Session) Start(authTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return
	}
	s.state = StateAuthenticating
	s.authTimer = time.AfterFunc(authTimeout, s.authTimedOut)
}

func (s *Session) authTimedOut() {
	s.mu.Lock()
	if s.state != StateAuthenticating {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.out.Deliver(Outbound{
		Type: EventAuthenticationError,
		Data: map[string]any{"message": "Authentication timed out"},
	})
	s.closer()
	s.Close()
}

// Handle processes one inbound frame. The caller (the read loop) invokes it
// serially, which is what gives a single connection its ordering guarantee.
func (s *Session) Handle(ctx context.Context, raw []byte) {
	event, err := ParseInbound(raw)
	if err != nil {
		var protoErr *ProtocolError
		if errors.As(err, &protoErr) {
			s.out.Deliver(errorEvent(protoErr.Reason))
			return
		}
		s.out.Deliver(errorEvent("invalid event"))
		return
	}

	switch data := event.(type) {
	case Authenticate:
		s.handleAuthenticate(ctx, data)
	case JoinDocument:
		s.handleJoin(ctx, data)
	case DocumentChange:
		s.handleDocumentChange(ctx, data)
	case CursorPosition:
		s.handleCursor(data)
	case AutoSave:
		s.handleAutoSave(ctx, data)
	case TypingStart:
		s.handleTyping(true)
	case TypingStop:
		s.handleTyping(false)
	}
}

func (s *Session) handleAuthenticate(ctx context.Context, data Authenticate) {
	s.mu.Lock()
	if s.state != StateAuthenticating {
		s.mu.Unlock()
		s.out.Deliver(errorEvent("Already authenticated"))
		return
	}
	s.mu.Unlock()

	userID, username, err := s.backend.VerifyConnectionToken(ctx, data.Token)
	if err != nil {
		s.out.Deliver(Outbound{
			Type: EventAuthenticationError,
			Data: map[string]any{"message": "Invalid token"},
		})
		s.closer()
		s.Close()
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.state = StateAuthenticated
	s.principal = Principal{UserID: userID, Username: username}
	principal := s.principal
	s.mu.Unlock()

	s.out.Deliver(Outbound{
		Type: EventAuthenticated,
		Data: map[string]any{"user": principal},
	})
}

func (s *Session) handleJoin(ctx context.Context, data JoinDocument) {
	s.mu.Lock()
	if s.state != StateAuthenticated && s.state != StateInRoom {
		s.mu.Unlock()
		s.out.Deliver(errorEvent("Not authenticated"))
		return
	}
	principal := s.principal
	previous := s.documentID
	s.mu.Unlock()

	tier, err := s.backend.AccessTier(ctx, data.DocumentID, principal.UserID)
	if err != nil {
		s.out.Deliver(errorEvent(liveErrorMessage(err, "Failed to join document")))
		return
	}
	if !tier.AtLeast(access.TierRead) {
		s.out.Deliver(errorEvent("Access denied"))
		return
	}

	// A connection is in at most one room; joining another leaves the
	// previous one first.
	if previous != "" && previous != data.DocumentID {
		s.rooms.Leave(previous, s.id)
	}

	users := s.rooms.Join(data.DocumentID, s.id, principal, s.out)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.rooms.Leave(data.DocumentID, s.id)
		return
	}
	s.state = StateInRoom
	s.documentID = data.DocumentID
	s.mu.Unlock()

	s.out.Deliver(Outbound{Type: EventActiveUsers, Data: users})
}

func (s *Session) handleDocumentChange(ctx context.Context, data DocumentChange) {
	principal, documentID, ok := s.roomContext()
	if !ok {
		s.out.Deliver(errorEvent("Not authenticated or not in document"))
		return
	}

	// Write access is re-evaluated against the current persisted state, so
	// a collaborator revoked mid-session is turned away here.
	tier, err := s.backend.AccessTier(ctx, documentID, principal.UserID)
	if err != nil {
		s.out.Deliver(errorEvent(liveErrorMessage(err, "Failed to update document")))
		return
	}
	if !tier.AtLeast(access.TierWrite) {
		s.out.Deliver(errorEvent("Write access denied"))
		return
	}

	s.rooms.Touch(documentID, s.id)

	// Persistence does not gate the broadcast, but its failure is reported
	// to the originator rather than dropped.
	content := *data.Content
	go func() {
		if err := s.backend.ApplyLiveChange(context.WithoutCancel(ctx), documentID, principal.UserID, content); err != nil {
			log.Printf("persist document change failed: document=%s user=%s err=%v", documentID, principal.UserID, err)
			s.out.Deliver(errorEvent(liveErrorMessage(err, "Failed to update document")))
		}
	}()

	s.rooms.Broadcast(documentID, s.id, Outbound{
		Type: EventDocumentUpdated,
		Data: map[string]any{
			"content":   content,
			"selection": data.Selection,
			"userId":    principal.UserID,
			"username":  principal.Username,
			"timestamp": time.Now().UTC(),
		},
	})
}

func (s *Session) handleCursor(data CursorPosition) {
	principal, documentID, ok := s.roomContext()
	if !ok {
		return
	}
	s.rooms.Broadcast(documentID, s.id, Outbound{
		Type: EventCursorUpdate,
		Data: map[string]any{
			"userId":    principal.UserID,
			"username":  principal.Username,
			"position":  data.Position,
			"selection": data.Selection,
		},
	})
}

func (s *Session) handleAutoSave(ctx context.Context, data AutoSave) {
	principal, documentID, ok := s.roomContext()
	if !ok {
		return
	}

	// Auto-save mutates history, so it is gated exactly like an edit:
	// joining a room proves read access only.
	tier, err := s.backend.AccessTier(ctx, documentID, principal.UserID)
	if err != nil {
		s.out.Deliver(errorEvent(liveErrorMessage(err, "Auto-save failed")))
		return
	}
	if !tier.AtLeast(access.TierWrite) {
		s.out.Deliver(errorEvent("Write access denied"))
		return
	}

	version, err := s.backend.AppendAutoSave(ctx, documentID, principal.UserID, *data.Content, data.Title)
	if err != nil {
		log.Printf("auto-save failed: document=%s user=%s err=%v", documentID, principal.UserID, err)
		s.out.Deliver(errorEvent(liveErrorMessage(err, "Auto-save failed")))
		return
	}

	s.out.Deliver(Outbound{
		Type: EventAutoSaveComplete,
		Data: map[string]any{"versionId": version.ID, "version": version.Version},
	})
}

func (s *Session) handleTyping(isTyping bool) {
	principal, documentID, ok := s.roomContext()
	if !ok {
		return
	}
	s.rooms.Broadcast(documentID, s.id, Outbound{
		Type: EventUserTyping,
		Data: map[string]any{
			"userId":   principal.UserID,
			"username": principal.Username,
			"isTyping": isTyping,
		},
	})
}

// Close tears the session down from any state: presence entry removed,
// user-left fanned out, registry entry dropped. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	documentID := s.documentID
	s.state = StateClosed
	s.documentID = ""
	s.mu.Unlock()

	if documentID != "" {
		s.rooms.Leave(documentID, s.id)
	}
	s.registry.Remove(s.id)
}

func (s *Session) roomContext() (Principal, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInRoom || s.documentID == "" {
		return Principal{}, "", false
	}
	return s.principal, s.documentID, true
}

// liveErrorMessage keeps expected outcomes verbatim and hides internals.
func liveErrorMessage(err error, fallback string) string {
	var domainErr *app.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return fallback
}
