package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"codraft/api/internal/access"
	"codraft/api/internal/auth"
	"codraft/api/internal/config"
	"codraft/api/internal/store"
	"codraft/api/internal/util"
)

const maxTitleLength = 100

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

// ActiveUser is one live presence entry for a document, reported by the
// room manager. Entries are in-memory only and vanish with the process.
type ActiveUser struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	ConnectionID string    `json:"connectionId"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByName(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	CreateDocument(context.Context, store.Document, store.Version) error
	ListDocumentsForUser(context.Context, string) ([]store.Document, error)
	GetDocument(context.Context, string) (store.Document, error)
	UpdateDocument(ctx context.Context, documentID string, title, content *string, isPublic *bool, modifiedBy string) error
	UpdateDocumentContent(ctx context.Context, documentID, content, modifiedBy string) error
	DeleteDocument(context.Context, string) error
	AddCollaborator(ctx context.Context, documentID, userID, permission string) (bool, error)
	InsertVersion(context.Context, store.Version) (store.Version, error)
	ListVersions(context.Context, string) ([]store.Version, error)
	GetVersion(context.Context, string) (store.Version, error)
	DeleteVersion(ctx context.Context, versionID, documentID string) (bool, error)
	Ping(ctx context.Context) error
}

// refreshSessionStore is the Redis-backed refresh-token store. When absent
// the postgres tables carry refresh sessions instead.
type refreshSessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// presenceSource reports who currently has a live connection to a document.
type presenceSource interface {
	ActiveUsers(documentID string) []ActiveUser
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshSessionStore
	presence presenceSource
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:   cfg,
		store: dataStore,
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions refreshSessionStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
	}
}

// SetPresenceSource wires the room manager in after construction; the room
// manager itself needs the service as its backend.
func (s *Service) SetPresenceSource(presence presenceSource) {
	s.presence = presence
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	username := strings.TrimSpace(name)
	if username == "" {
		return Session{}, validationError("name is required")
	}

	user, err := s.store.EnsureUserByName(ctx, username)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.lookupRefresh(ctx, tokenHash)
	if err != nil {
		return Session{}, unauthorized("Refresh token invalid")
	}
	if err := s.revokeRefresh(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.revokeRefresh(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Username,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.saveRefresh(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) saveRefresh(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	if s.sessions != nil {
		return s.sessions.SaveRefreshSession(ctx, tokenHash, user, expiresAt)
	}
	return s.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (s *Service) lookupRefresh(ctx context.Context, tokenHash string) (store.User, error) {
	if s.sessions != nil {
		return s.sessions.LookupRefreshSession(ctx, tokenHash)
	}
	return s.store.LookupRefreshSession(ctx, tokenHash)
}

func (s *Service) revokeRefresh(ctx context.Context, tokenHash string) error {
	if s.sessions != nil {
		return s.sessions.RevokeRefreshSession(ctx, tokenHash)
	}
	return s.store.RevokeRefreshSession(ctx, tokenHash)
}

func (s *Service) CreateDocument(ctx context.Context, session Session, title, content string, isPublic bool) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validationError("title is required")
	}
	if len(title) > maxTitleLength {
		return nil, validationError("title must be at most 100 characters")
	}

	doc := store.Document{
		ID:             util.NewID("doc"),
		Title:          title,
		Content:        content,
		OwnerID:        session.UserID,
		OwnerName:      session.UserName,
		IsPublic:       isPublic,
		LastModifiedBy: session.UserID,
	}
	initial := store.Version{
		ID:        util.NewID("ver"),
		Title:     title,
		Content:   content,
		CreatedBy: session.UserID,
		Changes:   "Initial version",
	}
	if err := s.store.CreateDocument(ctx, doc, initial); err != nil {
		return nil, err
	}

	created, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"document": s.documentPayload(created)}, nil
}

func (s *Service) ListDocuments(ctx context.Context, session Session) ([]map[string]any, error) {
	documents, err := s.store.ListDocumentsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(documents))
	for _, doc := range documents {
		items = append(items, map[string]any{
			"id":             doc.ID,
			"title":          doc.Title,
			"owner":          map[string]any{"id": doc.OwnerID, "username": doc.OwnerName},
			"isPublic":       doc.IsPublic,
			"lastModifiedBy": doc.LastModifiedBy,
			"lastModifiedAt": doc.LastModifiedAt,
			"createdAt":      doc.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.Evaluate(doc, session.UserID).AtLeast(access.TierRead) {
		return nil, forbidden("Access denied")
	}
	return map[string]any{"document": s.documentPayload(doc)}, nil
}

func (s *Service) UpdateDocument(ctx context.Context, session Session, documentID string, title, content *string, isPublic *bool) (map[string]any, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.Evaluate(doc, session.UserID).AtLeast(access.TierWrite) {
		return nil, forbidden("Write access denied")
	}
	if title != nil {
		trimmed := strings.TrimSpace(*title)
		if trimmed == "" {
			return nil, validationError("title must not be empty")
		}
		if len(trimmed) > maxTitleLength {
			return nil, validationError("title must be at most 100 characters")
		}
		title = &trimmed
	}

	if err := s.store.UpdateDocument(ctx, documentID, title, content, isPublic, session.UserID); err != nil {
		return nil, err
	}
	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"document": s.documentPayload(updated)}, nil
}

func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if !access.CanDeleteDocument(doc, session.UserID) {
		return forbidden("Only the owner can delete a document")
	}
	// Versions go with the document through the cascade.
	return s.store.DeleteDocument(ctx, documentID)
}

func (s *Service) AddCollaborator(ctx context.Context, session Session, documentID, username, permission string) (map[string]any, error) {
	if permission == "" {
		permission = access.PermissionWrite
	}
	if !access.ValidPermission(permission) {
		return nil, validationError("permission must be read, write or admin")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, validationError("username is required")
	}

	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != session.UserID {
		return nil, forbidden("Only the owner can add collaborators")
	}

	user, err := s.store.GetUserByName(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("User not found")
		}
		return nil, err
	}
	if user.ID == doc.OwnerID {
		return nil, conflict("The owner is already a collaborator")
	}

	inserted, err := s.store.AddCollaborator(ctx, documentID, user.ID, permission)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, conflict("User is already a collaborator")
	}

	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"document": s.documentPayload(updated)}, nil
}

func (s *Service) CreateVersion(ctx context.Context, session Session, documentID, content, title, changes string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validationError("title is required")
	}

	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.Evaluate(doc, session.UserID).AtLeast(access.TierWrite) {
		return nil, forbidden("Write access denied")
	}

	version, err := s.store.InsertVersion(ctx, store.Version{
		ID:         util.NewID("ver"),
		DocumentID: documentID,
		Title:      title,
		Content:    content,
		CreatedBy:  session.UserID,
		Changes:    changes,
	})
	if err != nil {
		return nil, err
	}
	version.CreatedByName = session.UserName
	return map[string]any{"version": versionPayload(version, true)}, nil
}

func (s *Service) ListVersions(ctx context.Context, session Session, documentID string) ([]map[string]any, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.Evaluate(doc, session.UserID).AtLeast(access.TierRead) {
		return nil, forbidden("Access denied")
	}

	versions, err := s.store.ListVersions(ctx, documentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		items = append(items, versionPayload(version, false))
	}
	return items, nil
}

func (s *Service) GetVersion(ctx context.Context, session Session, versionID string) (map[string]any, error) {
	version, doc, err := s.loadVersionWithDocument(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if !access.Evaluate(doc, session.UserID).AtLeast(access.TierRead) {
		return nil, forbidden("Access denied")
	}
	return map[string]any{"version": versionPayload(version, true)}, nil
}

// RestoreVersion copies the snapshot onto the live document and appends a
// new version recording the restore; earlier versions stay untouched.
func (s *Service) RestoreVersion(ctx context.Context, session Session, versionID string) (map[string]any, error) {
	version, doc, err := s.loadVersionWithDocument(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if !access.Evaluate(doc, session.UserID).AtLeast(access.TierWrite) {
		return nil, forbidden("Write access denied")
	}

	if err := s.store.UpdateDocument(ctx, doc.ID, &version.Title, &version.Content, nil, session.UserID); err != nil {
		return nil, err
	}

	restored, err := s.store.InsertVersion(ctx, store.Version{
		ID:         util.NewID("ver"),
		DocumentID: doc.ID,
		Title:      version.Title,
		Content:    version.Content,
		CreatedBy:  session.UserID,
		Changes:    restoreChangeNote(version.Version),
	})
	if err != nil {
		return nil, err
	}
	restored.CreatedByName = session.UserName

	updated, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"document":   s.documentPayload(updated),
		"newVersion": versionPayload(restored, true),
	}, nil
}

func (s *Service) DeleteVersion(ctx context.Context, session Session, versionID string) error {
	version, doc, err := s.loadVersionWithDocument(ctx, versionID)
	if err != nil {
		return err
	}
	if !access.CanDeleteVersion(doc, session.UserID) {
		return forbidden("Admin access required")
	}

	// The store refuses to remove the last remaining version; the guard
	// lives there so concurrent deletes cannot empty the history.
	deleted, err := s.store.DeleteVersion(ctx, versionID, version.DocumentID)
	if err != nil {
		return err
	}
	if !deleted {
		return conflict("Cannot delete the only version")
	}
	return nil
}

// CompareVersions returns both full snapshots side by side; diffing is a
// presentation concern and happens client-side.
func (s *Service) CompareVersions(ctx context.Context, session Session, versionID1, versionID2 string) (map[string]any, error) {
	version1, doc, err := s.loadVersionWithDocument(ctx, versionID1)
	if err != nil {
		return nil, err
	}
	version2, err := s.store.GetVersion(ctx, versionID2)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Version not found")
		}
		return nil, err
	}
	if version1.DocumentID != version2.DocumentID {
		return nil, validationError("Versions must belong to the same document")
	}
	if !access.Evaluate(doc, session.UserID).AtLeast(access.TierRead) {
		return nil, forbidden("Access denied")
	}
	return map[string]any{
		"version1": versionPayload(version1, true),
		"version2": versionPayload(version2, true),
	}, nil
}

// VerifyConnectionToken is the live surface's authentication handshake; it
// applies exactly the same checks as the HTTP bearer path.
func (s *Service) VerifyConnectionToken(ctx context.Context, token string) (userID, username string, err error) {
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return "", "", err
	}
	return session.UserID, session.UserName, nil
}

// AccessTier loads the current document state and evaluates the user's
// tier against it; callers must not cache the result across operations.
func (s *Service) AccessTier(ctx context.Context, documentID, userID string) (access.Tier, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return access.TierNone, err
	}
	return access.Evaluate(doc, userID), nil
}

// ApplyLiveChange persists a whole-content replace from a live connection.
// Access is re-checked against the freshly loaded document so a collaborator
// revoked mid-session is rejected promptly.
func (s *Service) ApplyLiveChange(ctx context.Context, documentID, userID, content string) error {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if !access.Evaluate(doc, userID).AtLeast(access.TierWrite) {
		return forbidden("Write access denied")
	}
	return s.store.UpdateDocumentContent(ctx, documentID, content, userID)
}

// AppendAutoSave appends an auto-save snapshot for a live connection. Room
// membership only proves read access, so write tier is enforced here against
// the current document state before history is touched.
func (s *Service) AppendAutoSave(ctx context.Context, documentID, userID, content, title string) (store.Version, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return store.Version{}, err
	}
	if !access.Evaluate(doc, userID).AtLeast(access.TierWrite) {
		return store.Version{}, forbidden("Write access denied")
	}
	if strings.TrimSpace(title) == "" {
		title = doc.Title
	}
	return s.store.InsertVersion(ctx, store.Version{
		ID:         util.NewID("ver"),
		DocumentID: documentID,
		Title:      title,
		Content:    content,
		CreatedBy:  userID,
		Changes:    "Auto-save",
		IsAutoSave: true,
	})
}

func (s *Service) loadDocument(ctx context.Context, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, notFound("Document not found")
		}
		return store.Document{}, err
	}
	return doc, nil
}

func (s *Service) loadVersionWithDocument(ctx context.Context, versionID string) (store.Version, store.Document, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Version{}, store.Document{}, notFound("Version not found")
		}
		return store.Version{}, store.Document{}, err
	}
	doc, err := s.loadDocument(ctx, version.DocumentID)
	if err != nil {
		return store.Version{}, store.Document{}, err
	}
	return version, doc, nil
}

func (s *Service) documentPayload(doc store.Document) map[string]any {
	collaborators := make([]map[string]any, 0, len(doc.Collaborators))
	for _, collab := range doc.Collaborators {
		collaborators = append(collaborators, map[string]any{
			"userId":     collab.UserID,
			"username":   collab.Username,
			"permission": collab.Permission,
			"addedAt":    collab.AddedAt,
		})
	}
	activeUsers := []ActiveUser{}
	if s.presence != nil {
		activeUsers = s.presence.ActiveUsers(doc.ID)
	}
	return map[string]any{
		"id":             doc.ID,
		"title":          doc.Title,
		"content":        doc.Content,
		"owner":          map[string]any{"id": doc.OwnerID, "username": doc.OwnerName},
		"collaborators":  collaborators,
		"activeUsers":    activeUsers,
		"isPublic":       doc.IsPublic,
		"lastModifiedBy": doc.LastModifiedBy,
		"lastModifiedAt": doc.LastModifiedAt,
		"createdAt":      doc.CreatedAt,
	}
}

func versionPayload(version store.Version, includeContent bool) map[string]any {
	payload := map[string]any{
		"id":         version.ID,
		"documentId": version.DocumentID,
		"version":    version.Version,
		"title":      version.Title,
		"createdBy":  map[string]any{"id": version.CreatedBy, "username": version.CreatedByName},
		"createdAt":  version.CreatedAt,
		"changes":    version.Changes,
		"isAutoSave": version.IsAutoSave,
	}
	if includeContent {
		payload["content"] = version.Content
	}
	return payload
}

func restoreChangeNote(sourceVersion int) string {
	return fmt.Sprintf("Restored from version %d", sourceVersion)
}
