package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"codraft/api/internal/util"
)

const uniqueViolation = "23505"

// insertVersionRetries bounds the unique-violation retry loop when two
// writers race for the same version number.
const insertVersionRetries = 5

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, username string) (User, error) {
	const findUser = `SELECT id, username, created_at FROM users WHERE username = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, username).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (id, username)
		VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
		RETURNING id, username, created_at
	`
	if err := s.db.QueryRowContext(ctx, insertUser, util.NewID("usr"), username).Scan(&user.ID, &user.Username, &user.CreatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, username, created_at FROM users WHERE id=$1`, userID).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, username, created_at FROM users WHERE username=$1`, username).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// CreateDocument inserts the document and its initial version in one
// transaction; a document that has ever been saved always has version 1.
func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document, initial Version) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create document tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, owner_id, is_public, last_modified_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, doc.ID, doc.Title, doc.Content, doc.OwnerID, doc.IsPublic, doc.LastModifiedBy); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO versions (id, document_id, version, title, content, created_by, changes, is_auto_save)
		VALUES ($1, $2, 1, $3, $4, $5, $6, FALSE)
	`, initial.ID, doc.ID, initial.Title, initial.Content, initial.CreatedBy, initial.Changes); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert initial version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create document tx: %w", err)
	}
	return nil
}

// ListDocumentsForUser returns documents the user owns, collaborates on, or
// that are public, newest modification first. Collaborator lists are not
// loaded here; fetch a single document for the full record.
func (s *PostgresStore) ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.content, d.owner_id, u.username, d.is_public,
		       d.last_modified_by, d.last_modified_at, d.created_at
		FROM documents d
		JOIN users u ON u.id = d.owner_id
		WHERE d.owner_id = $1
			OR d.is_public
			OR EXISTS (SELECT 1 FROM collaborators c WHERE c.document_id = d.id AND c.user_id = $1)
		ORDER BY d.last_modified_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.Title, &item.Content, &item.OwnerID, &item.OwnerName, &item.IsPublic,
			&item.LastModifiedBy, &item.LastModifiedAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.title, d.content, d.owner_id, u.username, d.is_public,
		       d.last_modified_by, d.last_modified_at, d.created_at
		FROM documents d
		JOIN users u ON u.id = d.owner_id
		WHERE d.id=$1
	`, documentID).Scan(&item.ID, &item.Title, &item.Content, &item.OwnerID, &item.OwnerName, &item.IsPublic,
		&item.LastModifiedBy, &item.LastModifiedAt, &item.CreatedAt)
	if err != nil {
		return Document{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.user_id, u.username, c.permission, c.added_at
		FROM collaborators c
		JOIN users u ON u.id = c.user_id
		WHERE c.document_id=$1
		ORDER BY c.added_at
	`, documentID)
	if err != nil {
		return Document{}, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var collab Collaborator
		if err := rows.Scan(&collab.UserID, &collab.Username, &collab.Permission, &collab.AddedAt); err != nil {
			return Document{}, fmt.Errorf("scan collaborator: %w", err)
		}
		item.Collaborators = append(item.Collaborators, collab)
	}
	if err := rows.Err(); err != nil {
		return Document{}, fmt.Errorf("iterate collaborators: %w", err)
	}
	return item, nil
}

// UpdateDocument applies the non-nil fields and stamps last_modified_by/at.
func (s *PostgresStore) UpdateDocument(ctx context.Context, documentID string, title, content *string, isPublic *bool, modifiedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET title = COALESCE($2, title),
		    content = COALESCE($3, content),
		    is_public = COALESCE($4, is_public),
		    last_modified_by = $5,
		    last_modified_at = NOW()
		WHERE id = $1
	`, documentID, title, content, isPublic, modifiedBy)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

// UpdateDocumentContent is the live-edit path: whole-content replace,
// last write wins.
func (s *PostgresStore) UpdateDocumentContent(ctx context.Context, documentID, content, modifiedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET content = $2, last_modified_by = $3, last_modified_at = NOW()
		WHERE id = $1
	`, documentID, content, modifiedBy)
	if err != nil {
		return fmt.Errorf("update document content: %w", err)
	}
	return nil
}

// DeleteDocument removes the document; versions and collaborator rows go
// with it through the cascade.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// AddCollaborator inserts the entry and reports whether a row was created;
// false means the user was already a collaborator.
func (s *PostgresStore) AddCollaborator(ctx context.Context, documentID, userID, permission string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO collaborators (document_id, user_id, permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO NOTHING
	`, documentID, userID, permission)
	if err != nil {
		return false, fmt.Errorf("add collaborator: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add collaborator rows: %w", err)
	}
	return affected > 0, nil
}

// InsertVersion appends a snapshot with the next contiguous version number
// for the document. The number is derived inside the insert itself and the
// (document_id, version) unique index rejects the loser of a race; losers
// retry with a fresh read, so no two versions ever share a number.
func (s *PostgresStore) InsertVersion(ctx context.Context, v Version) (Version, error) {
	const insert = `
		INSERT INTO versions (id, document_id, version, title, content, created_by, changes, is_auto_save)
		SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5, $6, $7
		FROM versions WHERE document_id = $2
		RETURNING version, created_at
	`
	for attempt := 0; attempt < insertVersionRetries; attempt++ {
		err := s.db.QueryRowContext(ctx, insert,
			v.ID, v.DocumentID, v.Title, v.Content, v.CreatedBy, v.Changes, v.IsAutoSave,
		).Scan(&v.Version, &v.CreatedAt)
		if err == nil {
			return v, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			continue
		}
		return Version{}, fmt.Errorf("insert version: %w", err)
	}
	return Version{}, fmt.Errorf("insert version: exhausted retries for document %s", v.DocumentID)
}

// ListVersions returns version metadata newest first. Content is omitted to
// bound the payload; GetVersion returns the full snapshot.
func (s *PostgresStore) ListVersions(ctx context.Context, documentID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.document_id, v.version, v.title, v.created_by, COALESCE(u.username, ''),
		       v.changes, v.is_auto_save, v.created_at
		FROM versions v
		LEFT JOIN users u ON u.id = v.created_by
		WHERE v.document_id=$1
		ORDER BY v.version DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		var item Version
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Version, &item.Title, &item.CreatedBy, &item.CreatedByName,
			&item.Changes, &item.IsAutoSave, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (Version, error) {
	var item Version
	err := s.db.QueryRowContext(ctx, `
		SELECT v.id, v.document_id, v.version, v.title, v.content, v.created_by, COALESCE(u.username, ''),
		       v.changes, v.is_auto_save, v.created_at
		FROM versions v
		LEFT JOIN users u ON u.id = v.created_by
		WHERE v.id=$1
	`, versionID).Scan(&item.ID, &item.DocumentID, &item.Version, &item.Title, &item.Content, &item.CreatedBy,
		&item.CreatedByName, &item.Changes, &item.IsAutoSave, &item.CreatedAt)
	if err != nil {
		return Version{}, err
	}
	return item, nil
}

// DeleteVersion removes the snapshot unless it is the document's last one.
// The document row is locked for the duration so two concurrent deletes
// cannot both observe a survivor and empty the history between them. The
// returned bool reports whether a row was removed.
func (s *PostgresStore) DeleteVersion(ctx context.Context, versionID, documentID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete version tx: %w", err)
	}

	var lockedID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM documents WHERE id=$1 FOR UPDATE`, documentID).Scan(&lockedID); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("lock document: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM versions WHERE document_id=$1`, documentID).Scan(&count); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("count versions: %w", err)
	}
	if count <= 1 {
		_ = tx.Rollback()
		return false, nil
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM versions WHERE id=$1 AND document_id=$2`, versionID, documentID)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete version rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete version tx: %w", err)
	}
	return affected > 0, nil
}
