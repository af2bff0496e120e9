package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"closeline/api/internal/phase"
	"closeline/api/internal/rbac"
)

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

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at FROM users WHERE email=LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Refresh sessions (Postgres fallback when Redis is not configured)

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
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return User{}, err
	}
	return s.GetUserByID(ctx, userID)
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

// Transactions

func (s *PostgresStore) CreateTransaction(ctx context.Context, txn Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, property_addr, phase, created_by)
		VALUES ($1, $2, $3, $4)
	`, txn.ID, txn.PropertyAddr, string(txn.Phase), txn.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, transactionID string) (Transaction, error) {
	var txn Transaction
	var currentPhase string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, property_addr, phase, created_by, created_at FROM transactions WHERE id=$1
	`, transactionID).Scan(&txn.ID, &txn.PropertyAddr, &currentPhase, &txn.CreatedBy, &txn.CreatedAt)
	if err != nil {
		return Transaction{}, err
	}
	txn.Phase = phase.Phase(currentPhase)
	return txn, nil
}

func (s *PostgresStore) ListTransactionsForUser(ctx context.Context, userID string) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.property_addr, t.phase, t.created_by, t.created_at
		FROM transactions t
		JOIN participants p ON p.transaction_id = t.id
		WHERE p.user_id = $1
		ORDER BY t.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var items []Transaction
	for rows.Next() {
		var txn Transaction
		var currentPhase string
		if err := rows.Scan(&txn.ID, &txn.PropertyAddr, &currentPhase, &txn.CreatedBy, &txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txn.Phase = phase.Phase(currentPhase)
		items = append(items, txn)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetCurrentPhase(ctx context.Context, transactionID string) (phase.Phase, error) {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT phase FROM transactions WHERE id=$1`, transactionID).Scan(&current)
	if err != nil {
		return "", err
	}
	return phase.Phase(current), nil
}

func (s *PostgresStore) SetPhase(ctx context.Context, transactionID string, target phase.Phase) error {
	result, err := s.db.ExecContext(ctx, `UPDATE transactions SET phase=$2 WHERE id=$1`, transactionID, string(target))
	if err != nil {
		return fmt.Errorf("set phase: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set phase rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CountTransactions(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return count, nil
}

// Participants

func (s *PostgresStore) AddParticipant(ctx context.Context, participant Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (transaction_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (transaction_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, participant.TransactionID, participant.UserID, string(participant.Role))
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// GetParticipantRole returns sql.ErrNoRows when the user is not a
// participant of the transaction.
func (s *PostgresStore) GetParticipantRole(ctx context.Context, transactionID, userID string) (rbac.Role, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM participants WHERE transaction_id=$1 AND user_id=$2
	`, transactionID, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	return rbac.Role(role), nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, transactionID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.transaction_id, p.user_id, p.role, u.display_name
		FROM participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.transaction_id=$1
		ORDER BY u.display_name
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var items []Participant
	for rows.Next() {
		var p Participant
		var role string
		if err := rows.Scan(&p.TransactionID, &p.UserID, &role, &p.DisplayName); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Role = rbac.Role(role)
		items = append(items, p)
	}
	return items, rows.Err()
}

// Artifacts

func (s *PostgresStore) InsertArtifact(ctx context.Context, artifact Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, transaction_id, uploader_id, name, note, visibility, object_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, artifact.ID, artifact.TransactionID, artifact.UploaderID, artifact.Name, artifact.Note, string(artifact.Visibility), artifact.ObjectKey)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, artifactID string) (Artifact, error) {
	var artifact Artifact
	var visibility string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, uploader_id, name, note, visibility, object_key, created_at
		FROM artifacts WHERE id=$1
	`, artifactID).Scan(&artifact.ID, &artifact.TransactionID, &artifact.UploaderID, &artifact.Name,
		&artifact.Note, &visibility, &artifact.ObjectKey, &artifact.CreatedAt)
	if err != nil {
		return Artifact{}, err
	}
	artifact.Visibility = rbac.Visibility(visibility)
	return artifact, nil
}

func (s *PostgresStore) SetArtifactVisibility(ctx context.Context, artifactID string, visibility rbac.Visibility) error {
	result, err := s.db.ExecContext(ctx, `UPDATE artifacts SET visibility=$2 WHERE id=$1`, artifactID, string(visibility))
	if err != nil {
		return fmt.Errorf("set artifact visibility: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set artifact visibility rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, transactionID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, uploader_id, name, note, visibility, object_key, created_at
		FROM artifacts WHERE transaction_id=$1
		ORDER BY created_at
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var items []Artifact
	for rows.Next() {
		var artifact Artifact
		var visibility string
		if err := rows.Scan(&artifact.ID, &artifact.TransactionID, &artifact.UploaderID, &artifact.Name,
			&artifact.Note, &visibility, &artifact.ObjectKey, &artifact.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifact.Visibility = rbac.Visibility(visibility)
		items = append(items, artifact)
	}
	return items, rows.Err()
}

// Messages

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, transaction_id, author_id, body)
		VALUES ($1, $2, $3, $4)
	`, message.ID, message.TransactionID, message.AuthorID, message.Body)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, transactionID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.transaction_id, m.author_id, u.display_name, m.body, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.author_id
		WHERE m.transaction_id=$1
		ORDER BY m.created_at DESC
		LIMIT $2
	`, transactionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TransactionID, &m.AuthorID, &m.AuthorName, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// Event timeline

func (s *PostgresStore) InsertEvent(ctx context.Context, record EventRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_events (transaction_id, seq, kind, payload)
		VALUES ($1, $2, $3, $4)
	`, record.TransactionID, record.Sequence, record.Kind, record.Payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEventsSince returns the persisted timeline strictly after the
// given sequence number, in order. Used for catch-up replay.
func (s *PostgresStore) ListEventsSince(ctx context.Context, transactionID string, sequence int64) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, seq, kind, payload, created_at
		FROM transaction_events
		WHERE transaction_id=$1 AND seq > $2
		ORDER BY seq
	`, transactionID, sequence)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var items []EventRecord
	for rows.Next() {
		var record EventRecord
		if err := rows.Scan(&record.TransactionID, &record.Sequence, &record.Kind, &record.Payload, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		items = append(items, record)
	}
	return items, rows.Err()
}

func (s *PostgresStore) MaxSequence(ctx context.Context, transactionID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM transaction_events WHERE transaction_id=$1
	`, transactionID).Scan(&max)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}
