package store

import (
	"time"

	"closeline/api/internal/phase"
	"closeline/api/internal/rbac"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Transaction struct {
	ID           string
	PropertyAddr string
	Phase        phase.Phase
	CreatedBy    string
	CreatedAt    time.Time
}

type Participant struct {
	TransactionID string
	UserID        string
	Role          rbac.Role
	DisplayName   string
}

type Artifact struct {
	ID            string
	TransactionID string
	UploaderID    string
	Name          string
	Note          string
	Visibility    rbac.Visibility
	ObjectKey     string
	CreatedAt     time.Time
}

type Message struct {
	ID            string
	TransactionID string
	AuthorID      string
	AuthorName    string
	Body          string
	CreatedAt     time.Time
}

// EventRecord is one entry of a transaction's persisted timeline. The
// (TransactionID, Sequence) pair is unique; payload is the unredacted
// event data, so catch-up replays re-apply redaction per viewer.
type EventRecord struct {
	TransactionID string
	Sequence      int64
	Kind          string
	Payload       []byte
	CreatedAt     time.Time
}
