// Package event defines the domain events fanned out to live
// subscribers: phase changes, artifact activity and posted messages.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"closeline/api/internal/phase"
	"closeline/api/internal/rbac"
)

type Kind string

const (
	KindPhaseChanged              Kind = "phase_changed"
	KindArtifactAdded             Kind = "artifact_added"
	KindArtifactVisibilityChanged Kind = "artifact_visibility_changed"
	KindMessagePosted             Kind = "message_posted"
)

type PhasePayload struct {
	From      phase.Phase `json:"from"`
	To        phase.Phase `json:"to"`
	ChangedBy string      `json:"changedBy"`
}

type ArtifactPayload struct {
	ArtifactID string          `json:"artifactId,omitempty"`
	Name       string          `json:"name,omitempty"`
	UploaderID string          `json:"uploaderId,omitempty"`
	Note       string          `json:"note,omitempty"`
	Visibility rbac.Visibility `json:"visibility,omitempty"`
	ObjectKey  string          `json:"objectKey,omitempty"`
	Redacted   bool            `json:"redacted,omitempty"`
}

type MessagePayload struct {
	MessageID  string `json:"messageId"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Body       string `json:"body"`
}

// Event is a closed tagged union: exactly one payload pointer matches
// the kind. Sequence numbers are strictly increasing per transaction
// and are the ordering authority for delivery and catch-up.
type Event struct {
	Kind          Kind
	TransactionID string
	Sequence      int64
	At            time.Time
	Phase         *PhasePayload
	Artifact      *ArtifactPayload
	Message       *MessagePayload
}

func NewPhaseChanged(transactionID string, from, to phase.Phase, changedBy string) Event {
	return Event{
		Kind:          KindPhaseChanged,
		TransactionID: transactionID,
		At:            time.Now().UTC(),
		Phase:         &PhasePayload{From: from, To: to, ChangedBy: changedBy},
	}
}

func NewArtifactAdded(transactionID string, artifact ArtifactPayload) Event {
	return Event{
		Kind:          KindArtifactAdded,
		TransactionID: transactionID,
		At:            time.Now().UTC(),
		Artifact:      &artifact,
	}
}

func NewArtifactVisibilityChanged(transactionID string, artifact ArtifactPayload) Event {
	return Event{
		Kind:          KindArtifactVisibilityChanged,
		TransactionID: transactionID,
		At:            time.Now().UTC(),
		Artifact:      &artifact,
	}
}

func NewMessagePosted(transactionID string, message MessagePayload) Event {
	return Event{
		Kind:          KindMessagePosted,
		TransactionID: transactionID,
		At:            time.Now().UTC(),
		Message:       &MessagePayload{MessageID: message.MessageID, AuthorID: message.AuthorID, AuthorName: message.AuthorName, Body: message.Body},
	}
}

// RedactFor returns the view of the event one subscriber may see. Phase
// and message events are visible to every participant. Artifact events
// the policy denies keep only kind, transaction id and sequence, so the
// subscriber's timeline stays gap-free without leaking the artifact.
func (e Event) RedactFor(role rbac.Role, viewerID string) Event {
	if e.Artifact == nil {
		return e
	}
	if rbac.CanViewArtifact(role, viewerID, e.Artifact.UploaderID, e.Artifact.Visibility) {
		return e
	}
	redacted := e
	redacted.Artifact = &ArtifactPayload{Redacted: true}
	return redacted
}

// Payload returns the active case of the union.
func (e Event) Payload() any {
	switch e.Kind {
	case KindPhaseChanged:
		return e.Phase
	case KindArtifactAdded, KindArtifactVisibilityChanged:
		return e.Artifact
	case KindMessagePosted:
		return e.Message
	default:
		return nil
	}
}

type wireEvent struct {
	Type          Kind            `json:"type"`
	TransactionID string          `json:"transactionId"`
	Sequence      int64           `json:"sequence"`
	At            time.Time       `json:"at"`
	Data          json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Payload())
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
	}
	return json.Marshal(wireEvent{
		Type:          e.Kind,
		TransactionID: e.TransactionID,
		Sequence:      e.Sequence,
		At:            e.At,
		Data:          data,
	})
}

func (e *Event) UnmarshalJSON(raw []byte) error {
	var wire wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	decoded, err := Decode(wire.Type, wire.TransactionID, wire.Sequence, wire.At, wire.Data)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// Decode rebuilds an event from its stored kind and payload, used when
// replaying the persisted timeline for catch-up.
func Decode(kind Kind, transactionID string, sequence int64, at time.Time, payload []byte) (Event, error) {
	e := Event{Kind: kind, TransactionID: transactionID, Sequence: sequence, At: at}
	switch kind {
	case KindPhaseChanged:
		e.Phase = &PhasePayload{}
		if err := json.Unmarshal(payload, e.Phase); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	case KindArtifactAdded, KindArtifactVisibilityChanged:
		e.Artifact = &ArtifactPayload{}
		if err := json.Unmarshal(payload, e.Artifact); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	case KindMessagePosted:
		e.Message = &MessagePayload{}
		if err := json.Unmarshal(payload, e.Message); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	default:
		return Event{}, fmt.Errorf("decode event: unknown kind %q", kind)
	}
	return e, nil
}
