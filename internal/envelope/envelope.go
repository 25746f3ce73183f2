// Package envelope defines the wire format carried on every bus message:
// a subject-addressed, JSON-encoded envelope with routing metadata.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rosey-chat/rosey-core/internal/rosyerr"
	"github.com/rosey-chat/rosey-core/internal/subject"
)

// Priority classifies delivery urgency, 1 (LOW) through 4 (CRITICAL).
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Envelope is the canonical message wrapper published and received on the
// bus. Data is left as json.RawMessage so callers can defer decoding the
// payload to whatever type the subject implies.
//
// Timestamp is kept as a time.Time for Go-side ergonomics, but the wire
// format (spec §3, §6) requires it as a JSON number of seconds since the
// epoch, not an RFC3339 string, since plugins are independent executables
// in any language (spec §1, §6 "Plugin startup contract") and must be able
// to parse it as a float. MarshalJSON/UnmarshalJSON below do that
// conversion; the struct tag on Timestamp below is never consulted because
// both methods are defined, but it documents the wire name.
type Envelope struct {
	Subject       string            `json:"subject"`
	EventType     string            `json:"event_type"`
	Source        string            `json:"source"`
	Data          json.RawMessage   `json:"data,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Priority      Priority          `json:"priority"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// wireEnvelope mirrors Envelope but with Timestamp as a pointer to a float64
// seconds-since-epoch, the shape spec §6 mandates on the wire. The pointer
// distinguishes "timestamp absent" from "timestamp is zero" on decode, so
// Validate can still fill in the current time for the former.
type wireEnvelope struct {
	Subject       string            `json:"subject"`
	EventType     string            `json:"event_type"`
	Source        string            `json:"source"`
	Data          json.RawMessage   `json:"data,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	Timestamp     *float64          `json:"timestamp,omitempty"`
	Priority      Priority          `json:"priority"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// epochSeconds converts t to seconds since the Unix epoch as a float64,
// matching the wire contract's "timestamp, seconds since epoch, double".
func epochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// timeFromEpochSeconds is the inverse of epochSeconds.
func timeFromEpochSeconds(sec float64) time.Time {
	whole := int64(sec)
	frac := int64((sec - float64(whole)) * 1e9)
	return time.Unix(whole, frac).UTC()
}

// MarshalJSON encodes Timestamp as seconds-since-epoch, per spec §6.
func (e Envelope) MarshalJSON() ([]byte, error) {
	ts := epochSeconds(e.Timestamp)
	w := wireEnvelope{
		Subject:       e.Subject,
		EventType:     e.EventType,
		Source:        e.Source,
		Data:          e.Data,
		CorrelationID: e.CorrelationID,
		Timestamp:     &ts,
		Priority:      e.Priority,
		Metadata:      e.Metadata,
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes Timestamp from seconds-since-epoch, per spec §6.
// An absent priority is left as 0 here; Validate (called by Decode) then
// defaults it to NORMAL, per spec §4.B.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Subject = w.Subject
	e.EventType = w.EventType
	e.Source = w.Source
	e.Data = w.Data
	e.CorrelationID = w.CorrelationID
	e.Priority = w.Priority
	e.Metadata = w.Metadata
	if w.Timestamp != nil {
		e.Timestamp = timeFromEpochSeconds(*w.Timestamp)
	} else {
		e.Timestamp = time.Time{}
	}
	return nil
}

// New constructs an Envelope with a generated correlation ID, the current
// timestamp, and NORMAL priority, then validates it.
func New(subj, eventType, source string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, rosyerr.ErrCodecError
	}
	e := &Envelope{
		Subject:       subj,
		EventType:     eventType,
		Source:        source,
		Data:          raw,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Priority:      PriorityNormal,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// WithCorrelationID overrides the generated correlation ID, used to
// propagate a request's correlation ID onto its reply.
func (e *Envelope) WithCorrelationID(id string) *Envelope {
	e.CorrelationID = id
	return e
}

// WithPriority overrides the default NORMAL priority.
func (e *Envelope) WithPriority(p Priority) *Envelope {
	e.Priority = p
	return e
}

// WithMetadata sets a single metadata key, allocating the map if needed.
func (e *Envelope) WithMetadata(key, value string) *Envelope {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Validate checks required fields and defaults priority to NORMAL if unset.
func (e *Envelope) Validate() error {
	if e.Subject == "" || e.EventType == "" || e.Source == "" || len(e.Data) == 0 {
		return rosyerr.ErrCodecError
	}
	if err := subject.Validate(e.Subject); err != nil {
		return err
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Priority == 0 {
		e.Priority = PriorityNormal
	}
	if !e.Priority.valid() {
		return rosyerr.ErrCodecError
	}
	return nil
}

// Encode marshals the envelope to JSON, validating it first.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, rosyerr.ErrCodecError
	}
	return b, nil
}

// Decode unmarshals JSON into an Envelope and validates required fields.
func Decode(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, rosyerr.ErrCodecError
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodeData unmarshals the envelope's Data field into out.
func (e *Envelope) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return rosyerr.ErrCodecError
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return rosyerr.ErrCodecError
	}
	return nil
}
