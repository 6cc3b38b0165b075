package jobs

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	columnJobID     = "id"
	columnJobFireAt = "fire_at"
	idSeparator     = ":"
)

// Kind identifies the callback a Job invokes when it fires.
type Kind string

const (
	KindUntimeout           Kind = "untimeout"
	KindRemoveBirthdayRole  Kind = "remove_birthday_role"
	KindEndGiveaway         Kind = "end_giveaway"
	KindReminder            Kind = "reminder"
	KindRemoveNewMemberRole Kind = "remove_new_member_role"
)

func (k Kind) String() string {
	return string(k)
}

// NewID builds a job ID from the job kind and the identity of its subject
// (a user ID, a giveaway message ID...). Discriminators are appended when a
// subject may legitimately hold more than one pending job of the same kind.
//
//	NewID(KindUntimeout, "1234")             // "untimeout:1234"
//	NewID(KindReminder, "1234", uuid.NewString())
func NewID(kind Kind, subject string, discriminators ...string) string {
	parts := make([]string, 0, 2+len(discriminators))
	parts = append(parts, kind.String(), subject)
	parts = append(parts, discriminators...)
	return strings.Join(parts, idSeparator)
}

// Job is the durable record of a deferred one-shot action.
//
// FireAt is stored as unix milliseconds (UTC). Payload holds the
// kind-specific JSON document handed to the registered Handler, and is
// never inspected by the Scheduler.
//
//nolint:lll // struct tags can't be split
type Job struct {
	ID                 string          `gorm:"primaryKey" json:"id"`
	Kind               Kind            `gorm:"not null;index" json:"kind"`
	FireAt             int64           `gorm:"not null;index" json:"fire_at"`
	MisfireGracePeriod Duration        `gorm:"not null" json:"misfire_grace_period"`
	Payload            Payload         `json:"payload"`
	CreatedAt          int64           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (Job) TableName() string {
	return "scheduled_jobs"
}

// FireTime returns FireAt as a UTC time.Time
func (j Job) FireTime() time.Time {
	return time.UnixMilli(j.FireAt).UTC()
}

// Expired reports whether the job is past its fire time plus its
// misfire grace period, as of now.
func (j Job) Expired(now time.Time) bool {
	return now.After(j.FireTime().Add(j.MisfireGracePeriod.Duration))
}

// DecodePayload unmarshals the job payload into v.
func (j Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal([]byte(j.Payload), v); err != nil {
		return fmt.Errorf("error decoding %s payload for job %s: %w", j.Kind, j.ID, err)
	}
	return nil
}

func (j Job) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", j.ID),
		slog.String("kind", j.Kind.String()),
		slog.Time("fire_at", j.FireTime()),
		slog.Duration("misfire_grace_period", j.MisfireGracePeriod.Duration),
	)
}

// Spec describes a job to be scheduled. Payload is marshaled to JSON
// unless it's already a json.RawMessage or Payload. A zero
// MisfireGracePeriod uses the scheduler's default.
type Spec struct {
	ID                 string
	Kind               Kind
	FireAt             time.Time
	Payload            any
	MisfireGracePeriod time.Duration
}

func (s Spec) job(defaultGrace time.Duration) (Job, error) {
	if s.ID == "" {
		return Job{}, fmt.Errorf("%w: id required", ErrInvalidJob)
	}
	if s.Kind == "" {
		return Job{}, fmt.Errorf("%w: kind required", ErrInvalidJob)
	}
	if s.FireAt.IsZero() {
		return Job{}, fmt.Errorf("%w: fire time required", ErrInvalidJob)
	}
	if s.MisfireGracePeriod < 0 {
		return Job{}, fmt.Errorf("%w: misfire grace period must be >= 0", ErrInvalidJob)
	}
	grace := s.MisfireGracePeriod
	if grace == 0 {
		grace = defaultGrace
	}

	var payload Payload
	switch p := s.Payload.(type) {
	case nil:
		payload = Payload("null")
	case json.RawMessage:
		payload = Payload(p)
	case Payload:
		payload = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return Job{}, fmt.Errorf("%w: error encoding payload: %w", ErrInvalidJob, err)
		}
		payload = data
	}

	return Job{
		ID:                 s.ID,
		Kind:               s.Kind,
		FireAt:             unixMilliCeil(s.FireAt),
		MisfireGracePeriod: Duration{grace},
		Payload:            payload,
	}, nil
}

// unixMilliCeil rounds t up to the next millisecond, so a job never fires
// before the requested time.
func unixMilliCeil(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}
	return ms
}

// Payload is a JSON document stored as text.
type Payload json.RawMessage

// Scan implements the sql.Scanner interface.
func (p *Payload) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		*p = append((*p)[0:0], v...)
	case string:
		*p = Payload(v)
	case nil:
		*p = nil
	default:
		return fmt.Errorf("unexpected type for Payload: %T", value)
	}
	return nil
}

// Value implements the driver.Valuer interface.
func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "null", nil
	}
	return string(p), nil
}

// MarshalJSON implements the json.Marshaller interface.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *Payload) UnmarshalJSON(b []byte) error {
	*p = append((*p)[0:0], b...)
	return nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (Payload) GormDataType() string {
	return "string"
}

// Duration is a wrapper for time.Duration that implements
// SQL Scanner and Valuer interfaces for GORM.
type Duration struct {
	time.Duration
}

// Scan implements the sql.Scanner interface.
func (d *Duration) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return d.parse(string(v))
	case string:
		return d.parse(v)
	default:
		return fmt.Errorf("unexpected type for Duration: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (d Duration) Value() (driver.Value, error) {
	return d.String(), nil
}

func (d *Duration) parse(value string) error {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	d.Duration = duration
	return nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalJSON implements the json.Marshaller interface.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// GormDataType is used by GORM to determine the default data type for a field.
func (Duration) GormDataType() string {
	return "string"
}
