// Package envelope builds the self-contained event records sent to a Splunk
// HTTP Event Collector. An Envelope is immutable once built: its JSON encoding
// is computed at build time and reused for batching and transport.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// ErrInvalidEnvelope is returned when an envelope cannot be built from its inputs.
// It is never retried.
var ErrInvalidEnvelope = errors.New("invalid envelope")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Metadata is the HEC indexing metadata attached to an envelope.
type Metadata struct {
	Index      string
	Source     string
	SourceType string
	Host       string
}

// Merge returns m with every empty field taken from defaults.
func (m Metadata) Merge(defaults Metadata) Metadata {
	if m.Index == "" {
		m.Index = defaults.Index
	}
	if m.Source == "" {
		m.Source = defaults.Source
	}
	if m.SourceType == "" {
		m.SourceType = defaults.SourceType
	}
	if m.Host == "" {
		m.Host = defaults.Host
	}
	return m
}

// Envelope is a single log event in the collector's ingestion schema.
type Envelope struct {
	id       string
	time     time.Time
	severity string
	logger   string
	message  string
	payload  *Payload
	meta     Metadata
	encoded  []byte
}

type options struct {
	time   time.Time
	logger string
}

// Option customises Build.
type Option func(*options)

// WithTime sets the event timestamp. The default is the build time.
func WithTime(t time.Time) Option {
	return func(o *options) {
		o.time = t
	}
}

// WithLogger records the name of the logger that produced the event.
func WithLogger(name string) Option {
	return func(o *options) {
		o.logger = name
	}
}

// NewID returns a fresh opaque event identifier.
func NewID() string {
	return uuid.NewString()
}

// Build creates an envelope. The id, severity and message are required.
// Structured fields and the error detail are optional; when both are absent the
// encoded event carries no data object at all.
func Build(id, severity, message string, fields map[string]any, detail *ErrorDetail, meta Metadata, opts ...Option) (Envelope, error) {
	if id == "" {
		return Envelope{}, fmt.Errorf("%w: id is required", ErrInvalidEnvelope)
	}
	if severity == "" {
		return Envelope{}, fmt.Errorf("%w: severity is required", ErrInvalidEnvelope)
	}
	if message == "" {
		return Envelope{}, fmt.Errorf("%w: message is required", ErrInvalidEnvelope)
	}

	o := options{time: time.Now()}
	for _, opt := range opts {
		opt(&o)
	}

	env := Envelope{
		id:       id,
		time:     o.time,
		severity: severity,
		logger:   o.logger,
		message:  message,
		payload:  newPayload(fields, detail),
		meta:     meta,
	}

	encoded, err := json.Marshal(env.wire())
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	env.encoded = append(encoded, '\n')

	return env, nil
}

// ID returns the envelope identifier.
func (e Envelope) ID() string { return e.id }

// Time returns the event timestamp.
func (e Envelope) Time() time.Time { return e.time }

// Severity returns the severity level name.
func (e Envelope) Severity() string { return e.severity }

// Logger returns the name of the logger that produced the event, if any.
func (e Envelope) Logger() string { return e.logger }

// Message returns the rendered message.
func (e Envelope) Message() string { return e.message }

// Payload returns the optional structured payload. It is nil when the event
// carries neither properties nor an error.
func (e Envelope) Payload() *Payload { return e.payload }

// Metadata returns the indexing metadata.
func (e Envelope) Metadata() Metadata { return e.meta }

// Bytes returns the newline-terminated JSON record. Callers must not modify it.
func (e Envelope) Bytes() []byte { return e.encoded }

// Size returns the encoded size in bytes.
func (e Envelope) Size() int { return len(e.encoded) }

type wireEnvelope struct {
	Time       string    `json:"time"`
	Host       string    `json:"host,omitempty"`
	Source     string    `json:"source,omitempty"`
	SourceType string    `json:"sourcetype,omitempty"`
	Index      string    `json:"index,omitempty"`
	Event      wireEvent `json:"event"`
}

type wireEvent struct {
	ID       string   `json:"id"`
	Severity string   `json:"severity"`
	Logger   string   `json:"logger,omitempty"`
	Message  string   `json:"message"`
	Data     *Payload `json:"data,omitempty"`
}

func (e Envelope) wire() wireEnvelope {
	return wireEnvelope{
		Time:       epoch(e.time),
		Host:       e.meta.Host,
		Source:     e.meta.Source,
		SourceType: e.meta.SourceType,
		Index:      e.meta.Index,
		Event: wireEvent{
			ID:       e.id,
			Severity: e.severity,
			Logger:   e.logger,
			Message:  e.message,
			Data:     e.payload,
		},
	}
}

// epoch formats t as seconds since the Unix epoch with millisecond precision.
func epoch(t time.Time) string {
	ms := t.UnixMilli()
	return fmt.Sprintf("%d.%03d", ms/1000, ms%1000)
}
