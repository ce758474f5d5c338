// Package processor turns raw inbound lines into log records and hands them
// to the sender.
package processor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/scottbrown/hecsender/internal/envelope"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrLineTooLong is returned when a line exceeds the configured limit.
	ErrLineTooLong = errors.New("line exceeds limit")
	// ErrInvalidRecord is returned for a line that is not a usable log record.
	ErrInvalidRecord = errors.New("invalid log record")
)

// Exception is the error part of an inbound record.
type Exception struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Record is one inbound log event:
//
//	{"level":"Error","logger":"app","message":"...","time":"2024-01-15T10:30:00Z",
//	 "properties":{...},"exception":{"type":"...","message":"..."}}
type Record struct {
	Time       time.Time      `json:"time"`
	Level      string         `json:"level"`
	Logger     string         `json:"logger"`
	Message    string         `json:"message"`
	Properties map[string]any `json:"properties"`
	Exception  *Exception     `json:"exception"`
}

// Defaults fill in fields an inbound record leaves empty.
type Defaults struct {
	Severity string
	Logger   string
}

// ErrorDetail converts the record's exception, if any.
func (r Record) ErrorDetail() *envelope.ErrorDetail {
	if r.Exception == nil || (r.Exception.Type == "" && r.Exception.Message == "") {
		return nil
	}
	return &envelope.ErrorDetail{
		Type:    r.Exception.Type,
		Message: r.Exception.Message,
	}
}

// ParseRecord decodes a JSON log record. The message is required; level and
// logger fall back to def.
func ParseRecord(line []byte, def Defaults) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if r.Message == "" {
		return Record{}, fmt.Errorf("%w: message is required", ErrInvalidRecord)
	}

	r.applyDefaults(def)
	return r, nil
}

// ParseLine accepts a JSON record, or with allowPlain any non-blank text,
// which becomes the message of a record built from def.
func ParseLine(line []byte, def Defaults, allowPlain bool) (Record, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Record{}, fmt.Errorf("%w: empty line", ErrInvalidRecord)
	}

	if trimmed[0] == '{' && json.Valid(trimmed) {
		return ParseRecord(trimmed, def)
	}
	if !allowPlain {
		return Record{}, fmt.Errorf("%w: not a JSON object", ErrInvalidRecord)
	}

	r := Record{Message: string(bytes.TrimRight(line, "\r\n"))}
	r.applyDefaults(def)
	return r, nil
}

func (r *Record) applyDefaults(def Defaults) {
	if r.Level == "" {
		r.Level = def.Severity
	}
	if r.Level == "" {
		r.Level = "Info"
	}
	if r.Logger == "" {
		r.Logger = def.Logger
	}
}

// Sink accepts events for delivery.
type Sink interface {
	Send(id, severity, message string, fields map[string]any, detail *envelope.ErrorDetail, meta envelope.Metadata, opts ...envelope.Option) error
}

// Deliver sends r through sink with a fresh event ID. The logger name becomes
// the event source.
func Deliver(sink Sink, r Record) error {
	opts := []envelope.Option{}
	if r.Logger != "" {
		opts = append(opts, envelope.WithLogger(r.Logger))
	}
	if !r.Time.IsZero() {
		opts = append(opts, envelope.WithTime(r.Time))
	}

	return sink.Send(envelope.NewID(), r.Level, r.Message, r.Properties, r.ErrorDetail(),
		envelope.Metadata{Source: r.Logger}, opts...)
}

// ReadLineLimited reads a line from the reader with a maximum byte limit.
// An oversized line is consumed up to its newline and reported as
// ErrLineTooLong so the next read starts on a fresh line.
func ReadLineLimited(br *bufio.Reader, limit int) ([]byte, error) {
	var buf bytes.Buffer

	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && buf.Len() > 0 {
				return buf.Bytes(), nil
			}
			return nil, err
		}

		if buf.Len()+len(chunk) > limit {
			for isPrefix {
				if _, isPrefix, err = br.ReadLine(); err != nil {
					break
				}
			}
			return nil, ErrLineTooLong
		}
		buf.Write(chunk)

		if !isPrefix {
			return bytes.TrimRight(buf.Bytes(), "\r"), nil
		}
	}
}

// Truncate truncates a byte slice to a maximum length, adding ellipsis if truncated
func Truncate(data []byte, maxLen int) string {
	s := string(data)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "…"
}
