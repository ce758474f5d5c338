package envelope

import (
	"errors"
	"fmt"
	"maps"
)

// PayloadKind identifies which parts of a structured payload are present.
type PayloadKind int

const (
	// KindProperties carries structured properties only.
	KindProperties PayloadKind = iota + 1
	// KindException carries an error detail only.
	KindException
	// KindBoth carries properties and an error detail.
	KindBoth
)

// String returns the string representation of the kind
func (k PayloadKind) String() string {
	switch k {
	case KindProperties:
		return "properties"
	case KindException:
		return "exception"
	case KindBoth:
		return "both"
	default:
		return "unknown"
	}
}

// ErrorDetail describes an error attached to a log event.
type ErrorDetail struct {
	Type    string   `json:"type,omitempty"`
	Message string   `json:"message"`
	Causes  []string `json:"causes,omitempty"`
}

// NewErrorDetail captures err's dynamic type, message and wrapped causes.
// It returns nil for a nil error.
func NewErrorDetail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}

	detail := &ErrorDetail{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		detail.Causes = append(detail.Causes, cause.Error())
	}
	return detail
}

// Payload is the optional structured part of an event: properties, an error
// detail, or both. The zero value is not valid; use the constructors.
type Payload struct {
	kind       PayloadKind
	properties map[string]any
	exception  *ErrorDetail
}

// Properties returns a payload holding only structured properties.
func Properties(fields map[string]any) *Payload {
	return &Payload{kind: KindProperties, properties: maps.Clone(fields)}
}

// Exception returns a payload holding only an error detail.
func Exception(detail ErrorDetail) *Payload {
	return &Payload{kind: KindException, exception: &detail}
}

// Both returns a payload holding properties and an error detail.
func Both(fields map[string]any, detail ErrorDetail) *Payload {
	return &Payload{kind: KindBoth, properties: maps.Clone(fields), exception: &detail}
}

func newPayload(fields map[string]any, detail *ErrorDetail) *Payload {
	// Properties and Both copy the map; an empty one is absent
	if len(fields) == 0 {
		fields = nil
	}
	switch {
	case fields != nil && detail != nil:
		return Both(fields, *detail)
	case fields != nil:
		return Properties(fields)
	case detail != nil:
		return Exception(*detail)
	default:
		return nil
	}
}

// Kind reports which parts are present.
func (p *Payload) Kind() PayloadKind { return p.kind }

// PropertyMap returns a copy of the structured properties and whether they are present.
func (p *Payload) PropertyMap() (map[string]any, bool) {
	if p.kind == KindException {
		return nil, false
	}
	return maps.Clone(p.properties), true
}

// ErrorDetail returns the error detail and whether it is present.
func (p *Payload) ErrorDetail() (ErrorDetail, bool) {
	if p.kind == KindProperties || p.exception == nil {
		return ErrorDetail{}, false
	}
	return *p.exception, true
}

type wirePayload struct {
	Exception  *ErrorDetail   `json:"Exception,omitempty"`
	Properties map[string]any `json:"Properties,omitempty"`
}

// MarshalJSON encodes the payload as the event's data object. Absent parts are
// omitted rather than emitted as null.
func (p *Payload) MarshalJSON() ([]byte, error) {
	w := wirePayload{}
	switch p.kind {
	case KindProperties:
		w.Properties = p.properties
	case KindException:
		w.Exception = p.exception
	case KindBoth:
		w.Properties = p.properties
		w.Exception = p.exception
	default:
		return nil, fmt.Errorf("unknown payload kind %d", p.kind)
	}
	return json.Marshal(w)
}
