package forwarder

import (
	"bytes"
	"fmt"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ack is the collector's acknowledgement of a successful post.
type Ack struct {
	Text       string `json:"text"`
	Code       int    `json:"code"`
	StatusCode int    `json:"-"`
}

// TransportError reports a failed attempt to post a batch: a network failure,
// a non-2xx status or a malformed response. StatusCode is 0 when no response
// was received.
type TransportError struct {
	StatusCode int
	Cause      error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("hec transport: %v", e.Cause)
	}
	return fmt.Sprintf("hec transport: status %d: %v", e.StatusCode, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// parseResponse turns a collector response into an Ack or a *TransportError.
// HEC accepts all 2xx codes; an empty body counts as success.
func parseResponse(statusCode int, body []byte) (Ack, error) {
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return Ack{}, &TransportError{
			StatusCode: statusCode,
			Cause:      fmt.Errorf("%s: %s", http.StatusText(statusCode), truncate(body, 200)),
		}
	}

	ack := Ack{StatusCode: statusCode}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ack, nil
	}

	if err := json.Unmarshal(body, &ack); err != nil {
		return Ack{}, &TransportError{
			StatusCode: statusCode,
			Cause:      fmt.Errorf("malformed collector response %q: %w", truncate(body, 200), err),
		}
	}
	if ack.Code != 0 {
		return Ack{}, &TransportError{
			StatusCode: statusCode,
			Cause:      fmt.Errorf("collector rejected batch: code %d: %s", ack.Code, ack.Text),
		}
	}

	return ack, nil
}

func truncate(data []byte, maxLen int) string {
	if len(data) <= maxLen {
		return string(data)
	}
	return string(data[:maxLen]) + "…"
}
