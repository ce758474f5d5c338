package audit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scottbrown/hecsender"
)

// formatCEF renders event as a Common Event Format record:
// CEF:Version|Vendor|Product|Version|Signature ID|Name|Severity|Extension
func formatCEF(event Event) []byte {
	header := fmt.Sprintf("CEF:0|hecsender|HEC Event Sender|%s|%s|%s|%d",
		cefEscapeHeader(hecsender.Version()),
		cefEscapeHeader(string(event.EventType)),
		cefEscapeHeader(event.Action),
		severity(event),
	)

	return []byte(header + "|" + cefExtensions(event))
}

// severity maps an event to CEF severity 0-10.
func severity(event Event) int {
	if !event.Success {
		switch event.EventType {
		case EventDeliveryFailed:
			return 8
		case EventConnectionRejected:
			return 7
		default:
			return 6
		}
	}

	switch event.EventType {
	case EventConfigChange:
		return 6
	case EventServerStart, EventServerStop:
		return 4
	default:
		return 3
	}
}

func cefExtensions(event Event) string {
	parts := []string{
		"act=" + cefEscape(event.Action),
		"src=" + cefEscape(event.Actor),
		"outcome=" + cefEscape(event.Result),
	}

	if event.Resource != "" {
		parts = append(parts, "dvc="+cefEscape(event.Resource))
	}

	if event.ConnectionID != "" {
		parts = append(parts, "cs2="+cefEscape(event.ConnectionID), "cs2Label=Connection ID")
	}

	if len(event.Details) > 0 {
		keys := make([]string, 0, len(event.Details))
		for k := range event.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		details := make([]string, 0, len(keys))
		for _, k := range keys {
			details = append(details, fmt.Sprintf("%s=%v", k, event.Details[k]))
		}
		parts = append(parts, "cs1="+cefEscape(strings.Join(details, ";")), "cs1Label=Details")
	}

	parts = append(parts, fmt.Sprintf("rt=%d", event.Timestamp.UnixMilli()))

	return strings.Join(parts, " ")
}

// cefEscape escapes an extension value: backslash, equals and line breaks.
func cefEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "=", `\=`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	return s
}

// cefEscapeHeader escapes a header value: backslash and pipe.
func cefEscapeHeader(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "|", `\|`)
	return s
}
