package harvest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Classification is the BlockDetector verdict for one registry call.
type Classification int

// Classification values.
const (
	ClassOK Classification = iota
	ClassApplicationError
	ClassTransportError
	ClassBlocked
)

func (c Classification) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassApplicationError:
		return "application_error"
	case ClassTransportError:
		return "transport_error"
	case ClassBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

// DefaultBlockedStatuses are the statuses the registry edge uses to shed load.
var DefaultBlockedStatuses = []int{
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// DefaultBlockSignals match transport errors raised when the edge drops us.
var DefaultBlockSignals = []string{
	"connection refused",
	"connection reset",
	"connection aborted",
	"network is unreachable",
	"network unreachable",
	"timeout",
	"timed out",
	"remote end closed connection",
}

// DefaultErrorFields mark a structured body as an application error.
var DefaultErrorFields = []string{"error", "Error"}

// BlockDetector separates edge blocking from ordinary failures.
type BlockDetector struct {
	statuses    map[int]struct{}
	signals     []string
	errorFields []string
}

// NewBlockDetector builds a detector; nil arguments fall back to the defaults.
func NewBlockDetector(statuses []int, signals []string, errorFields []string) *BlockDetector {
	if statuses == nil {
		statuses = DefaultBlockedStatuses
	}
	if signals == nil {
		signals = DefaultBlockSignals
	}
	if errorFields == nil {
		errorFields = DefaultErrorFields
	}
	d := &BlockDetector{
		statuses:    make(map[int]struct{}, len(statuses)),
		errorFields: append([]string(nil), errorFields...),
	}
	for _, code := range statuses {
		d.statuses[code] = struct{}{}
	}
	for _, s := range signals {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			d.signals = append(d.signals, s)
		}
	}
	return d
}

// Classify inspects a response or the transport error that replaced it.
func (d *BlockDetector) Classify(resp Response, err error) Classification {
	if err != nil {
		if d.matchesSignal(err.Error()) {
			return ClassBlocked
		}
		return ClassTransportError
	}
	if _, blocked := d.statuses[resp.StatusCode]; blocked {
		return ClassBlocked
	}
	if d.hasErrorField(resp.Body) {
		return ClassApplicationError
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ClassApplicationError
	}
	return ClassOK
}

func (d *BlockDetector) matchesSignal(msg string) bool {
	lower := strings.ToLower(msg)
	for _, signal := range d.signals {
		if strings.Contains(lower, signal) {
			return true
		}
	}
	return false
}

func (d *BlockDetector) hasErrorField(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return false
	}
	for _, field := range d.errorFields {
		if _, ok := doc[field]; ok {
			return true
		}
	}
	return false
}
