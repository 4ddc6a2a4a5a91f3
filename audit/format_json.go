package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stephnangue/recordshare/share"
)

// JSONFormat serializes entries as single-line JSON objects. Raw token
// values never appear in an AccessLog by construction, so the formatter can
// serialize the whole entry.
type JSONFormat struct {
	// Prefix is prepended to every line, useful for syslog-style routing.
	Prefix string
}

// NewJSONFormat creates a JSONFormat.
func NewJSONFormat(prefix string) *JSONFormat {
	return &JSONFormat{Prefix: prefix}
}

// Format implements Format.
func (f *JSONFormat) Format(_ context.Context, entry *share.AccessLog) ([]byte, error) {
	if entry == nil {
		return nil, fmt.Errorf("nil entry")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if f.Prefix != "" {
		data = append([]byte(f.Prefix), data...)
	}
	return append(data, '\n'), nil
}

// Name implements Format.
func (f *JSONFormat) Name() string {
	return "json"
}
