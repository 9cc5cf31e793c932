// Package checks holds the built-in modules: an HTTP probe, a TCP connect
// check and a DNS lookup. Each decodes its own JSON settings document.
package checks

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/teranos/checkrun/module"
)

// RegisterAll adds every built-in module to reg.
func RegisterAll(reg *module.Registry) {
	reg.Register(NewHTTPProbe())
	reg.Register(NewTCPConnect())
	reg.Register(NewDNSLookup())
}

// decode strictly unmarshals a settings document into v.
func decode(settings json.RawMessage, v any) error {
	if len(bytes.TrimSpace(settings)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(settings))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// checkError is a soft iteration failure carrying its own error type.
type checkError struct {
	kind string
	err  error
}

func (e *checkError) Error() string     { return e.err.Error() }
func (e *checkError) Unwrap() error     { return e.err }
func (e *checkError) ErrorType() string { return e.kind }
