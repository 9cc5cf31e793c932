package module

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/checkrun/errors"
)

type stubModule struct{ id string }

func (s stubModule) ID() string                             { return s.id }
func (s stubModule) DisplayName() string                    { return "Stub " + s.id }
func (s stubModule) Family() Family                         { return FamilyCustom }
func (s stubModule) SettingsType() string                   { return "stub" }
func (s stubModule) CreateDefaultSettings() json.RawMessage { return json.RawMessage(`{}`) }
func (s stubModule) Validate(json.RawMessage) []string      { return nil }
func (s stubModule) Execute(context.Context, json.RawMessage, *ExecutionContext) (*Result, error) {
	return &Result{Status: StatusSuccess}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(stubModule{id: "zeta"})
	r.Register(stubModule{id: "alpha"})

	m, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "Stub alpha", m.DisplayName())

	_, err = r.Get("missing")
	assert.True(t, errors.IsNotFoundError(err))

	ids := []string{}
	for _, m := range r.List() {
		ids = append(ids, m.ID())
	}
	assert.Equal(t, []string{"alpha", "zeta"}, ids)

	assert.Panics(t, func() { r.Register(stubModule{id: "alpha"}) })
	assert.Panics(t, func() { r.MustGet("missing") })
	assert.NotPanics(t, func() { r.MustGet("zeta") })
}

type quotaError struct{}

func (quotaError) Error() string     { return "quota exceeded" }
func (quotaError) ErrorType() string { return "Quota" }

type plainError struct{ code int }

func (e *plainError) Error() string { return fmt.Sprintf("code %d", e.code) }

func TestErrorTypeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"typed error", quotaError{}, "Quota"},
		{"wrapped typed error", errors.Wrap(quotaError{}, "iteration 3"), "Quota"},
		{"pointer type", &plainError{code: 1}, "module.plainError"},
		{"wrapped pointer type", errors.Wrap(&plainError{code: 2}, "step"), "module.plainError"},
		{"context deadline", context.DeadlineExceeded, "context.deadlineExceededError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorTypeOf(tt.err))
		})
	}
}

func TestAbort(t *testing.T) {
	err := Abort("target unreachable")
	assert.True(t, IsAbort(err))
	assert.True(t, errors.Is(err, errors.ErrRunAbort))
	assert.Contains(t, err.Error(), "target unreachable")

	assert.True(t, IsAbort(errors.Wrap(Abortf("after %d retries", 3), "worker 2")))
	assert.False(t, IsAbort(errors.New("flaky")))
}

func TestEntryConstructors(t *testing.T) {
	c := NewCheck("status", "HTTP status", true, 1500*time.Microsecond)
	assert.Equal(t, KindCheck, c.Kind)
	assert.Equal(t, EntryPassed, c.Status)
	assert.InDelta(t, 1.5, c.DurationMs, 1e-9)

	p := NewProbe("tcp", "example.com:443", false, time.Millisecond)
	assert.Equal(t, KindProbe, p.Kind)
	assert.Equal(t, EntryFailed, p.Status)
	assert.Equal(t, "example.com:443", p.Extra["target"])

	tm := NewTiming("ttfb", 20*time.Millisecond)
	assert.True(t, tm.Success)
	assert.Equal(t, KindTiming, tm.Kind)

	s := NewStep("login", "Log in", true, 0).WithError(&plainError{code: 401})
	assert.False(t, s.Success)
	assert.Equal(t, EntryFailed, s.Status)
	assert.Equal(t, "module.plainError", s.ErrorType)
	assert.Equal(t, "code 401", s.ErrorMessage)

	withExtra := c.With("code", 200)
	assert.Equal(t, 200, withExtra.Extra["code"])
	assert.Nil(t, c.Extra, "With must not mutate the receiver")
}

func TestResultResolveStatus(t *testing.T) {
	ok := NewCheck("a", "", true, 0)
	bad := NewCheck("b", "", false, 0)

	assert.Equal(t, StatusSuccess, (&Result{}).ResolveStatus())
	assert.Equal(t, StatusSuccess, (&Result{Entries: []Entry{ok, ok}}).ResolveStatus())
	assert.Equal(t, StatusPartial, (&Result{Entries: []Entry{ok, bad}}).ResolveStatus())
	assert.Equal(t, StatusFailed, (&Result{Entries: []Entry{bad}}).ResolveStatus())

	var nilResult *Result
	assert.Zero(t, nilResult.Failures())
}

func TestExecutionContextLog(t *testing.T) {
	var ec *ExecutionContext
	assert.NotNil(t, ec.Log())
	assert.NotNil(t, (&ExecutionContext{}).Log())
}
