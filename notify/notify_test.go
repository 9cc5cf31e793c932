package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/checkrun/am"
	"github.com/teranos/checkrun/db"
	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/internal/httpclient"
	"github.com/teranos/checkrun/metrics"
	"github.com/teranos/checkrun/model"
	"github.com/teranos/checkrun/runstore"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeRecorder struct {
	mu   sync.Mutex
	rows []runstore.Notification
	err  error
}

func (f *fakeRecorder) AppendNotification(ctx context.Context, n *runstore.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, *n)
	return f.err
}

func allOn(mode string) am.TelegramConfig {
	return am.TelegramConfig{
		Enabled:      true,
		Mode:         mode,
		OnStart:      true,
		OnProgress:   true,
		OnCompletion: true,
		OnError:      true,
	}
}

func report(status model.RunStatus) *model.Report {
	return &model.Report{
		RunID:      "run-1",
		ModuleName: "HTTP probe",
		Status:     status,
		Iterations: 3,
		DurationMs: 1500,
		Metrics: metrics.Summary{
			Count:          3,
			FailureCount:   1,
			ErrorBreakdown: []metrics.ErrorCount{{Label: "Timeout", Count: 1}},
		},
	}
}

func TestLimiter_SlidingWindow(t *testing.T) {
	clock := newMockClock()
	l := NewLimiterWithClock(3, clock.Now)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(), "send %d", i+1)
		clock.Advance(10 * time.Second)
	}
	err := l.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))

	inWindow, remaining := l.Stats()
	assert.Equal(t, 3, inWindow)
	assert.Equal(t, 0, remaining)

	// First send leaves the window after a minute
	clock.Advance(31 * time.Second)
	require.NoError(t, l.Allow())
}

func TestLimiter_DisabledAndResized(t *testing.T) {
	clock := newMockClock()
	l := NewLimiterWithClock(0, clock.Now)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Allow())
	}
	_, remaining := l.Stats()
	assert.Equal(t, -1, remaining)

	l.SetLimit(1)
	assert.Error(t, l.Allow(), "sends recorded while uncapped still count")
}

func TestNotifier_ModeGating(t *testing.T) {
	tests := []struct {
		mode      string
		status    model.RunStatus
		wantKinds []Kind
	}{
		{am.NotifyModeOff, model.StatusFailed, nil},
		{am.NotifyModeErrorsOnly, model.StatusSuccess, []Kind{KindError}},
		{am.NotifyModeErrorsOnly, model.StatusPartial, []Kind{KindCompletion, KindError}},
		{am.NotifyModeSummary, model.StatusSuccess, []Kind{KindStart, KindCompletion, KindError}},
		{am.NotifyModeAll, model.StatusSuccess, []Kind{KindStart, KindProgress, KindCompletion, KindError}},
	}
	for _, tt := range tests {
		t.Run(tt.mode+"/"+string(tt.status), func(t *testing.T) {
			rec := &fakeRecorder{}
			n := New(allOn(tt.mode), &fakeSender{}, WithRecorder(rec), WithClock(newMockClock().Now))
			ctx := context.Background()

			n.NotifyStart(ctx, "run-1", "HTTP probe", model.DefaultProfile())
			n.NotifyProgress(ctx, "run-1", 1, 3, "")
			n.NotifyCompletion(ctx, report(tt.status))
			n.NotifyRunError(ctx, "run-1", errors.New("boom"))

			var kinds []Kind
			for _, r := range rec.rows {
				kinds = append(kinds, Kind(r.Kind))
			}
			assert.Equal(t, tt.wantKinds, kinds)
		})
	}
}

func TestNotifier_DisabledOrToggledOff(t *testing.T) {
	sender := &fakeSender{}
	cfg := allOn(am.NotifyModeAll)
	cfg.Enabled = false
	n := New(cfg, sender)
	assert.False(t, n.Enabled())
	n.NotifyStart(context.Background(), "run-1", "m", model.DefaultProfile())
	assert.Zero(t, sender.count())

	cfg = allOn(am.NotifyModeAll)
	cfg.OnStart = false
	n = New(cfg, sender)
	assert.True(t, n.Enabled())
	n.NotifyStart(context.Background(), "run-1", "m", model.DefaultProfile())
	assert.Zero(t, sender.count())
	assert.Zero(t, n.Status().Suppressed, "toggled-off kinds are not counted as suppressed")
}

func TestNotifier_ProgressPacing(t *testing.T) {
	clock := newMockClock()
	sender := &fakeSender{}
	cfg := allOn(am.NotifyModeAll)
	cfg.ProgressIntervalSeconds = 30
	n := New(cfg, sender, WithClock(clock.Now))
	ctx := context.Background()

	n.NotifyProgress(ctx, "run-1", 1, 10, "")
	n.NotifyProgress(ctx, "run-1", 2, 10, "")
	clock.Advance(10 * time.Second)
	n.NotifyProgress(ctx, "run-1", 3, 10, "")
	clock.Advance(25 * time.Second)
	n.NotifyProgress(ctx, "run-1", 4, 10, "")

	assert.Equal(t, 2, sender.count())
	assert.Equal(t, 2, n.Status().Suppressed)
	assert.Contains(t, sender.messages[1], "4/10")
}

func TestNotifier_PerMinuteCap(t *testing.T) {
	clock := newMockClock()
	sender := &fakeSender{}
	cfg := allOn(am.NotifyModeAll)
	cfg.MaxPerMinute = 2
	n := New(cfg, sender, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		n.NotifyRunError(ctx, "run-1", fmt.Errorf("error %d", i))
	}
	st := n.Status()
	assert.Equal(t, 2, st.Sent)
	assert.Equal(t, 3, st.Suppressed)

	clock.Advance(time.Minute + time.Second)
	n.NotifyRunError(ctx, "run-1", errors.New("later"))
	assert.Equal(t, 3, n.Status().Sent)
	assert.Equal(t, clock.Now(), n.Status().LastSentAt)
}

func TestNotifier_FailuresAreCapturedNotReturned(t *testing.T) {
	rec := &fakeRecorder{err: errors.Wrap(db.ErrDatabaseClosed, "append notification")}
	sender := &fakeSender{err: errors.New("chat not found")}
	n := New(allOn(am.NotifyModeAll), sender, WithRecorder(rec), WithLogger(zaptest.NewLogger(t).Sugar()))

	n.NotifyCompletion(context.Background(), report(model.StatusFailed))

	st := n.Status()
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 0, st.Sent)
	assert.Equal(t, "chat not found", st.LastError)
	require.Len(t, rec.rows, 1)
	assert.Equal(t, runstore.NotificationFailed, rec.rows[0].Status)
	assert.Equal(t, "chat not found", rec.rows[0].ErrorMessage)
}

func TestNotifier_NilSender(t *testing.T) {
	n := New(allOn(am.NotifyModeAll), nil)
	n.NotifyRunError(context.Background(), "run-1", errors.New("x"))
	assert.Equal(t, 1, n.Status().Failed)
}

func TestNotifier_UpdateConfig(t *testing.T) {
	sender := &fakeSender{}
	n := New(allOn(am.NotifyModeAll), sender)
	n.NotifyStart(context.Background(), "run-1", "m", model.DefaultProfile())

	n.UpdateConfig(allOn(am.NotifyModeOff))
	n.NotifyStart(context.Background(), "run-1", "m", model.DefaultProfile())

	assert.Equal(t, 1, sender.count())
	assert.Equal(t, 1, n.Status().Sent, "counters survive config updates")
}

func TestNotifyCompletion_Message(t *testing.T) {
	sender := &fakeSender{}
	n := New(allOn(am.NotifyModeAll), sender)
	r := report(model.StatusPartial)
	r.AbortMessage = ""
	n.NotifyCompletion(context.Background(), r)

	require.Equal(t, 1, sender.count())
	msg := sender.messages[0]
	assert.Contains(t, msg, "HTTP probe Partial")
	assert.Contains(t, msg, "3 results, 1 failed")
	assert.Contains(t, msg, "1x Timeout")
}

func TestTelegramSender(t *testing.T) {
	var mu sync.Mutex
	var got sendMessageRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.Text == "fail" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSenderWithClient(httpclient.Wrap(srv.Client()), srv.URL+"/", "123:secret", "42")

	require.NoError(t, s.Send(context.Background(), "hello"))
	mu.Lock()
	assert.Equal(t, "/bot123:secret/sendMessage", path)
	assert.Equal(t, "42", got.ChatID)
	assert.Equal(t, "hello", got.Text)
	mu.Unlock()

	err := s.Send(context.Background(), "fail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.NotContains(t, err.Error(), "secret")
}

func TestTelegramSender_TransportErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := NewTelegramSenderWithClient(httpclient.Wrap(&http.Client{Timeout: time.Second}), url, "123:secret", "42")
	err := s.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
	assert.Contains(t, err.Error(), "***")
}

func TestTelegramSender_RefusesLoopbackByDefault(t *testing.T) {
	s := NewTelegramSender("https://127.0.0.1:9", "tok", "1", time.Second)
	err := s.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private IP")
}

func TestTruncate_KeepsRuneBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  string
	}{
		{"short text untouched", "hello", 10, "hello"},
		{"exact limit untouched", "héllo", 5, "héllo"},
		{"ascii cut", "abcdefgh", 5, "abcd…"},
		{"multi-byte symbols not split", "✓✓✓✓✓✓", 4, "✓✓✓…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.text, tt.limit)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, utf8.RuneCountInString(got), tt.limit)
		})
	}
}

func TestTelegramSender_LongMessageIsValidUTF8(t *testing.T) {
	var mu sync.Mutex
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSenderWithClient(httpclient.Wrap(srv.Client()), srv.URL, "tok", "1")
	require.NoError(t, s.Send(context.Background(), "x"+strings.Repeat("✗", maxMessageLen)))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, utf8.ValidString(got.Text))
	assert.Equal(t, maxMessageLen, utf8.RuneCountInString(got.Text))
	assert.True(t, strings.HasSuffix(got.Text, "…"))
}
