// Package notify is the outbound notification policy for runs.
//
// Every message passes four gates in order: the sink is enabled, the mode
// admits the kind, the per-kind toggle is on, and the rate limits have room.
// Progress messages are additionally paced to one per progress interval.
// Delivery failures are counted in Status and never returned to callers.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/checkrun/am"
	"github.com/teranos/checkrun/db"
	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/logger"
	"github.com/teranos/checkrun/model"
	"github.com/teranos/checkrun/runstore"
	"github.com/teranos/checkrun/sym"
)

// Kind is the event a notification reports.
type Kind string

const (
	KindStart      Kind = "start"
	KindProgress   Kind = "progress"
	KindCompletion Kind = "completion"
	KindError      Kind = "error"
)

// Recorder persists one audit row per attempted send.
type Recorder interface {
	AppendNotification(ctx context.Context, n *runstore.Notification) error
}

// Status is a snapshot of delivery counters.
type Status struct {
	Sent       int       `json:"sent"`
	Suppressed int       `json:"suppressed"`
	Failed     int       `json:"failed"`
	LastError  string    `json:"last_error,omitempty"`
	LastSentAt time.Time `json:"last_sent_at,omitempty"`
}

// Notifier applies the notification policy in front of a Sender.
// All methods are safe for concurrent use.
type Notifier struct {
	mu       sync.Mutex
	cfg      am.TelegramConfig
	sender   Sender
	recorder Recorder
	window   *Limiter
	progress *rate.Limiter
	status   Status
	timeNow  func() time.Time
	log      *zap.SugaredLogger
}

// Option customizes a Notifier.
type Option func(*Notifier)

// WithRecorder logs every attempted send through r.
func WithRecorder(r Recorder) Option {
	return func(n *Notifier) { n.recorder = r }
}

// WithClock injects the clock used for rate limiting (for testing).
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.timeNow = now }
}

// WithLogger sets the logger. The default is a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(n *Notifier) { n.log = logger.AddNotifySymbol(log) }
}

// New creates a notifier. A nil sender is valid and makes every send fail.
func New(cfg am.TelegramConfig, sender Sender, opts ...Option) *Notifier {
	n := &Notifier{
		sender:  sender,
		timeNow: time.Now,
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.window = NewLimiterWithClock(cfg.MaxPerMinute, n.timeNow)
	n.applyConfig(cfg)
	return n
}

// NewFromConfig builds a notifier with a Telegram sender from configuration.
func NewFromConfig(cfg am.TelegramConfig, opts ...Option) *Notifier {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sender := NewTelegramSender(cfg.APIBaseURL, cfg.BotToken, cfg.ChatID, timeout)
	return New(cfg, sender, opts...)
}

// UpdateConfig swaps the policy settings. Counters and the rate window survive.
// The sender is not rebuilt; credential changes need a new Notifier.
func (n *Notifier) UpdateConfig(cfg am.TelegramConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.applyConfig(cfg)
	n.log.Infow("Notification policy updated", "mode", n.mode(), "enabled", cfg.Enabled)
}

// applyConfig must be called with the lock held or before n is shared.
func (n *Notifier) applyConfig(cfg am.TelegramConfig) {
	n.cfg = cfg
	n.window.SetLimit(cfg.MaxPerMinute)
	interval := time.Duration(cfg.ProgressIntervalSeconds) * time.Second
	if interval <= 0 {
		n.progress = rate.NewLimiter(rate.Inf, 1)
		return
	}
	n.progress = rate.NewLimiter(rate.Every(interval), 1)
}

func (n *Notifier) mode() string {
	if n.cfg.Mode == "" {
		return am.NotifyModeSummary
	}
	return n.cfg.Mode
}

// Enabled reports whether any notification could be sent.
func (n *Notifier) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg.Enabled && n.mode() != am.NotifyModeOff
}

// Status returns a snapshot of the delivery counters.
func (n *Notifier) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// NotifyStart announces a run.
func (n *Notifier) NotifyStart(ctx context.Context, runID, moduleName string, p model.Profile) {
	budget := fmt.Sprintf("%d iterations", p.Iterations)
	if p.Mode == model.ModeDuration {
		budget = fmt.Sprintf("%ds", p.DurationSeconds)
	}
	text := fmt.Sprintf("%s %s started\nrun %s\nprofile %s: %s, parallelism %d",
		sym.Run, moduleName, runID, p.Name, budget, p.Parallelism)
	n.deliver(ctx, runID, KindStart, model.StatusRunning, text)
}

// NotifyProgress reports iteration progress. total is 0 in Duration mode.
func (n *Notifier) NotifyProgress(ctx context.Context, runID string, completed, total int, msg string) {
	progress := fmt.Sprintf("%d", completed)
	if total > 0 {
		progress = fmt.Sprintf("%d/%d", completed, total)
	}
	text := fmt.Sprintf("%s run %s: %s iterations", sym.Running, runID, progress)
	if msg != "" {
		text += "\n" + msg
	}
	n.deliver(ctx, runID, KindProgress, model.StatusRunning, text)
}

// NotifyCompletion reports the final outcome of a run.
func (n *Notifier) NotifyCompletion(ctx context.Context, r *model.Report) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\nrun %s\n", sym.ForStatus(string(r.Status)), r.ModuleName, r.Status, r.RunID)
	fmt.Fprintf(&b, "%d results, %d failed, %d iterations in %.1fs\n",
		r.Metrics.Count, r.Metrics.FailureCount, r.Iterations, r.DurationMs/1000)
	if r.Metrics.Count > 0 {
		fmt.Fprintf(&b, "avg %.0fms, p50 %.0fms, p90 %.0fms\n", r.Metrics.AvgMs, r.Metrics.P50Ms, r.Metrics.P90Ms)
	}
	for i, e := range r.Metrics.ErrorBreakdown {
		if i == 3 {
			fmt.Fprintf(&b, "and %d more error kinds\n", len(r.Metrics.ErrorBreakdown)-i)
			break
		}
		fmt.Fprintf(&b, "%dx %s\n", e.Count, e.Label)
	}
	if r.AbortMessage != "" {
		fmt.Fprintf(&b, "aborted: %s\n", r.AbortMessage)
	}
	n.deliver(ctx, r.RunID, KindCompletion, r.Status, strings.TrimRight(b.String(), "\n"))
}

// NotifyRunError reports a run-level error such as a rejected profile or a
// persistence failure.
func (n *Notifier) NotifyRunError(ctx context.Context, runID string, err error) {
	if err == nil {
		return
	}
	text := fmt.Sprintf("%s run %s error\n%s", sym.Failed, runID, err.Error())
	n.deliver(ctx, runID, KindError, model.StatusFailed, text)
}

// admits reports whether mode and toggles allow kind. Must be called with lock held.
func (n *Notifier) admits(kind Kind, status model.RunStatus) bool {
	if !n.cfg.Enabled {
		return false
	}
	switch n.mode() {
	case am.NotifyModeOff:
		return false
	case am.NotifyModeErrorsOnly:
		switch kind {
		case KindError:
		case KindCompletion:
			if status == model.StatusSuccess || status == model.StatusStopped {
				return false
			}
		default:
			return false
		}
	case am.NotifyModeSummary:
		if kind == KindProgress {
			return false
		}
	}

	switch kind {
	case KindStart:
		return n.cfg.OnStart
	case KindProgress:
		return n.cfg.OnProgress
	case KindCompletion:
		return n.cfg.OnCompletion
	case KindError:
		return n.cfg.OnError
	}
	return false
}

func (n *Notifier) deliver(ctx context.Context, runID string, kind Kind, status model.RunStatus, text string) {
	n.mu.Lock()
	if !n.admits(kind, status) {
		n.mu.Unlock()
		return
	}
	now := n.timeNow()
	if kind == KindProgress && !n.progress.AllowN(now, 1) {
		n.status.Suppressed++
		n.mu.Unlock()
		return
	}
	if err := n.window.Allow(); err != nil {
		n.status.Suppressed++
		n.mu.Unlock()
		n.log.Debugw("Notification suppressed", "run_id", runID, "kind", kind, "error", err)
		return
	}
	sender := n.sender
	n.mu.Unlock()

	var err error
	if sender == nil {
		err = errors.New("no notification sender configured")
	} else {
		err = sender.Send(ctx, text)
	}

	n.mu.Lock()
	record := &runstore.Notification{RunID: runID, Kind: string(kind), SentAt: now.UTC(), Status: runstore.NotificationSent}
	if err != nil {
		n.status.Failed++
		n.status.LastError = err.Error()
		record.Status = runstore.NotificationFailed
		record.ErrorMessage = err.Error()
	} else {
		n.status.Sent++
		n.status.LastSentAt = now
	}
	recorder := n.recorder
	n.mu.Unlock()

	if err != nil {
		n.log.Warnw("Notification failed", "run_id", runID, "kind", kind, "error", err)
	} else {
		n.log.Debugw("Notification sent", "run_id", runID, "kind", kind)
	}

	if recorder != nil {
		rerr := recorder.AppendNotification(context.WithoutCancel(ctx), record)
		switch {
		case rerr == nil:
		case db.IsDatabaseClosed(rerr):
			n.log.Debugw("Notification not recorded, store closed", "run_id", runID, "kind", kind)
		default:
			n.log.Warnw("Failed to record notification", "run_id", runID, "kind", kind, "error", rerr)
		}
	}
}
