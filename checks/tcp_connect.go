package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/module"
)

// TCPConnectSettings lists the addresses dialed on every iteration.
type TCPConnectSettings struct {
	Addresses []string `json:"addresses" yaml:"addresses"`
	TimeoutMs int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// TCPConnect opens and immediately closes a TCP connection to each address.
type TCPConnect struct{}

// NewTCPConnect creates the tcp_connect module.
func NewTCPConnect() *TCPConnect { return &TCPConnect{} }

func (t *TCPConnect) ID() string            { return "tcp_connect" }
func (t *TCPConnect) DisplayName() string   { return "TCP connect" }
func (t *TCPConnect) Family() module.Family { return module.FamilyNetwork }
func (t *TCPConnect) SettingsType() string  { return "TCPConnectSettings" }

func (t *TCPConnect) CreateDefaultSettings() json.RawMessage {
	return mustMarshal(TCPConnectSettings{Addresses: []string{"example.com:443"}, TimeoutMs: 5000})
}

func (t *TCPConnect) Validate(settings json.RawMessage) []string {
	var s TCPConnectSettings
	if err := decode(settings, &s); err != nil {
		return []string{fmt.Sprintf("invalid tcp_connect settings: %v", err)}
	}
	var errs []string
	if len(s.Addresses) == 0 {
		errs = append(errs, "at least one address is required")
	}
	for _, addr := range s.Addresses {
		if _, port, err := net.SplitHostPort(addr); err != nil || port == "" {
			errs = append(errs, fmt.Sprintf("address %q must be host:port", addr))
		}
	}
	if s.TimeoutMs < 0 {
		errs = append(errs, "timeout_ms must not be negative")
	}
	return errs
}

func (t *TCPConnect) Execute(ctx context.Context, settings json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
	var s TCPConnectSettings
	if err := decode(settings, &s); err != nil {
		return nil, errors.Wrap(err, "failed to decode tcp_connect settings")
	}

	dialer := &net.Dialer{Timeout: millis(s.TimeoutMs, 10*time.Second)}
	res := &module.Result{}
	for _, addr := range s.Addresses {
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		e := module.NewProbe("connect", addr, err == nil, elapsed)
		if err != nil {
			e = e.WithError(&checkError{kind: "Connection", err: errors.Wrapf(err, "dial %s", addr)})
		} else {
			e = e.With("remote", conn.RemoteAddr().String())
			conn.Close()
		}
		ec.Log().Debugw("TCP connect", "address", addr, "success", err == nil, "duration_ms", module.DurationMs(elapsed))
		res.Entries = append(res.Entries, e)
	}
	res.Status = res.ResolveStatus()
	return res, nil
}
