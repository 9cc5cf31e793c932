package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/module"
)

// Record types supported by DNSLookup.
const (
	RecordA     = "A"
	RecordAAAA  = "AAAA"
	RecordCNAME = "CNAME"
	RecordMX    = "MX"
	RecordTXT   = "TXT"
)

var recordTypes = []string{RecordA, RecordAAAA, RecordCNAME, RecordMX, RecordTXT}

// DNSLookupSettings configures one lookup per host and iteration.
type DNSLookupSettings struct {
	Hosts          []string `json:"hosts" yaml:"hosts"`
	RecordType     string   `json:"record_type,omitempty" yaml:"record_type,omitempty"`
	ExpectContains string   `json:"expect_contains,omitempty" yaml:"expect_contains,omitempty"`
	// Resolver is an optional "ip:port" nameserver; empty uses the system resolver.
	Resolver string `json:"resolver,omitempty" yaml:"resolver,omitempty"`
}

func (s *DNSLookupSettings) recordType() string {
	if s.RecordType == "" {
		return RecordA
	}
	return strings.ToUpper(s.RecordType)
}

// DNSLookup resolves hosts and optionally checks that an answer contains a value.
type DNSLookup struct{}

// NewDNSLookup creates the dns_lookup module.
func NewDNSLookup() *DNSLookup { return &DNSLookup{} }

func (d *DNSLookup) ID() string            { return "dns_lookup" }
func (d *DNSLookup) DisplayName() string   { return "DNS lookup" }
func (d *DNSLookup) Family() module.Family { return module.FamilyNetwork }
func (d *DNSLookup) SettingsType() string  { return "DNSLookupSettings" }

func (d *DNSLookup) CreateDefaultSettings() json.RawMessage {
	return mustMarshal(DNSLookupSettings{Hosts: []string{"example.com"}, RecordType: RecordA})
}

func (d *DNSLookup) Validate(settings json.RawMessage) []string {
	var s DNSLookupSettings
	if err := decode(settings, &s); err != nil {
		return []string{fmt.Sprintf("invalid dns_lookup settings: %v", err)}
	}
	var errs []string
	if len(s.Hosts) == 0 {
		errs = append(errs, "at least one host is required")
	}
	for _, h := range s.Hosts {
		if strings.TrimSpace(h) == "" {
			errs = append(errs, "hosts must not be empty")
			break
		}
	}
	if !slices.Contains(recordTypes, s.recordType()) {
		errs = append(errs, fmt.Sprintf("record_type %q must be one of %v", s.RecordType, recordTypes))
	}
	if s.Resolver != "" {
		if _, _, err := net.SplitHostPort(s.Resolver); err != nil {
			errs = append(errs, fmt.Sprintf("resolver %q must be ip:port", s.Resolver))
		}
	}
	return errs
}

func (d *DNSLookup) resolver(s *DNSLookupSettings) *net.Resolver {
	if s.Resolver == "" {
		return net.DefaultResolver
	}
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, s.Resolver)
		},
	}
}

func (d *DNSLookup) Execute(ctx context.Context, settings json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
	var s DNSLookupSettings
	if err := decode(settings, &s); err != nil {
		return nil, errors.Wrap(err, "failed to decode dns_lookup settings")
	}
	r := d.resolver(&s)
	rtype := s.recordType()

	res := &module.Result{}
	for _, host := range s.Hosts {
		start := time.Now()
		answers, err := lookup(ctx, r, rtype, host)
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		e := module.NewProbe(strings.ToLower(rtype), host, err == nil, elapsed).With("answers", answers)
		switch {
		case err != nil:
			e = e.WithError(&checkError{kind: "DNS", err: errors.Wrapf(err, "lookup %s %s", rtype, host)})
		case len(answers) == 0:
			e = e.WithError(&checkError{kind: "DNS", err: errors.Newf("no %s records for %s", rtype, host)})
		case s.ExpectContains != "" && !containsAnswer(answers, s.ExpectContains):
			e = e.WithError(&checkError{kind: "DNSMismatch", err: errors.Newf("no %s answer for %s contains %q", rtype, host, s.ExpectContains)})
		}
		res.Entries = append(res.Entries, e)
	}
	res.Status = res.ResolveStatus()
	return res, nil
}

func lookup(ctx context.Context, r *net.Resolver, rtype, host string) ([]string, error) {
	switch rtype {
	case RecordA, RecordAAAA:
		network := "ip4"
		if rtype == RecordAAAA {
			network = "ip6"
		}
		ips, err := r.LookupIP(ctx, network, host)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(ips))
		for i, ip := range ips {
			out[i] = ip.String()
		}
		return out, nil
	case RecordCNAME:
		cname, err := r.LookupCNAME(ctx, host)
		if err != nil {
			return nil, err
		}
		return []string{cname}, nil
	case RecordMX:
		mxs, err := r.LookupMX(ctx, host)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(mxs))
		for i, mx := range mxs {
			out[i] = fmt.Sprintf("%d %s", mx.Pref, mx.Host)
		}
		return out, nil
	case RecordTXT:
		return r.LookupTXT(ctx, host)
	}
	return nil, errors.Newf("unsupported record type %s", rtype)
}

func containsAnswer(answers []string, want string) bool {
	for _, a := range answers {
		if strings.Contains(a, want) {
			return true
		}
	}
	return false
}
