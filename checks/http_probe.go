package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/internal/httpclient"
	"github.com/teranos/checkrun/module"
)

// maxBodyBytes bounds how much of a response is read for matching.
const maxBodyBytes = 1 << 20

// HTTPProbeSettings configures one HTTP request per iteration.
type HTTPProbeSettings struct {
	URL            string            `json:"url" yaml:"url"`
	Method         string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body           string            `json:"body,omitempty" yaml:"body,omitempty"`
	ExpectStatus   []int             `json:"expect_status,omitempty" yaml:"expect_status,omitempty"`
	BodyContains   string            `json:"body_contains,omitempty" yaml:"body_contains,omitempty"`
	AbortOnStatus  []int             `json:"abort_on_status,omitempty" yaml:"abort_on_status,omitempty"`
	MaxRedirects   int               `json:"max_redirects,omitempty" yaml:"max_redirects,omitempty"`
	BlockPrivateIP bool              `json:"block_private_ip,omitempty" yaml:"block_private_ip,omitempty"`
}

func (s *HTTPProbeSettings) method() string {
	if s.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(s.Method)
}

func (s *HTTPProbeSettings) expected() []int {
	if len(s.ExpectStatus) == 0 {
		return []int{http.StatusOK}
	}
	return s.ExpectStatus
}

// HTTPProbe requests a URL and checks the status code and, optionally, the body.
// A status listed in AbortOnStatus aborts the whole run.
type HTTPProbe struct{}

// NewHTTPProbe creates the http_probe module.
func NewHTTPProbe() *HTTPProbe { return &HTTPProbe{} }

// client has no timeout of its own; the iteration context bounds each request.
func (p *HTTPProbe) client(s *HTTPProbeSettings) *httpclient.Client {
	return httpclient.New(0, httpclient.Options{
		MaxRedirects:   s.MaxRedirects,
		BlockPrivateIP: s.BlockPrivateIP,
	})
}

func (p *HTTPProbe) ID() string            { return "http_probe" }
func (p *HTTPProbe) DisplayName() string   { return "HTTP probe" }
func (p *HTTPProbe) Family() module.Family { return module.FamilyHTTP }
func (p *HTTPProbe) SettingsType() string  { return "HTTPProbeSettings" }

func (p *HTTPProbe) CreateDefaultSettings() json.RawMessage {
	return mustMarshal(HTTPProbeSettings{URL: "https://example.com", Method: http.MethodGet, ExpectStatus: []int{http.StatusOK}})
}

func (p *HTTPProbe) Validate(settings json.RawMessage) []string {
	var s HTTPProbeSettings
	if err := decode(settings, &s); err != nil {
		return []string{fmt.Sprintf("invalid http_probe settings: %v", err)}
	}

	var errs []string
	if s.URL == "" {
		errs = append(errs, "url is required")
	} else if _, err := p.client(&s).ValidateURL(s.URL); err != nil {
		errs = append(errs, fmt.Sprintf("url %q: %v", s.URL, err))
	}
	switch s.method() {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions, http.MethodPatch:
	default:
		errs = append(errs, fmt.Sprintf("method %q is not supported", s.Method))
	}
	for _, code := range append(s.expected(), s.AbortOnStatus...) {
		if code < 100 || code > 599 {
			errs = append(errs, fmt.Sprintf("status %d is not a valid HTTP status", code))
		}
	}
	return errs
}

func (p *HTTPProbe) Execute(ctx context.Context, settings json.RawMessage, ec *module.ExecutionContext) (*module.Result, error) {
	var s HTTPProbeSettings
	if err := decode(settings, &s); err != nil {
		return nil, errors.Wrap(err, "failed to decode http_probe settings")
	}
	log := ec.Log()

	var body io.Reader
	if s.Body != "" {
		body = strings.NewReader(s.Body)
	}
	req, err := http.NewRequestWithContext(ctx, s.method(), s.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.client(&s).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &checkError{kind: "Connection", err: errors.Wrapf(err, "%s %s", req.Method, s.URL)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	elapsed := time.Since(start)
	if err != nil {
		return nil, &checkError{kind: "Connection", err: errors.Wrap(err, "failed to read response body")}
	}
	log.Debugw("HTTP probe response", "url", s.URL, "status", resp.StatusCode, "bytes", len(data))

	if slices.Contains(s.AbortOnStatus, resp.StatusCode) {
		return nil, module.Abortf("%s returned %d", s.URL, resp.StatusCode)
	}

	res := &module.Result{}
	probe := module.NewProbe("request", s.URL, true, elapsed).With("status_code", resp.StatusCode)
	res.Entries = append(res.Entries, probe)

	statusOK := slices.Contains(s.expected(), resp.StatusCode)
	status := module.NewCheck("status", fmt.Sprintf("status is one of %v", s.expected()), statusOK, 0)
	if !statusOK {
		status = status.WithError(&checkError{kind: "HTTPStatus", err: errors.Newf("got status %d", resp.StatusCode)})
	}
	res.Entries = append(res.Entries, status)

	bodyOK := true
	if s.BodyContains != "" {
		bodyOK = strings.Contains(string(data), s.BodyContains)
		e := module.NewCheck("body", fmt.Sprintf("body contains %q", s.BodyContains), bodyOK, 0)
		if !bodyOK {
			e = e.WithError(&checkError{kind: "BodyMismatch", err: errors.Newf("body does not contain %q", s.BodyContains)})
		}
		res.Entries = append(res.Entries, e)
	}

	if (!statusOK || !bodyOK) && ec.Artifacts != nil && ec.Screenshots != module.ScreenshotsOff {
		name := fmt.Sprintf("http_probe_w%d_i%d", ec.WorkerID, ec.Iteration)
		if path, err := ec.Artifacts.SaveLog(ec.RunID, name, responseDump(resp, data)); err != nil {
			log.Warnw("Failed to save response log", "error", err)
		} else {
			res.Artifacts = append(res.Artifacts, module.Artifact{Type: module.ArtifactLog, Path: path, CreatedAt: time.Now().UTC()})
		}
	}

	res.Status = res.ResolveStatus()
	return res, nil
}

func responseDump(resp *http.Response, body []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", resp.Proto, resp.Status)
	for k, vs := range resp.Header {
		fmt.Fprintf(&b, "%s: %s\n", k, strings.Join(vs, ", "))
	}
	b.WriteString("\n")
	b.Write(body)
	return []byte(b.String())
}
