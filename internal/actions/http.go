package actions

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// HTTPConfig configures the HTTP actions.
type HTTPConfig struct {
	MaxResponseBody int64         `mapstructure:"max_response_body"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	defaultUserAgent       = "hookflow"
)

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "enum": ["GET","POST","PUT","PATCH","DELETE","HEAD"]},
    "url": {"type": "string", "minLength": 1},
    "headers": {"type": "object", "additionalProperties": {"type": ["string","number","boolean"]}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text"]},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": ["string","integer"]},
    "follow_redirects": {"type": "boolean"},
    "max_redirects": {"type": "integer", "minimum": 0},
    "tls_skip_verify": {"type": "boolean"},
    "fail_on_error_status": {"type": "boolean"}
  },
  "required": ["url"]
}`

const httpRequestOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// HTTPRequestAction implements the "http.request" action. Transport errors,
// 408, 429 and 5xx responses are retryable; other 4xx responses are terminal.
type HTTPRequestAction struct {
	config HTTPConfig
	method string
	name   string
}

// NewHTTPRequestAction creates a new http.request action.
func NewHTTPRequestAction(cfg HTTPConfig) *HTTPRequestAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &HTTPRequestAction{config: cfg, name: "http.request"}
}

// NewHTTPGetAction creates the "http.get" convenience action.
func NewHTTPGetAction(cfg HTTPConfig) *HTTPRequestAction {
	a := NewHTTPRequestAction(cfg)
	a.name, a.method = "http.get", http.MethodGet
	return a
}

// NewHTTPPostAction creates the "http.post" convenience action.
func NewHTTPPostAction(cfg HTTPConfig) *HTTPRequestAction {
	a := NewHTTPRequestAction(cfg)
	a.name, a.method = "http.post", http.MethodPost
	return a
}

func (a *HTTPRequestAction) Name() string { return a.name }

func (a *HTTPRequestAction) Schema() ActionSchema {
	desc := "Call an HTTP endpoint with method, headers, body and auth."
	if a.method != "" {
		desc = fmt.Sprintf("Convenience action for HTTP %s requests.", a.method)
	}
	return ActionSchema{
		Description:  desc,
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (a *HTTPRequestAction) Validate(config map[string]any) error {
	rawURL := stringParam(config, "url", "")
	if rawURL == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required config 'url'", a.name)
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid url", a.name)
	}
	if _, err := durationParam(config, "timeout", 0); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", a.name, err.Error())
	}
	return nil
}

func (a *HTTPRequestAction) Execute(ctx context.Context, input ActionInput) (*Result, error) {
	cfg := input.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := a.Validate(cfg); err != nil {
		return nil, Terminal(err)
	}

	method := a.method
	if method == "" {
		method = strings.ToUpper(stringParam(cfg, "method", http.MethodGet))
	}
	rawURL := stringParam(cfg, "url", "")
	timeout, _ := durationParam(cfg, "timeout", a.config.DefaultTimeout)

	body, contentType, err := encodeBody(cfg)
	if err != nil {
		return nil, Terminal(schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", a.name, err.Error()).WithCause(err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, Terminal(schema.NewErrorf(schema.ErrCodeValidation, "%s: build request", a.name).WithCause(err))
	}
	req.Header.Set("User-Agent", a.config.UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	applyAuth(req, cfg)

	start := time.Now()
	resp, err := a.client(cfg).Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		// Cancellation by the caller is not a transport fault.
		if ctx.Err() != nil {
			return nil, Terminal(schema.NewErrorf(schema.ErrCodeCancelled, "%s: request aborted", a.name).WithCause(ctx.Err()))
		}
		return nil, Retryable(schema.NewErrorf(schema.ErrCodeActionFailed, "%s: request failed", a.name).WithCause(err))
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, Retryable(schema.NewErrorf(schema.ErrCodeActionFailed, "%s: read response body", a.name).WithCause(err))
	}

	respContentType := resp.Header.Get("Content-Type")
	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	out := map[string]any{
		"status_code":  resp.StatusCode,
		"headers":      respHeaders,
		"body":         decodeBody(bodyBytes, respContentType),
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if boolParam(cfg, "fail_on_error_status", true) && resp.StatusCode >= 400 {
		details := map[string]any{"status_code": resp.StatusCode}
		if retryableStatus(resp.StatusCode) {
			return nil, Retryable(schema.NewErrorf(schema.ErrCodeActionFailed,
				"%s: server returned %d", a.name, resp.StatusCode).WithDetails(details))
		}
		return nil, Terminal(schema.NewErrorf(schema.ErrCodeNonRetryable,
			"%s: server returned %d", a.name, resp.StatusCode).WithDetails(details))
	}

	return jsonResult(out)
}

func (a *HTTPRequestAction) client(cfg map[string]any) *http.Client {
	// A new client per call keeps per-request TLS and redirect settings isolated.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolParam(cfg, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !boolParam(cfg, "follow_redirects", true) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if limit := intParam(cfg, "max_redirects", 10); limit > 0 {
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return client
}

func encodeBody(cfg map[string]any) (io.Reader, string, error) {
	raw, ok := cfg["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch stringParam(cfg, "body_encoding", "json") {
	case "form":
		form, ok := raw.(map[string]any)
		if !ok {
			return nil, "", errors.New("form body must be an object")
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", raw)), "text/plain", nil
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", fmt.Errorf("marshal body: %w", err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, cfg map[string]any) {
	auth, ok := cfg["auth"].(map[string]any)
	if !ok {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

func decodeBody(b []byte, contentType string) any {
	if len(b) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
