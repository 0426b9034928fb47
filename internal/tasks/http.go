package tasks

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// HTTPConfig configures the HTTP tasks.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
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
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

const httpRequestOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// --- http.request ---

// HTTPRequestTask implements the "http.request" task.
type HTTPRequestTask struct {
	config HTTPConfig
}

// NewHTTPRequestTask creates a new http.request task.
func NewHTTPRequestTask(cfg HTTPConfig) *HTTPRequestTask {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequestTask{config: cfg}
}

func (t *HTTPRequestTask) Name() string { return "http.request" }

func (t *HTTPRequestTask) Schema() TaskSchema {
	return TaskSchema{
		Description:  "Execute an HTTP request with full control over method, headers, body, auth, and redirects.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (t *HTTPRequestTask) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (t *HTTPRequestTask) Execute(ctx context.Context, input TaskInput) (any, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := t.Validate(params); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	rawURL := stringParam(params, "url", "")
	bodyEncoding := stringParam(params, "body_encoding", "json")
	followRedirects := boolParam(params, "follow_redirects", true)
	maxRedirects := intParam(params, "max_redirects", 10)
	tlsSkipVerify := boolParam(params, "tls_skip_verify", false)
	failOnErrorStatus := boolParam(params, "fail_on_error_status", false)

	timeout := t.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := params["body"]; ok && rawBody != nil {
		switch bodyEncoding {
		case "form":
			formData, ok := rawBody.(map[string]any)
			if ok {
				vals := url.Values{}
				for k, v := range formData {
					vals.Set(k, fmt.Sprintf("%v", v))
				}
				bodyReader = strings.NewReader(vals.Encode())
				contentType = "application/x-www-form-urlencoded"
			}
		case "text":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
			contentType = "text/plain"
		case "raw":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
		default: // json
			b, err := json.Marshal(rawBody)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to marshal body as JSON").WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to create request").WithCause(err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if hdrs, ok := params["headers"]; ok {
		if hm, ok := hdrs.(map[string]any); ok {
			for k, v := range hm {
				req.Header.Set(k, fmt.Sprintf("%v", v))
			}
		}
	}

	if authRaw, ok := params["auth"]; ok {
		if auth, ok := authRaw.(map[string]any); ok {
			authType := stringParam(auth, "type", "")
			switch authType {
			case "bearer":
				token := stringParam(auth, "token", "")
				req.Header.Set("Authorization", "Bearer "+token)
			case "basic":
				username := stringParam(auth, "username", "")
				password := stringParam(auth, "password", "")
				req.SetBasicAuth(username, password)
			case "api_key":
				headerName := stringParam(auth, "header_name", "")
				headerValue := stringParam(auth, "header_value", "")
				if headerName != "" {
					req.Header.Set(headerName, headerValue)
				}
			}
		}
	}

	// Build client — always create a new client to avoid mutating shared state.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if maxRedirects > 0 {
		limit := maxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	limitedReader := io.LimitReader(resp.Body, t.config.MaxResponseBody)
	bodyBytes, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) == 0 {
		parsedBody = nil
	} else if strings.Contains(respContentType, "application/json") {
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	} else {
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if failOnErrorStatus && resp.StatusCode >= 400 {
		code := schema.ErrCodeNonRetryable
		if resp.StatusCode >= 500 {
			code = schema.ErrCodeExecution
		}
		return nil, schema.NewErrorf(code, "http.request: server returned %d", resp.StatusCode).
			WithDetails(result)
	}

	return result, nil
}

// --- http.get ---

// HTTPGetTask implements the "http.get" convenience task.
type HTTPGetTask struct {
	inner *HTTPRequestTask
}

// NewHTTPGetTask creates a new http.get task.
func NewHTTPGetTask(cfg HTTPConfig) *HTTPGetTask {
	return &HTTPGetTask{inner: NewHTTPRequestTask(cfg)}
}

func (t *HTTPGetTask) Name() string { return "http.get" }

func (t *HTTPGetTask) Schema() TaskSchema {
	return TaskSchema{
		Description:  "Convenience task for HTTP GET requests.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (t *HTTPGetTask) Validate(params map[string]any) error {
	return t.inner.Validate(params)
}

func (t *HTTPGetTask) Execute(ctx context.Context, input TaskInput) (any, error) {
	if input.Params == nil {
		input.Params = map[string]any{}
	}
	input.Params["method"] = "GET"
	return t.inner.Execute(ctx, input)
}

// --- http.post ---

// HTTPPostTask implements the "http.post" convenience task.
type HTTPPostTask struct {
	inner *HTTPRequestTask
}

// NewHTTPPostTask creates a new http.post task.
func NewHTTPPostTask(cfg HTTPConfig) *HTTPPostTask {
	return &HTTPPostTask{inner: NewHTTPRequestTask(cfg)}
}

func (t *HTTPPostTask) Name() string { return "http.post" }

func (t *HTTPPostTask) Schema() TaskSchema {
	return TaskSchema{
		Description:  "Convenience task for HTTP POST requests.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (t *HTTPPostTask) Validate(params map[string]any) error {
	return t.inner.Validate(params)
}

func (t *HTTPPostTask) Execute(ctx context.Context, input TaskInput) (any, error) {
	if input.Params == nil {
		input.Params = map[string]any{}
	}
	input.Params["method"] = "POST"
	return t.inner.Execute(ctx, input)
}
