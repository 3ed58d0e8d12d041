package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HttpClient is a thin, provider-agnostic HTTP transport. Adapters build a
// generic Request, hand it here, and get back a generic Response (or, for
// streaming calls, a StreamDecoder). One HttpClient is shared process-wide
// per base URL / proxy configuration, matching the teacher's one-pool-per-
// destination convention.
type HttpClient struct {
	client *http.Client
}

// Option configures a HttpClient.
type Option func(*HttpClient)

// WithTimeout sets the overall request timeout. Per-request cancellation
// still flows through context.
func WithTimeout(d time.Duration) Option {
	return func(c *HttpClient) { c.client.Timeout = d }
}

// WithTransport overrides the underlying http.RoundTripper, e.g. to apply a
// ProxyConfig.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *HttpClient) { c.client.Transport = rt }
}

// NewHttpClient builds a HttpClient with sane defaults.
func NewHttpClient(opts ...Option) *HttpClient {
	c := &HttpClient{
		client: &http.Client{Timeout: 120 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Do performs a non-streaming request.
func (c *HttpClient) Do(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := c.BuildHttpRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	resp := &Response{
		StatusCode:  httpResp.StatusCode,
		Headers:     httpResp.Header,
		Body:        body,
		Request:     req,
		RawResponse: httpResp,
		RawRequest:  httpReq,
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		return resp, &StatusError{StatusCode: httpResp.StatusCode, Body: body}
	}

	return resp, nil
}

// DoStream performs a streaming request and returns a decoder over the
// response body. The caller owns the returned decoder and must Close it.
func (c *HttpClient) DoStream(ctx context.Context, req *Request) (StreamDecoder, error) {
	if req.Headers == nil {
		req.Headers = http.Header{}
	}

	req.Headers.Set("Accept", "text/event-stream")

	httpReq, err := c.BuildHttpRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq) //nolint:bodyclose // closed by decoder.Close or on error below.
	if err != nil {
		return nil, fmt.Errorf("http stream request failed: %w", err)
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()

		return nil, &StatusError{StatusCode: httpResp.StatusCode, Body: body}
	}

	contentType := httpResp.Header.Get("Content-Type")

	factory, ok := GetDecoder(contentType)
	if !ok {
		factory = NewDefaultSSEDecoder
	}

	return factory(ctx, httpResp.Body), nil
}

// BuildHttpRequest translates a generic Request into a *http.Request,
// applying query parameters, headers, body, and auth.
func (c *HttpClient) BuildHttpRequest(ctx context.Context, req *Request) (*http.Request, error) {
	rawURL := req.URL

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", rawURL, err)
	}

	if len(req.Query) > 0 {
		q := parsed.Query()

		for key, values := range req.Query {
			for _, v := range values {
				q.Add(key, v)
			}
		}

		parsed.RawQuery = q.Encode()
	}

	var bodyReader *bytes.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, parsed.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build http request: %w", err)
	}

	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	if req.Auth != nil {
		if err := applyAuth(httpReq.Header, req.Auth); err != nil {
			return nil, err
		}
	}

	return httpReq, nil
}

// applyAuth attaches credentials to outbound headers per AuthConfig.Type.
func applyAuth(headers http.Header, auth *AuthConfig) error {
	switch auth.Type {
	case AuthTypeBearer:
		if auth.APIKey == "" {
			return fmt.Errorf("bearer token is required")
		}

		headers.Set("Authorization", "Bearer "+auth.APIKey)
	case AuthTypeAPIKey:
		if auth.HeaderKey == "" {
			return fmt.Errorf("header key is required")
		}

		headers.Set(auth.HeaderKey, auth.APIKey)
	case "":
		// no authentication configured.
	default:
		return fmt.Errorf("unsupported auth type: %s", auth.Type)
	}

	return nil
}

// extractHeaders collapses a http.Header into a single-value map, taking
// the first value of any multi-value header.
func (c *HttpClient) extractHeaders(headers http.Header) map[string]string {
	result := make(map[string]string, len(headers))

	for key, values := range headers {
		if len(values) == 0 {
			continue
		}

		result[key] = values[0]
	}

	return result
}

// StatusError wraps a non-2xx HTTP response so provider adapters can
// classify it against the error taxonomy (retriable 5xx vs terminal 4xx).
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, string(e.Body))
}
