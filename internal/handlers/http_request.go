package handlers

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/distjob/scheduler/internal/handlerregistry"
)

// httpClient is shared across HTTPRequest instances; per-attempt deadlines
// come from the context the worker pool passes to Execute, not from this
// client's own Timeout, which is only a safety net.
var httpClient = &http.Client{
	Timeout: 5 * time.Minute,
	Transport: &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	},
	CheckRedirect: func(_ *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("stopped after 10 redirects")
		}
		return nil
	},
}

// HTTPRequest is a handler that performs one outbound HTTP call, adapted
// from the teacher's job executor: params carry what used to be columns on
// the job row (method/url/headers/body) instead.
type HTTPRequest struct{}

type httpRequestParams struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type httpRequestResult struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

func (HTTPRequest) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p httpRequestParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("http_request: decode params: %w", err)
	}
	if p.Method == "" {
		p.Method = http.MethodPost
	}

	var bodyReader io.Reader
	if p.Body != "" {
		bodyReader = strings.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("http_request: build request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_request: do request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http_request: unexpected status code: %d", resp.StatusCode)
	}

	result, err := json.Marshal(httpRequestResult{StatusCode: resp.StatusCode, Body: string(body)})
	if err != nil {
		return nil, fmt.Errorf("http_request: encode result: %w", err)
	}
	return result, nil
}

// HTTPRequestFactory registers under the name "http_request".
func HTTPRequestFactory() handlerregistry.Handler { return HTTPRequest{} }
