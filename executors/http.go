package executors

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/deepnoodle-ai/workgraph"
	"github.com/deepnoodle-ai/workgraph/retry"
)

// HTTPInput defines the parameters of an http unit
type HTTPInput struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
	JSONPayload map[string]any    `json:"json_payload"`
	// ExpectStatus lists acceptable status codes. Empty accepts any 2xx.
	ExpectStatus []int `json:"expect_status"`
}

// HTTPOutput is the output of an http unit
type HTTPOutput struct {
	StatusCode   int               `json:"status_code"`
	Status       string            `json:"status"`
	Headers      map[string]string `json:"headers"`
	Body         string            `json:"body"`
	JSONResponse any               `json:"json_response,omitempty"`
}

// HTTPExecutor makes an HTTP request. Server errors and throttling are
// retryable failures; other unexpected statuses are fatal.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor returns an http executor. A nil client uses
// http.DefaultClient; the unit timeout bounds each request.
func NewHTTPExecutor(client *http.Client) workgraph.Executor {
	if client == nil {
		client = http.DefaultClient
	}
	return workgraph.NewTypedExecutor(&HTTPExecutor{client: client})
}

func (e *HTTPExecutor) Kind() string {
	return "http"
}

func (e *HTTPExecutor) Execute(ctx context.Context, params HTTPInput) (HTTPOutput, error) {
	if params.URL == "" {
		return HTTPOutput{}, workgraph.NewFatalError(fmt.Errorf("url cannot be empty"))
	}
	if params.Method == "" {
		params.Method = http.MethodGet
	}

	var body io.Reader
	if params.JSONPayload != nil {
		data, err := json.Marshal(params.JSONPayload)
		if err != nil {
			return HTTPOutput{}, workgraph.NewFatalError(fmt.Errorf("failed to marshal JSON payload: %w", err))
		}
		body = bytes.NewReader(data)
	} else if params.Body != "" {
		body = strings.NewReader(params.Body)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(params.Method), params.URL, body)
	if err != nil {
		return HTTPOutput{}, workgraph.NewFatalError(fmt.Errorf("failed to create request: %w", err))
	}
	for key, value := range params.Headers {
		req.Header.Set(key, value)
	}
	if params.JSONPayload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return HTTPOutput{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return HTTPOutput{}, fmt.Errorf("failed to read response body: %w", err)
	}
	output := HTTPOutput{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(data),
		Headers:    make(map[string]string, len(resp.Header)),
	}
	for key, values := range resp.Header {
		if len(values) > 0 {
			output.Headers[key] = values[0]
		}
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			output.JSONResponse = decoded
		}
	}

	if expected(params.ExpectStatus, resp.StatusCode) {
		return output, nil
	}
	statusErr := fmt.Errorf("unexpected status %s from %s", resp.Status, params.URL)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || retry.IsRecoverable(statusErr) {
		return output, statusErr
	}
	return output, workgraph.NewFatalError(statusErr)
}

func expected(codes []int, code int) bool {
	if len(codes) == 0 {
		return code >= 200 && code < 300
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
