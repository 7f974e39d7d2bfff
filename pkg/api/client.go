package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/factlens/desktop/internal/httputil"
	"github.com/factlens/desktop/internal/logging"
	"github.com/factlens/desktop/pkg/models"
)

var log = logging.L("api")

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 * 1024

// Client talks to the analysis service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	probeRetry httputil.RetryConfig
}

// NewClient builds a client for baseURL. timeout bounds a single request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		probeRetry: httputil.DefaultRetryConfig(),
	}
}

// SetProbeRetry overrides the retry policy used by Probe.
func (c *Client) SetProbeRetry(cfg httputil.RetryConfig) {
	c.probeRetry = cfg
}

// BaseURL returns the configured service root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Analyze posts the payload to /analyze exactly once. Every error returned is
// a *models.TransportError.
func (c *Client) Analyze(ctx context.Context, p *models.Payload) (*models.AnalysisResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(p.Data))
	if err != nil {
		return nil, models.NewTransportError(models.KindServerUnreachable, "build request: %v", err)
	}
	req.Header.Set("Content-Type", p.ContentType)
	req.Header.Set("Accept", "application/json")
	req.ContentLength = int64(len(p.Data))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unreachable(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unreachable(err)
	}

	log.Debug("analysis response",
		logging.KeySessionID, p.SessionID,
		"status", resp.StatusCode,
		logging.KeyBytes, len(p.Data),
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &models.TransportError{
			Kind:    models.KindServerError,
			Status:  resp.StatusCode,
			Message: errorMessage(body, resp.StatusCode),
		}
	}

	result, err := models.DecodeAnalysisResult(body)
	if err != nil {
		var reported *models.ErrServiceReported
		if errors.As(err, &reported) {
			return nil, &models.TransportError{
				Kind:    models.KindServerError,
				Status:  resp.StatusCode,
				Message: reported.Message,
			}
		}
		return nil, models.NewTransportError(models.KindProtocolError, "%v", err)
	}
	return result, nil
}

// Probe checks that the service answers GET /. It retries transient failures
// because it is not part of a recording session.
func (c *Client) Probe(ctx context.Context) error {
	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, c.baseURL+"/", nil, nil, c.probeRetry)
	if err != nil {
		return unreachable(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &models.TransportError{
			Kind:    models.KindServerError,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("liveness check returned %s", http.StatusText(resp.StatusCode)),
		}
	}
	return nil
}

// unreachable classifies a transport-level failure.
func unreachable(err error) *models.TransportError {
	msg := err.Error()
	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "request timed out"
	case errors.Is(err, context.Canceled):
		msg = "request cancelled"
	case errors.As(err, &dnsErr):
		msg = "cannot resolve " + dnsErr.Name
	case errors.As(err, &opErr) && opErr.Op == "dial":
		msg = "connection refused"
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() && msg == err.Error() {
		msg = "request timed out"
	}
	return &models.TransportError{Kind: models.KindServerUnreachable, Message: msg}
}

// errorMessage extracts {"error": "..."} from a failed response, falling back
// to a trimmed excerpt of the body.
func errorMessage(body []byte, status int) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	if text == "" {
		return http.StatusText(status)
	}
	return text
}
