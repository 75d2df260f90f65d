// Package ledger submits analysis results to the MRV / carbon credit service
// and reads credit balances back from it.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/arnvptl/BlueLock/internal/models"
)

// ErrRequestFailed is returned when the ledger answered with a non-2xx status
// or could not be reached after every retry.
var ErrRequestFailed = errors.New("ledger request failed")

const (
	mrvUploadPath   = "/mrv/upload"
	batchUploadPath = "/mrv/batch-upload"
)

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string

	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// RetryDelay is the base delay; attempt n waits n times this long
	RetryDelay time.Duration

	Timeout time.Duration
}

// Response is the decoded JSON body the ledger answered with.
type Response map[string]any

// ID returns the record id of a response, looking at the common shapes the
// service uses.
func (r Response) ID() string {
	for _, key := range []string{"id", "mrvDataId", "_id"} {
		if v, ok := r[key].(string); ok && v != "" {
			return v
		}
	}
	if data, ok := r["data"].(map[string]any); ok {
		return Response(data).ID()
	}
	return ""
}

// Client talks to the ledger REST API with retries.
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
	logger  logrus.FieldLogger
	outbox  *Outbox
	now     func() time.Time
}

// NewClient creates a ledger client. Failed MRV submissions are queued in
// an outbox and retried by FlushOutbox.
func NewClient(opts Options, logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.MaxRetries
	rc.RetryWaitMin = opts.RetryDelay
	rc.RetryWaitMax = opts.RetryDelay * time.Duration(opts.MaxRetries+1)
	rc.Backoff = linearBackoff
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil
	if opts.Timeout > 0 {
		rc.HTTPClient.Timeout = opts.Timeout
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    rc,
		logger:  logger.WithField("component", "ledger"),
		outbox:  NewOutbox(),
		now:     time.Now,
	}
}

// linearBackoff waits min, 2*min, 3*min ... capped at max.
func linearBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	wait := min * time.Duration(attemptNum+1)
	if wait > max {
		wait = max
	}
	return wait
}

// Outbox returns the queue of submissions waiting to be resent.
func (c *Client) Outbox() *Outbox {
	return c.outbox
}

// SubmitMRV uploads the MRV record of an analysis. On failure the record is
// queued in the outbox before the error is returned.
func (c *Client) SubmitMRV(ctx context.Context, res *models.AnalysisResult) (Response, error) {
	payload := NewMRVPayload(res)
	resp, err := c.do(ctx, http.MethodPost, mrvUploadPath, payload)
	if err != nil {
		c.outbox.Add(res.ID, mrvUploadPath, payload)
		c.logger.WithField("analysis_id", res.ID).WithError(err).Warn("MRV upload failed, queued for retry")
		return nil, err
	}

	c.logger.WithField("analysis_id", res.ID).Info("MRV data uploaded")
	return resp, nil
}

// SubmitBatch uploads every result of a batch in one request. Like
// SubmitMRV it queues the upload when it fails.
func (c *Client) SubmitBatch(ctx context.Context, batch *models.BatchResult) (Response, error) {
	payload := NewBatchUpload(batch, c.now())
	resp, err := c.do(ctx, http.MethodPost, batchUploadPath, payload)
	if err != nil {
		c.outbox.Add(batch.BatchID, batchUploadPath, payload)
		c.logger.WithField("batch_id", batch.BatchID).WithError(err).Warn("batch upload failed, queued for retry")
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"batch_id": batch.BatchID,
		"analyses": len(batch.Results),
	}).Info("batch data uploaded")
	return resp, nil
}

// MintCredits asks the ledger to mint carbon credits.
func (c *Client) MintCredits(ctx context.Context, req MintRequest) (Response, error) {
	return c.do(ctx, http.MethodPost, "/credits/mint", req)
}

// RegisterProject registers a new monitored project.
func (c *Client) RegisterProject(ctx context.Context, req ProjectRegistration) (Response, error) {
	return c.do(ctx, http.MethodPost, "/projects/register", req)
}

// ProjectCredits returns the credits issued for a project.
func (c *Client) ProjectCredits(ctx context.Context, projectID string) (Response, error) {
	return c.do(ctx, http.MethodGet, "/credits/project/"+url.PathEscape(projectID), nil)
}

// TotalSupply returns the total credit supply.
func (c *Client) TotalSupply(ctx context.Context) (Response, error) {
	return c.do(ctx, http.MethodGet, "/credits/supply", nil)
}

// Health reports whether the ledger is reachable and healthy.
func (c *Client) Health(ctx context.Context) (Response, error) {
	return c.do(ctx, http.MethodGet, "/health", nil)
}

// FlushOutbox resubmits queued uploads. Records that fail again stay
// queued, as do records queued again while their resend was in flight. It
// returns how many were delivered.
func (c *Client) FlushOutbox(ctx context.Context) int {
	sent := 0
	for _, entry := range c.outbox.Pending() {
		if ctx.Err() != nil {
			break
		}
		if _, err := c.do(ctx, http.MethodPost, entry.Endpoint, entry.Payload); err != nil {
			c.outbox.Failed(entry.Key)
			c.logger.WithFields(logrus.Fields{
				"key":      entry.Key,
				"endpoint": entry.Endpoint,
			}).WithError(err).Debug("outbox resend failed")
			continue
		}
		if !c.outbox.Delivered(entry.Key, entry.Version) {
			c.logger.WithField("key", entry.Key).Debug("outbox entry requeued during resend")
		}
		sent++
	}

	if sent > 0 {
		c.logger.WithFields(logrus.Fields{"sent": sent, "remaining": c.outbox.Len()}).Info("flushed ledger outbox")
	}
	return sent
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any) (Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", endpoint, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "BlueLock-Drone-Analysis/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrRequestFailed, method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %v", ErrRequestFailed, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s %s: status %d: %s", ErrRequestFailed, method, endpoint,
			resp.StatusCode, strings.TrimSpace(string(data)))
	}

	out := Response{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding %s response: %v", ErrRequestFailed, endpoint, err)
	}
	return out, nil
}
