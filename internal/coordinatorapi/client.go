// Package coordinatorapi implements the HTTP/JSON client for every
// endpoint in spec.md §6's coordinator table. Every call goes through
// the shared retry.Do helper so the §7 backoff contract is applied
// uniformly.
package coordinatorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"collectoragent/internal/logging"
	"collectoragent/internal/retry"
)

// breakerThreshold and breakerCooldown bound how many consecutive
// transient-network failures the coordinator client tolerates before
// it stops hammering a persistently failing endpoint and how long it
// waits before probing again.
const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// Client is the coordinator HTTP client.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logging.Logger
	policy  retry.Policy
	breaker *retry.Breaker
}

// New creates a Client with the given connect/overall timeouts.
func New(baseURL string, connectTimeout, overallTimeout time.Duration, log *logging.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&netDialer{timeout: connectTimeout}).DialContext,
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: overallTimeout, Transport: transport},
		log:     log,
		policy:  retry.DefaultPolicy(),
		breaker: retry.NewBreaker(breakerThreshold, breakerCooldown),
	}
}

// TaskLease is the lease payload returned by LeaseTask.
type TaskLease struct {
	ID             int64  `json:"id"`
	AccountID      string `json:"account_id"`
	TaskType       string `json:"task_type"`
	DataStartDate  string `json:"data_start_date"`
	DataEndDate    string `json:"data_end_date"`
}

type leaseResponse struct {
	Success bool       `json:"success"`
	Data    *TaskLease `json:"data"`
}

// GenerateSchedule posts the daily schedule-generation trigger.
func (c *Client) GenerateSchedule(ctx context.Context, taskDate, dataStart, dataEnd string) error {
	body := map[string]string{
		"task_date":       taskDate,
		"data_start_date": dataStart,
		"data_end_date":   dataEnd,
	}
	return c.postVoid(ctx, "/task/schedule/generate", body)
}

// LeaseTask requests one task for this host's public IP. A nil
// TaskLease (with no error) means no task is available.
func (c *Client) LeaseTask(ctx context.Context, serverIP string) (*TaskLease, error) {
	var resp leaseResponse
	if err := c.postJSON(ctx, "/task/lease", map[string]string{"server": serverIP}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Data == nil || resp.Data.ID == 0 {
		return nil, nil
	}
	return resp.Data, nil
}

// Callback reports the terminal outcome of a lease. status is 2
// (fully complete) or 3 (failed); retryAdd is 0 or 1.
func (c *Client) Callback(ctx context.Context, leaseID int64, status int, errorMessage string, retryAdd int) error {
	body := map[string]interface{}{
		"id":            leaseID,
		"status":        status,
		"error_message": errorMessage,
		"retry_add":     retryAdd,
	}
	return c.postVoid(ctx, "/task/callback", body)
}

// ResetLease returns a task to the queue, used when resource is CRITICAL.
func (c *Client) ResetLease(ctx context.Context, leaseID int64) error {
	return c.postVoid(ctx, "/task/schedule/reset", map[string]interface{}{"id": leaseID})
}

// RescheduleFailed re-queues eligible failed tasks.
func (c *Client) RescheduleFailed(ctx context.Context) error {
	return c.postVoid(ctx, "/task/schedule/reschedule_failed", nil)
}

// ProductStatus is one product's entry in a batch status report.
type ProductStatus struct {
	Product string
	Status  int // 0 not-run, 2 success, 3 failed
	Records int
	Error   string
}

// ReportBatchStatus reports the status of every product for a task's
// account and date window in one call.
func (c *Client) ReportBatchStatus(ctx context.Context, accountID, dataStart, dataEnd string, products []ProductStatus) error {
	body := map[string]interface{}{
		"account_id":      accountID,
		"data_start_date": dataStart,
		"data_end_date":   dataEnd,
	}
	for _, p := range products {
		body[p.Product+"_status"] = p.Status
		body[p.Product+"_records"] = p.Records
		body[p.Product+"_error"] = p.Error
	}
	return c.postVoid(ctx, "/account_task/update_batch", body)
}

// ReportSingleStatus reports the status of a single named task.
func (c *Client) ReportSingleStatus(ctx context.Context, accountID, dataStart, dataEnd, taskName string, status, recordCount int, errorMessage string) error {
	body := map[string]interface{}{
		"account_id":      accountID,
		"data_start_date": dataStart,
		"data_end_date":   dataEnd,
		"task_name":       taskName,
		"status":          status,
		"record_count":    recordCount,
		"error_message":   errorMessage,
	}
	return c.postVoid(ctx, "/account_task/update", body)
}

// LogRecord submits a single log-sink record. uploadStatus is 1
// (failure) or 2 (success).
func (c *Client) LogRecord(ctx context.Context, accountID, shopID, tableName, dataStart, dataEnd string, uploadStatus, recordCount int, errorMessage string) error {
	body := map[string]interface{}{
		"account_id":      accountID,
		"shop_id":         shopID,
		"table_name":      tableName,
		"data_date_start": dataStart,
		"data_date_end":   dataEnd,
		"upload_status":   uploadStatus,
		"record_count":    recordCount,
		"error_message":   errorMessage,
	}
	return c.postVoid(ctx, "/log", body)
}

// AccountInfo is the coordinator's view of an account's login state.
type AccountInfo struct {
	Cookie            string          `json:"cookie"`
	Mtgsig            string          `json:"mtgsig"`
	TemplatesID       int64           `json:"templates_id"`
	StoresJSON        json.RawMessage `json:"stores_json"`
	AuthStatus        string          `json:"auth_status"`
	CompareRegionsJSON json.RawMessage `json:"compareRegions_json"`
	BrandsJSON        json.RawMessage `json:"brands_json"`
}

// GetAccountInfo fetches the coordinator's record for account.
func (c *Client) GetAccountInfo(ctx context.Context, account string) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.postJSON(ctx, "/post/platform_accounts/get", map[string]string{"account": account}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ReportAccountInvalid marks an account's auth status as invalid.
func (c *Client) ReportAccountInvalid(ctx context.Context, account string) error {
	return c.postVoid(ctx, "/post/platform_accounts", map[string]string{
		"account":     account,
		"auth_status": "invalid",
	})
}

// WriteTemplateID writes a newly-provisioned template id back to both
// independent endpoints. At least one success is sufficient.
func (c *Client) WriteTemplateID(ctx context.Context, account string, templateID int64) error {
	err1 := c.postVoid(ctx, "/post/platform_accounts/template_id", map[string]interface{}{
		"account":     account,
		"templates_id": templateID,
	})
	err2 := c.postVoid(ctx, "/post/account_template/template_id", map[string]interface{}{
		"name":        account,
		"templates_id": templateID,
	})
	if err1 != nil && err2 != nil {
		return fmt.Errorf("both template id write-back endpoints failed: %v; %v", err1, err2)
	}
	return nil
}

// UploadRows posts a batch of already-shaped JSON rows to a
// per-product upload endpoint.
func (c *Client) UploadRows(ctx context.Context, product string, rows []map[string]interface{}) error {
	return c.postVoid(ctx, "/upload/"+product, rows)
}

// UploadCookies posts a refreshed cookie snapshot to one of the two
// independent cookie-upload endpoints (the cookiequeue.Uploader
// adapter below calls this once per endpoint).
func (c *Client) UploadCookies(ctx context.Context, endpointPath, account string, cookiesJSON string) error {
	return c.postVoid(ctx, endpointPath, map[string]string{
		"account":             account,
		"cookies_json":        cookiesJSON,
		"cookie_refreshed_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (c *Client) postVoid(ctx context.Context, path string, body interface{}) error {
	return c.postJSON(ctx, path, body, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	if !c.breaker.Allow() {
		return retry.Newf(retry.KindTransientNetwork, "coordinator %s: circuit open after repeated failures", path)
	}

	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return retry.New(retry.KindValidation, err)
			}
			reader = bytes.NewReader(buf)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
		if err != nil {
			return retry.New(retry.KindValidation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.New(retry.KindTransientNetwork, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.New(retry.KindTransientNetwork, err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retry.Newf(retry.KindTransientNetwork, "coordinator %s returned %d", path, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return retry.Newf(retry.KindValidation, "coordinator %s returned %d: %s", path, resp.StatusCode, string(data))
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return retry.New(retry.KindValidation, err)
			}
		}
		return nil
	})

	// The breaker only tracks transient-network failures; a validation
	// error (a malformed request, a 4xx response) says nothing about
	// whether the coordinator itself is healthy.
	switch {
	case err == nil:
		c.breaker.RecordSuccess()
	case retry.Classify(err) == retry.ClassTransient:
		c.breaker.RecordFailure()
	}
	return err
}
