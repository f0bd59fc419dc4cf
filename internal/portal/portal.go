// Package portal implements every extractor's and the template
// provisioner's view of the merchant portal itself: it drives the
// pooled browser tab for an account through the report-centre queue,
// the review export/listing flows, and the reply composer, the same
// Navigate+Evaluate pattern the traffic-analysis extractor uses
// directly. Centralizing these calls here keeps the extractors free
// of chromedp details beyond their own page parsing.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"collectoragent/internal/browserpool"
	"collectoragent/internal/extractor"
	"collectoragent/internal/template"
)

// Client drives portal-side workflows over a pooled browser tab.
type Client struct {
	pool       *browserpool.Pool
	navTimeout time.Duration
	baseURL    string
}

// New creates a portal Client bound to pool, rooted at baseURL (the
// same configured merchant-portal origin the extractors build their
// own URLs from).
func New(pool *browserpool.Pool, navTimeout time.Duration, baseURL string) *Client {
	return &Client{pool: pool, navTimeout: navTimeout, baseURL: baseURL}
}

func (c *Client) tab(ctx context.Context, account string) (context.Context, context.CancelFunc, error) {
	tabCtx, ok := c.pool.TabContext(account)
	if !ok {
		return nil, nil, fmt.Errorf("portal: no browser context for account %s", account)
	}
	navCtx, cancel := context.WithTimeout(tabCtx, c.navTimeout)
	return navCtx, cancel, nil
}

// GenerateReport queues a report-centre job for the given report kind
// and date window, returning the portal's job id.
func (c *Client) GenerateReport(ctx context.Context, account, reportKind, dataStart, dataEnd string) (string, error) {
	navCtx, cancel, err := c.tab(ctx, account)
	if err != nil {
		return "", err
	}
	defer cancel()

	url := fmt.Sprintf("%s/report-center/generate?kind=%s&start=%s&end=%s", c.baseURL, reportKind, dataStart, dataEnd)
	var jobID string
	err = chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.Evaluate(`(window.__REPORT_JOB__ && window.__REPORT_JOB__.id) || ""`, &jobID),
	)
	if err != nil {
		return "", err
	}
	if jobID == "" {
		return "", fmt.Errorf("portal: report-center generate returned no job id")
	}
	return jobID, nil
}

// PollReportReady checks a queued report-centre job's status.
func (c *Client) PollReportReady(ctx context.Context, account, jobID string) (bool, string, error) {
	navCtx, cancel, err := c.tab(ctx, account)
	if err != nil {
		return false, "", err
	}
	defer cancel()

	url := fmt.Sprintf("%s/report-center/status?job=%s", c.baseURL, jobID)
	var rawJSON string
	if err := chromedp.Run(navCtx, chromedp.Navigate(url), chromedp.Evaluate(`JSON.stringify(window.__REPORT_STATUS__ || {})`, &rawJSON)); err != nil {
		return false, "", err
	}
	var status struct {
		Ready       bool   `json:"ready"`
		DownloadURL string `json:"download_url"`
	}
	if err := json.Unmarshal([]byte(rawJSON), &status); err != nil {
		return false, "", err
	}
	return status.Ready, status.DownloadURL, nil
}

// TriggerExport starts a review export job for the given platform and
// date window.
func (c *Client) TriggerExport(ctx context.Context, account string, platform int, dataStart, dataEnd string) (string, error) {
	navCtx, cancel, err := c.tab(ctx, account)
	if err != nil {
		return "", err
	}
	defer cancel()

	url := fmt.Sprintf("%s/reviews/export?platform=%d&start=%s&end=%s", c.baseURL, platform, dataStart, dataEnd)
	var jobID string
	err = chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.Evaluate(`(window.__EXPORT_JOB__ && window.__EXPORT_JOB__.id) || ""`, &jobID),
	)
	if err != nil {
		return "", err
	}
	if jobID == "" {
		return "", fmt.Errorf("portal: review export returned no job id")
	}
	return jobID, nil
}

// WaitExportReady polls a review export job until a download URL is
// available or ctx is done.
func (c *Client) WaitExportReady(ctx context.Context, account, jobID string) (string, error) {
	for {
		navCtx, cancel, err := c.tab(ctx, account)
		if err != nil {
			return "", err
		}
		url := fmt.Sprintf("%s/reviews/export/status?job=%s", c.baseURL, jobID)
		var rawJSON string
		err = chromedp.Run(navCtx, chromedp.Navigate(url), chromedp.Evaluate(`JSON.stringify(window.__EXPORT_STATUS__ || {})`, &rawJSON))
		cancel()
		if err != nil {
			return "", err
		}
		var status struct {
			DownloadURL string `json:"download_url"`
		}
		if err := json.Unmarshal([]byte(rawJSON), &status); err != nil {
			return "", err
		}
		if status.DownloadURL != "" {
			return status.DownloadURL, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// ListTemplates lists the account's existing report templates,
// implementing template.PortalClient.
func (c *Client) ListTemplates(ctx context.Context, account string) ([]template.PortalTemplate, error) {
	navCtx, cancel, err := c.tab(ctx, account)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var rawJSON string
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(c.baseURL+"/report-center/templates"),
		chromedp.Evaluate(`JSON.stringify(window.__TEMPLATES__ || [])`, &rawJSON),
	); err != nil {
		return nil, err
	}
	var raw []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(rawJSON), &raw); err != nil {
		return nil, err
	}
	templates := make([]template.PortalTemplate, 0, len(raw))
	for _, t := range raw {
		templates = append(templates, template.PortalTemplate{ID: t.ID, Name: t.Name})
	}
	return templates, nil
}

// CreateTemplate creates a new report template bound to metricCodes,
// implementing template.PortalClient.
func (c *Client) CreateTemplate(ctx context.Context, account, name string, metricCodes []string) (int64, error) {
	navCtx, cancel, err := c.tab(ctx, account)
	if err != nil {
		return 0, err
	}
	defer cancel()

	codesJSON, err := json.Marshal(metricCodes)
	if err != nil {
		return 0, err
	}
	script := fmt.Sprintf(`JSON.stringify(window.__createReportTemplate(%q, %s))`, name, string(codesJSON))
	var rawJSON string
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(c.baseURL+"/report-center/templates/new"),
		chromedp.Evaluate(script, &rawJSON),
	); err != nil {
		return 0, err
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(rawJSON), &created); err != nil {
		return 0, err
	}
	if created.ID == 0 {
		return 0, fmt.Errorf("portal: template creation returned no id")
	}
	return created.ID, nil
}

// ListUnreplied lists reviews awaiting a reply, implementing
// extractor.ReviewReplyClient.
func (c *Client) ListUnreplied(ctx context.Context, account string) ([]extractor.UnrepliedReview, error) {
	navCtx, cancel, err := c.tab(ctx, account)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var rawJSON string
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(c.baseURL+"/reviews/unreplied"),
		chromedp.Evaluate(`JSON.stringify(window.__UNREPLIED__ || [])`, &rawJSON),
	); err != nil {
		return nil, err
	}
	var raw []struct {
		ReviewID string `json:"review_id"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal([]byte(rawJSON), &raw); err != nil {
		return nil, err
	}
	reviews := make([]extractor.UnrepliedReview, 0, len(raw))
	for _, r := range raw {
		reviews = append(reviews, extractor.UnrepliedReview{ReviewID: r.ReviewID, Content: r.Content})
	}
	return reviews, nil
}

// PostReply submits a reply to a single review, implementing
// extractor.ReviewReplyClient.
func (c *Client) PostReply(ctx context.Context, account, reviewID, reply string) error {
	navCtx, cancel, err := c.tab(ctx, account)
	if err != nil {
		return err
	}
	defer cancel()

	script := fmt.Sprintf(`JSON.stringify(window.__postReviewReply(%q, %q))`, reviewID, reply)
	var rawJSON string
	if err := chromedp.Run(navCtx,
		chromedp.Evaluate(script, &rawJSON),
	); err != nil {
		return err
	}
	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal([]byte(rawJSON), &result); err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("portal: reply post rejected for review %s", reviewID)
	}
	return nil
}

// DefaultReplyComposer is the fallback extractor.ReplyComposer: a
// fixed acknowledgement used when no moderation/templating service is
// configured.
type DefaultReplyComposer struct {
	Template string
}

// Compose implements extractor.ReplyComposer.
func (d DefaultReplyComposer) Compose(review extractor.UnrepliedReview) string {
	if d.Template == "" {
		return "Thank you for your feedback!"
	}
	return d.Template
}
