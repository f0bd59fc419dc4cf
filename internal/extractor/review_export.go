package extractor

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"collectoragent/internal/coordinatorapi"
	"collectoragent/internal/retry"
)

// ReviewExportClient drives the portal's export-trigger-and-wait
// review download flow.
type ReviewExportClient interface {
	TriggerExport(ctx context.Context, account string, platform int, dataStart, dataEnd string) (jobID string, err error)
	WaitExportReady(ctx context.Context, account, jobID string) (downloadURL string, err error)
}

// ReviewExportExtractor implements the two export-trigger-and-download
// review extractors (as distinct from the two listing-scrape ones).
type ReviewExportExtractor struct {
	product     string
	platform    int
	client      ReviewExportClient
	httpClient  *http.Client
	coordinator *coordinatorapi.Client
	downloadDir string
}

// NewReviewExportExtractor creates one of the two export-based review
// extractors.
func NewReviewExportExtractor(product string, platform int, client ReviewExportClient, httpClient *http.Client, coordinator *coordinatorapi.Client, downloadDir string) *ReviewExportExtractor {
	return &ReviewExportExtractor{product: product, platform: platform, client: client, httpClient: httpClient, coordinator: coordinator, downloadDir: downloadDir}
}

func (e *ReviewExportExtractor) Name() string { return e.product }

func (e *ReviewExportExtractor) Run(ctx context.Context, tc TaskContext) (Result, *RefreshedSignature, error) {
	if tc.Platform != e.platform {
		return Result{Product: e.product, Status: 0}, nil, nil
	}

	jobID, err := e.client.TriggerExport(ctx, tc.Account, e.platform, tc.DataStartDate, tc.DataEndDate)
	if err != nil {
		return Result{Product: e.product, Status: 3, ErrorMessage: err.Error()}, nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	url, err := e.client.WaitExportReady(waitCtx, tc.Account, jobID)
	if err != nil {
		return Result{Product: e.product, Status: 3, ErrorMessage: err.Error()}, nil, err
	}

	path, err := e.download(ctx, url, tc)
	if err != nil {
		return Result{Product: e.product, Status: 3, ErrorMessage: err.Error()}, nil, err
	}
	defer os.Remove(path)

	rows, err := parseCSVGeneric(path)
	if err != nil {
		return Result{Product: e.product, Status: 3, ErrorMessage: err.Error()}, nil, err
	}
	if err := uploadRows(ctx, e.coordinator, e.product, rows); err != nil {
		return Result{Product: e.product, Status: 3, ErrorMessage: err.Error()}, nil, err
	}
	return Result{Product: e.product, Status: 2, RecordCount: len(rows)}, nil, nil
}

func (e *ReviewExportExtractor) download(ctx context.Context, url string, tc TaskContext) (string, error) {
	dlCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", retry.New(retry.KindValidation, err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", retry.New(retry.KindTransientNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", retry.Newf(retry.KindArtifactInvalid, "export download returned %d", resp.StatusCode)
	}
	if err := os.MkdirAll(e.downloadDir, 0o755); err != nil {
		return "", retry.New(retry.KindProgrammer, err)
	}
	path := filepath.Join(e.downloadDir, fmt.Sprintf("%s_%s_%s_%s.csv", e.product, tc.Account, tc.DataStartDate, tc.DataEndDate))
	f, err := os.Create(path)
	if err != nil {
		return "", retry.New(retry.KindProgrammer, err)
	}
	defer f.Close()
	if _, err := f.ReadFrom(resp.Body); err != nil {
		return "", retry.New(retry.KindTransientNetwork, err)
	}
	return path, nil
}

func parseCSVGeneric(path string) ([]map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, retry.New(retry.KindArtifactInvalid, err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, retry.New(retry.KindArtifactInvalid, err)
	}
	if len(records) < 2 {
		return nil, retry.New(retry.KindArtifactInvalid, fmt.Errorf("export has no data rows"))
	}
	header := records[0]
	rows := make([]map[string]interface{}, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]interface{}, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
