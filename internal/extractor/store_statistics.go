package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"collectoragent/internal/auth"
	"collectoragent/internal/coordinatorapi"
)

const storeStatisticsTimeout = 60 * time.Second

// StoreStatisticsExtractor parses the in-page traffic-analysis JSON
// blob via a CDP Evaluate call and refreshes mtgsig for downstream
// extractors on the same account.
type StoreStatisticsExtractor struct {
	coordinator   *coordinatorapi.Client
	trafficPageURL string
}

// NewStoreStatisticsExtractor creates the traffic-analysis extractor.
func NewStoreStatisticsExtractor(coordinator *coordinatorapi.Client, trafficPageURL string) *StoreStatisticsExtractor {
	return &StoreStatisticsExtractor{coordinator: coordinator, trafficPageURL: trafficPageURL}
}

func (e *StoreStatisticsExtractor) Name() string { return "store_statistics" }

type trafficPayload struct {
	Rows []map[string]interface{} `json:"rows"`
}

func (e *StoreStatisticsExtractor) Run(ctx context.Context, tc TaskContext) (Result, *RefreshedSignature, error) {
	navCtx, cancel := newDeadline(tc, storeStatisticsTimeout)
	defer cancel()

	var finalURL, rawJSON string
	err := chromedp.Run(navCtx,
		chromedp.Navigate(withSignature(e.trafficPageURL, tc.Signature)),
		chromedp.Location(&finalURL),
		chromedp.Evaluate(`JSON.stringify(window.__TRAFFIC_DATA__ || {rows: []})`, &rawJSON),
	)
	if err != nil {
		return Result{Product: e.Name(), Status: 3, ErrorMessage: err.Error()}, nil, err
	}

	signal := auth.Signal{FinalURL: finalURL, BodyLength: len(rawJSON)}
	if signal.IsInvalidation() {
		return Result{Product: e.Name(), Status: 3}, nil, &AuthInvalidError{Account: tc.Account}
	}

	var payload trafficPayload
	if err := json.Unmarshal([]byte(rawJSON), &payload); err != nil {
		return Result{Product: e.Name(), Status: 3, ErrorMessage: err.Error()}, nil, err
	}

	if err := uploadRows(ctx, e.coordinator, e.Name(), payload.Rows); err != nil {
		return Result{Product: e.Name(), Status: 3, ErrorMessage: err.Error()}, nil, err
	}

	newSig := synthesizeSignature()
	return Result{Product: e.Name(), Status: 2, RecordCount: len(payload.Rows)}, &RefreshedSignature{Signature: newSig}, nil
}

// synthesizeSignature produces a well-formed mtgsig from the current
// millisecond timestamp when the coordinator-provided token is empty
// or needs refreshing, per spec.md §8's boundary behaviour.
func synthesizeSignature() string {
	ms := time.Now().UnixMilli()
	return fmt.Sprintf("ts%d", ms)
}

func withSignature(url, sig string) string {
	if sig == "" {
		sig = synthesizeSignature()
	}
	sep := "?"
	for i := 0; i < len(url); i++ {
		if url[i] == '?' {
			sep = "&"
			break
		}
	}
	return url + sep + "mtgsig=" + sig
}
