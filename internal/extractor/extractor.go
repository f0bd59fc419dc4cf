// Package extractor implements the seven per-product extractors named
// in spec.md §4.9 plus the supplemented eighth (review_reply). Each
// extractor takes its inputs from TaskContext and never re-fetches
// them. The orchestrator fills in the account's cookies and date
// window; Signature starts empty until the store-statistics extractor
// returns a refreshed signature, which is passed forward as a value.
// The orchestrator does not fill in Shops.
package extractor

import (
	"context"
	"time"

	"collectoragent/internal/coordinatorapi"
)

// Shop is one entry in an account's shop list.
type Shop struct {
	ShopID   string
	ShopName string
	Region   string
}

// TaskContext carries everything an extractor needs. It is passed by
// value, but the Cookies map and the Shops slice are shared, not
// copied, between the extractors of one task.
type TaskContext struct {
	Account       string
	Cookies       map[string]string
	Signature     string
	Shops         []Shop
	Platform      int // 0 = one brand, 1 = another
	DataStartDate string
	DataEndDate   string
	TabCtx        context.Context
}

// Result is the per-product outcome aggregated into the batch status
// report at the end of a task.
type Result struct {
	Product      string
	Status       int // 0 not-run, 2 success, 3 failed
	RecordCount  int
	ErrorMessage string
}

// Extractor is the per-product routine contract.
type Extractor interface {
	Name() string
	Run(ctx context.Context, tc TaskContext) (Result, *RefreshedSignature, error)
}

// RefreshedSignature is returned only by the store-statistics
// extractor, carrying the new mtgsig value forward to downstream
// extractors on the same account.
type RefreshedSignature struct {
	Signature string
}

// AuthInvalidError signals that an extractor observed an invalidation
// signal; the orchestrator handles it via the re-login path.
type AuthInvalidError struct {
	Account string
}

func (e *AuthInvalidError) Error() string { return "extractor: auth invalid for " + e.Account }

// newDeadline returns a context bounded by the given timeout,
// deriving from tc.TabCtx so navigation honors the page-nav contract.
func newDeadline(tc TaskContext, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(tc.TabCtx, timeout)
}

// uploadRows is a small shared helper: every extractor uploads its
// parsed rows to its own per-product coordinator endpoint.
func uploadRows(ctx context.Context, client *coordinatorapi.Client, product string, rows []map[string]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	return client.UploadRows(ctx, product, rows)
}
