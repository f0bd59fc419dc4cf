package extractor

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"collectoragent/internal/coordinatorapi"
)

// ReviewListingExtractor scrapes a paginated review listing page with
// an HTML collector running over the account's cookie-authenticated
// client, grounded on the teacher's internal/crawler/crawler.go colly
// construction (trimmed of its link-discovery/traffic-simulation
// concerns: this extractor visits a known set of listing pages, it
// does not crawl outward).
type ReviewListingExtractor struct {
	product    string
	listingURL string
	platform   int
	maxPages   int
	coordinator *coordinatorapi.Client
}

// NewReviewListingExtractor creates one of the two listing-scrape
// review extractors. platform (0 or 1, per spec.md §6) is the brand
// this extractor serves: Run returns status 0 without scraping when the
// task's Platform differs. The listing URL does not depend on it.
func NewReviewListingExtractor(product, listingURL string, platform, maxPages int, coordinator *coordinatorapi.Client) *ReviewListingExtractor {
	return &ReviewListingExtractor{product: product, listingURL: listingURL, platform: platform, maxPages: maxPages, coordinator: coordinator}
}

func (e *ReviewListingExtractor) Name() string { return e.product }

type reviewRow struct {
	ReviewID string
	Rating   string
	Content  string
	Author   string
}

func (e *ReviewListingExtractor) Run(ctx context.Context, tc TaskContext) (Result, *RefreshedSignature, error) {
	if tc.Platform != e.platform {
		return Result{Product: e.product, Status: 0}, nil, nil
	}

	c := colly.NewCollector(colly.MaxDepth(1), colly.Async(false))
	c.WithTransport(&http.Transport{MaxIdleConns: 4, IdleConnTimeout: 30 * time.Second})

	var mu sync.Mutex
	var rows []reviewRow
	var scrapeErr error

	c.OnRequest(func(r *colly.Request) {
		for name, value := range tc.Cookies {
			r.Headers.Add("Cookie", name+"="+value+";")
		}
		r.Headers.Set("User-Agent", "Mozilla/5.0 (compatible; collector-agent)")
	})

	c.OnHTML(".review-item", func(el *colly.HTMLElement) {
		mu.Lock()
		defer mu.Unlock()
		rows = append(rows, reviewRow{
			ReviewID: strings.TrimSpace(el.Attr("data-review-id")),
			Rating:   strings.TrimSpace(el.ChildText(".rating")),
			Content:  strings.TrimSpace(el.ChildText(".content")),
			Author:   strings.TrimSpace(el.ChildText(".author")),
		})
	})

	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		scrapeErr = err
	})

	for page := 1; page <= e.maxPages; page++ {
		url := withSignature(e.listingURL, tc.Signature) + "&page=" + strconv.Itoa(page)
		if err := c.Visit(url); err != nil {
			scrapeErr = err
			break
		}
	}
	c.Wait()

	if scrapeErr != nil {
		return Result{Product: e.product, Status: 3, ErrorMessage: scrapeErr.Error()}, nil, scrapeErr
	}

	uploadBatch := make([]map[string]interface{}, 0, len(rows))
	for _, r := range rows {
		uploadBatch = append(uploadBatch, map[string]interface{}{
			"review_id": r.ReviewID,
			"rating":    r.Rating,
			"content":   r.Content,
			"author":    r.Author,
			"shop_account": tc.Account,
		})
	}
	if err := uploadRows(ctx, e.coordinator, e.product, uploadBatch); err != nil {
		return Result{Product: e.product, Status: 3, ErrorMessage: err.Error()}, nil, err
	}
	return Result{Product: e.product, Status: 2, RecordCount: len(rows)}, nil, nil
}
