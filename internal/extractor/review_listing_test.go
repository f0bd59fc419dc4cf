package extractor

import (
	"context"
	"testing"
)

func TestReviewListingSkipsWhenPlatformDoesNotMatch(t *testing.T) {
	e := NewReviewListingExtractor("review_listing_a", "https://portal.example.com/reviews/list", 0, 5, nil)
	tc := TaskContext{Account: "acct-1", Platform: 1}

	result, refreshed, err := e.Run(context.Background(), tc)
	if err != nil {
		t.Fatalf("expected no error for a platform mismatch, got %v", err)
	}
	if refreshed != nil {
		t.Errorf("expected no refreshed signature on a skip, got %v", refreshed)
	}
	if result.Status != 0 {
		t.Errorf("expected status 0 (not run) for a platform mismatch, got %d", result.Status)
	}
	if result.Product != "review_listing_a" {
		t.Errorf("expected product name preserved on skip, got %q", result.Product)
	}
}

func TestReviewListingNameMatchesProduct(t *testing.T) {
	e := NewReviewListingExtractor("review_listing_b", "https://portal.example.com/reviews/list", 1, 5, nil)
	if e.Name() != "review_listing_b" {
		t.Errorf("expected Name() to return the product name, got %q", e.Name())
	}
}
