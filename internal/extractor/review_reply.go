package extractor

import (
	"context"

	"collectoragent/internal/coordinatorapi"
)

// ReviewReplyClient drives the portal's reply workflow: fetch
// unreplied reviews, post replies, one per review.
type ReviewReplyClient interface {
	ListUnreplied(ctx context.Context, account string) ([]UnrepliedReview, error)
	PostReply(ctx context.Context, account, reviewID, reply string) error
}

// UnrepliedReview is one review awaiting a reply.
type UnrepliedReview struct {
	ReviewID string
	Content  string
}

// ReplyComposer decides what to say back to a given review. In
// production this would call a templating or moderation service;
// here it is injected so the extractor stays testable.
type ReplyComposer interface {
	Compose(review UnrepliedReview) string
}

// ReviewReplyExtractor is the eighth, optional product supplementing
// the distilled spec (review_reply.py): fetch unreplied reviews, post
// replies, report the outcome count. Disabled by default
// (EnableReviewReply), matching scenario 1 in spec.md §8 where two
// review-summary products are disabled by configuration.
type ReviewReplyExtractor struct {
	client   ReviewReplyClient
	composer ReplyComposer
	coordinator *coordinatorapi.Client
}

// NewReviewReplyExtractor creates the review_reply extractor.
func NewReviewReplyExtractor(client ReviewReplyClient, composer ReplyComposer, coordinator *coordinatorapi.Client) *ReviewReplyExtractor {
	return &ReviewReplyExtractor{client: client, composer: composer, coordinator: coordinator}
}

func (e *ReviewReplyExtractor) Name() string { return "review_reply" }

func (e *ReviewReplyExtractor) Run(ctx context.Context, tc TaskContext) (Result, *RefreshedSignature, error) {
	reviews, err := e.client.ListUnreplied(ctx, tc.Account)
	if err != nil {
		return Result{Product: e.Name(), Status: 3, ErrorMessage: err.Error()}, nil, err
	}

	replied := 0
	var firstErr error
	for _, review := range reviews {
		reply := e.composer.Compose(review)
		if err := e.client.PostReply(ctx, tc.Account, review.ReviewID, reply); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		replied++
	}

	if err := e.coordinator.LogRecord(ctx, tc.Account, "", e.Name(), tc.DataStartDate, tc.DataEndDate, statusFor(firstErr), replied, errMsg(firstErr)); err != nil {
		// Logging failure doesn't fail the product outcome itself.
		_ = err
	}

	if firstErr != nil && replied == 0 {
		return Result{Product: e.Name(), Status: 3, ErrorMessage: firstErr.Error()}, nil, firstErr
	}
	return Result{Product: e.Name(), Status: 2, RecordCount: replied}, nil, nil
}

func statusFor(err error) int {
	if err != nil {
		return 1
	}
	return 2
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
