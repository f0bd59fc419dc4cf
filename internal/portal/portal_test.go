package portal

import (
	"testing"

	"collectoragent/internal/extractor"
)

func TestDefaultReplyComposerUsesTemplateWhenSet(t *testing.T) {
	c := DefaultReplyComposer{Template: "Thanks for shopping with us!"}
	got := c.Compose(extractor.UnrepliedReview{ReviewID: "r1", Content: "great product"})
	if got != "Thanks for shopping with us!" {
		t.Errorf("expected configured template, got %q", got)
	}
}

func TestDefaultReplyComposerFallsBackWhenTemplateEmpty(t *testing.T) {
	c := DefaultReplyComposer{}
	got := c.Compose(extractor.UnrepliedReview{ReviewID: "r1", Content: "great product"})
	if got == "" {
		t.Error("expected a non-empty fallback reply")
	}
}
