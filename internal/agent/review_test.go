package agent

import (
	"strings"
	"testing"

	"github.com/nugget/deskpilot/internal/llm"
)

func TestMatchToolPattern(t *testing.T) {
	tests := []struct {
		pattern, tool string
		want          bool
	}{
		{"*", "getWeather", true},
		{"airtable_*", "airtable_list_records", true},
		{"airtable_*", "web_search", false},
		{"web_search", "web_search", true},
		{"web_search", "web_search_v2", false},
		{"", "web_search", false},
		{"*", "", false},
	}
	for _, tt := range tests {
		if got := matchToolPattern(tt.pattern, tt.tool); got != tt.want {
			t.Errorf("matchToolPattern(%q, %q) = %v, want %v", tt.pattern, tt.tool, got, tt.want)
		}
	}
}

func TestPatternReview(t *testing.T) {
	msg := wantsTools(
		tc("a", "getWeather", nil),
		tc("b", "airtable_list_records", nil),
	)

	flagged, reason := PatternReview{"airtable_*"}.RequiresReview(msg)
	if !flagged || !strings.Contains(reason, "airtable_list_records") {
		t.Errorf("RequiresReview = %v, %q", flagged, reason)
	}

	if flagged, _ := (PatternReview{"web_search"}).RequiresReview(msg); flagged {
		t.Error("non-matching pattern flagged the turn")
	}
	if flagged, _ := (PatternReview{"*"}).RequiresReview(final("hi")); flagged {
		t.Error("turn without tool calls flagged")
	}
}

func TestReviewFunc(t *testing.T) {
	var seen int
	p := ReviewFunc(func(m llm.Message) (bool, string) {
		seen = len(m.ToolCalls)
		return seen > 1, "batch"
	})
	if flagged, reason := p.RequiresReview(wantsTools(tc("a", "x", nil), tc("b", "y", nil))); !flagged || reason != "batch" {
		t.Errorf("RequiresReview = %v, %q", flagged, reason)
	}
	if seen != 2 {
		t.Errorf("policy saw %d calls, want 2", seen)
	}
}
