package services

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"listing-aggregator/models"
	"listing-aggregator/utils"
)

func newTestLogger() *utils.Logger { return utils.NewDiscardLogger() }

func TestParsePrice(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"120 €", "120", true},
		{"1 250 €", "1250", true},
		{"1 250 €", "1250", true},
		{"€12,50", "12.5", true},
		{"1.250,50 €", "1250.5", true},
		{"$1,200.50", "1200.5", true},
		{"1,250", "1250", true},
		{"12.5", "12.5", true},
		{"Tasuta", "0", true},
		{"", "0", false},
		{"kokkuleppel", "0", false},
	}
	for _, tt := range tests {
		got, ok := ParsePrice(tt.raw)
		if ok != tt.ok || !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("ParsePrice(%q) = %s, %v; want %s, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseListedDate(t *testing.T) {
	now := time.Date(2024, 6, 15, 14, 30, 0, 0, time.UTC)
	tests := []struct {
		raw  string
		want time.Time
		ok   bool
	}{
		{"Täna 12:03", now, true},
		{"Täna", now, true},
		{"03.06.2024", time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), true},
		{"Lisatud 1.12.2023", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), true},
		{"eile", time.Time{}, false},
		{"40.13.2024", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseListedDate(tt.raw, now)
		if ok != tt.ok || !got.Equal(tt.want) {
			t.Errorf("ParseListedDate(%q) = %v, %v; want %v, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNormaliseText(t *testing.T) {
	tests := []struct{ in, want string }{
		{"  Pärnu  ", "Pärnu"},
		{"Mountain\n\t bike ", "Mountain bike"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormaliseText(tt.in); got != tt.want {
			t.Errorf("NormaliseText(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanerDropsEmptyURL(t *testing.T) {
	c := NewCleaner(newTestLogger())
	raw := []models.RawListing{
		{Title: "No URL", URL: ""},
		{Title: "Has URL", URL: "https://www.okidoki.ee/item/1"},
		{Title: "  ", URL: "https://www.okidoki.ee/item/2"},
	}

	cleaned := c.Clean(raw)
	if len(cleaned) != 1 {
		t.Errorf("expected 1 listing after dropping invalid records, got %d", len(cleaned))
	}
}

func TestCleanerDeduplicatesURL(t *testing.T) {
	c := NewCleaner(newTestLogger())
	raw := []models.RawListing{
		{Title: "A", URL: "https://www.facebook.com/marketplace/item/1"},
		{Title: "B", URL: " https://www.facebook.com/marketplace/item/1 "},
	}

	cleaned := c.Clean(raw)
	if len(cleaned) != 1 {
		t.Errorf("expected 1 listing after deduplication, got %d", len(cleaned))
	}
	if cleaned[0].Title != "A" {
		t.Errorf("kept %q, want the first occurrence", cleaned[0].Title)
	}
}
