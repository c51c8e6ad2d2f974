package marketplace

import (
	"errors"
	"testing"

	"listing-aggregator/models"
)

func TestSearchURL(t *testing.T) {
	tests := []struct {
		name     string
		criteria models.SearchCriteria
		want     string
	}{
		{"plain", models.SearchCriteria{},
			"https://www.facebook.com/marketplace/106194046079577/search?query=office+chair&radius=200"},
		{"new", models.SearchCriteria{Condition: models.ConditionNew},
			"https://www.facebook.com/marketplace/106194046079577/search?query=office+chair&radius=200&itemCondition=new"},
		{"used within a week", models.SearchCriteria{Condition: models.ConditionUsed, MaxDaysListed: 7},
			"https://www.facebook.com/marketplace/106194046079577/search?query=office+chair&radius=200&itemCondition=used_like_new%2Cused_good%2Cused_fair&daysSinceListed=7"},
	}
	for _, tt := range tests {
		if got := SearchURL(OptionsFor("office chair", tt.criteria)); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestPreloadExtractor(t *testing.T) {
	listings, name, err := Extract([]byte(preloadPayload(1, 2)), PaginationExtractor, PreloadExtractor)
	if err != nil {
		t.Fatal(err)
	}
	if name != "preload" {
		t.Errorf("extractor: got %s, want preload", name)
	}
	if len(listings) != 2 {
		t.Fatalf("listings: got %d, want 2", len(listings))
	}
	l := listings[0]
	if l.URL != itemURLPrefix+"1" || l.Title != "Sofa 1" || l.Location != "Tallinn" || l.Price.String() != "50" || l.ThumbnailSrc == "" {
		t.Errorf("listing: got %+v", l)
	}
}

func TestExtractMissesUnknownShapes(t *testing.T) {
	for _, payload := range []string{
		`{"require":[[0,1,2,[{"__bbox":{}}]]]}`,
		`{"require":"not an array"}`,
		`not json`,
		`{"data":{}}`,
	} {
		if _, _, err := Extract([]byte(payload), PreloadExtractor, PaginationExtractor); !errors.Is(err, ErrShapeMiss) {
			t.Errorf("Extract(%s): got %v, want ErrShapeMiss", payload, err)
		}
	}
}

func TestPaginationSkipsBrokenEdges(t *testing.T) {
	payload := `{"data":{"marketplace_search":{"feed_units":{
		"edges":[
			{"node":{"story_type":"ad"}},
			{"node":{"listing":{"id":"5","listing_price":{"amount":"abc"}}}},
			{"node":{"listing":{"id":"6","marketplace_listing_title":"Lamp","listing_price":{"amount":"0"}}}}
		],
		"page_info":{"has_next_page":true,"end_cursor":"xyz"}}}}}
	{"label":"streamed tail"}`
	listings, _, err := Extract([]byte(payload), PaginationExtractor)
	if err != nil {
		t.Fatal(err)
	}
	if len(listings) != 1 || listings[0].URL != itemURLPrefix+"6" || listings[0].Location != "" {
		t.Errorf("got %+v, want only the lamp", listings)
	}
	info, err := ParsePageInfo([]byte(payload))
	if err != nil || !info.HasNextPage || info.EndCursor != "xyz" {
		t.Errorf("page info: got %+v, %v", info, err)
	}
}

func TestScriptPayloads(t *testing.T) {
	payloads, err := ScriptPayloads([]byte(searchPage(1)))
	if err != nil {
		t.Fatal(err)
	}
	if len(payloads) != 1 {
		t.Errorf("payloads: got %d, want 1", len(payloads))
	}
}
