package marketplace

import (
	"net/url"
	"strconv"
	"strings"

	"listing-aggregator/models"
)

// Location page ids the search URL is built around.
const (
	LocationPaide   = "106194046079577"
	LocationTallinn = "106039436102339"
	LocationTartu   = "106561152712690"
	LocationParnu   = "104076336295752"
	LocationNarva   = "107067555990940"
)

// DefaultRadius in kilometres covers the whole country from Paide.
const DefaultRadius = 200

// SearchOptions are the parameters of a search page URL.
type SearchOptions struct {
	Query           string
	Location        string
	Radius          int
	Condition       models.Condition
	DaysSinceListed int
}

// OptionsFor returns the search options for a job, centred on Paide.
func OptionsFor(query string, criteria models.SearchCriteria) SearchOptions {
	return SearchOptions{
		Query:           query,
		Location:        LocationPaide,
		Radius:          DefaultRadius,
		Condition:       criteria.Condition,
		DaysSinceListed: criteria.MaxDaysListed,
	}
}

// SearchURL builds the search page URL. Parameters keep a fixed order and
// spaces are encoded as '+'.
func SearchURL(o SearchOptions) string {
	location := o.Location
	if location == "" {
		location = LocationPaide
	}

	params := [][2]string{{"query", o.Query}}
	if o.Radius > 0 {
		params = append(params, [2]string{"radius", strconv.Itoa(o.Radius)})
	}
	if cond := itemCondition(o.Condition); cond != "" {
		params = append(params, [2]string{"itemCondition", cond})
	}
	if o.DaysSinceListed > 0 {
		params = append(params, [2]string{"daysSinceListed", strconv.Itoa(o.DaysSinceListed)})
	}

	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, url.QueryEscape(p[0])+"="+url.QueryEscape(p[1]))
	}
	return "https://www.facebook.com/marketplace/" + location + "/search?" + strings.Join(parts, "&")
}

func itemCondition(c models.Condition) string {
	switch c {
	case models.ConditionNew:
		return "new"
	case models.ConditionUsed:
		return "used_like_new,used_good,used_fair"
	}
	return ""
}
