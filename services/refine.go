package services

import (
	"sort"

	"github.com/shopspring/decimal"

	"listing-aggregator/models"
)

// Sort orders are the accepted values of the sort parameter.
const (
	SortPriceAsc  = "price_asc"
	SortPriceDesc = "price_desc"
)

// Refinement narrows and orders what a request receives. It never affects
// what is scraped or cached.
type Refinement struct {
	MinPrice *decimal.Decimal
	MaxPrice *decimal.Decimal
	Sort     string
}

// Match reports whether l is inside the price bounds.
func (r Refinement) Match(l models.Listing) bool {
	if r.MinPrice != nil && l.Price.LessThan(*r.MinPrice) {
		return false
	}
	if r.MaxPrice != nil && l.Price.GreaterThan(*r.MaxPrice) {
		return false
	}
	return true
}

// Apply filters a complete result set and sorts it. Without a sort order the
// input order is kept.
func (r Refinement) Apply(listings []models.Listing) []models.Listing {
	out := make([]models.Listing, 0, len(listings))
	for _, l := range listings {
		if r.Match(l) {
			out = append(out, l)
		}
	}
	switch r.Sort {
	case SortPriceAsc:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	case SortPriceDesc:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	}
	return out
}
