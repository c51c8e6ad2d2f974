package services

import (
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"listing-aggregator/models"
	"listing-aggregator/utils"
)

// SearchSummary describes the listings one search produced.
type SearchSummary struct {
	TotalListings int
	BySource      map[models.Source]int
	ByLocation    map[string]int
	Free          int
	MinPrice      decimal.Decimal
	MaxPrice      decimal.Decimal
	AveragePrice  decimal.Decimal
	Cheapest      *models.Listing
}

// InsightService summarises finished searches for the job log.
type InsightService struct {
	logger *utils.Logger
}

func NewInsightService(logger *utils.Logger) *InsightService {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &InsightService{logger: logger}
}

func (s *InsightService) Generate(listings []models.Listing) *SearchSummary {
	report := &SearchSummary{
		BySource:   make(map[models.Source]int),
		ByLocation: make(map[string]int),
	}
	if len(listings) == 0 {
		return report
	}
	report.TotalListings = len(listings)

	var priced []models.Listing
	for _, l := range listings {
		report.BySource[l.Source]++
		if l.Location != "" {
			report.ByLocation[l.Location]++
		}
		if l.Price.IsZero() {
			report.Free++
			continue
		}
		priced = append(priced, l)
	}

	// Price stats only over listings with a price.
	if len(priced) > 0 {
		total := decimal.Zero
		report.MinPrice = priced[0].Price
		report.MaxPrice = priced[0].Price
		cheapest := priced[0]
		for _, l := range priced {
			total = total.Add(l.Price)
			if l.Price.LessThan(report.MinPrice) {
				report.MinPrice = l.Price
				cheapest = l
			}
			if l.Price.GreaterThan(report.MaxPrice) {
				report.MaxPrice = l.Price
			}
		}
		report.AveragePrice = total.Div(decimal.NewFromInt(int64(len(priced)))).Round(2)
		report.Cheapest = &cheapest
	}
	return report
}

// Log writes a one-line summary followed by the busiest locations.
func (s *InsightService) Log(query string, r *SearchSummary) {
	if r.TotalListings == 0 {
		s.logger.Info("[insights] %q produced no listings", query)
		return
	}

	sources := make([]string, 0, len(r.BySource))
	for src, n := range r.BySource {
		sources = append(sources, string(src)+"="+strconv.Itoa(n))
	}
	sort.Strings(sources)

	s.logger.Info("[insights] %q: %d listings (%s), %d free, price %s-%s avg %s",
		query, r.TotalListings, strings.Join(sources, " "), r.Free,
		r.MinPrice.StringFixed(2), r.MaxPrice.StringFixed(2), r.AveragePrice.StringFixed(2))

	if r.Cheapest != nil {
		s.logger.Debug("[insights] cheapest: %s (%s) %s", truncate(r.Cheapest.Title, 50), r.Cheapest.Price, r.Cheapest.URL)
	}
	for _, lc := range TopLocations(r.ByLocation, 3) {
		s.logger.Debug("[insights] %-30s %d", truncate(lc.Location, 28), lc.Count)
	}
}

// LocationCount is one row of TopLocations.
type LocationCount struct {
	Location string
	Count    int
}

// TopLocations returns the n most common locations, ties broken by name.
func TopLocations(byLocation map[string]int, n int) []LocationCount {
	locs := make([]LocationCount, 0, len(byLocation))
	for loc, cnt := range byLocation {
		locs = append(locs, LocationCount{loc, cnt})
	}
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].Count != locs[j].Count {
			return locs[i].Count > locs[j].Count
		}
		return locs[i].Location < locs[j].Location
	})
	if len(locs) > n {
		locs = locs[:n]
	}
	return locs
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
