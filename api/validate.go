package api

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"listing-aggregator/aggregate"
	"listing-aggregator/models"
	"listing-aggregator/services"
)

// Locations are the accepted values of the location parameter.
var Locations = []string{"Tallinn", "Harjumaa", "Tartu", "Pärnu", "Narva", "Eesti"}

var numeric = regexp.MustCompile(`^[\d.]+$`)

// InvalidParameterError names the first request parameter that failed
// validation.
type InvalidParameterError struct {
	Param string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("parameter %q is invalid", e.Param)
}

// ListingRequest is a validated listings query.
type ListingRequest struct {
	aggregate.Request
	Location string
}

// ParseListingRequest validates the query parameters of a listings request.
// Parameters are checked in a fixed order and the first failure is
// reported. Empty values count as absent.
func ParseListingRequest(values url.Values) (*ListingRequest, error) {
	get := func(key string) string { return values.Get(key) }
	req := &ListingRequest{}

	req.Query = services.NormaliseText(get("query"))
	if req.Query == "" {
		return nil, &InvalidParameterError{Param: "query"}
	}

	req.Location = norm.NFC.String(get("location"))
	if !validLocation(req.Location) {
		return nil, &InvalidParameterError{Param: "location"}
	}

	minPrice, ok := parsePrice(get("minPrice"))
	if !ok {
		return nil, &InvalidParameterError{Param: "minPrice"}
	}
	maxPrice, ok := parsePrice(get("maxPrice"))
	if !ok {
		return nil, &InvalidParameterError{Param: "maxPrice"}
	}
	req.Refinement.MinPrice = minPrice
	req.Refinement.MaxPrice = maxPrice

	switch sort := get("sort"); sort {
	case "", services.SortPriceAsc, services.SortPriceDesc:
		req.Refinement.Sort = sort
	default:
		return nil, &InvalidParameterError{Param: "sort"}
	}

	switch cond := models.Condition(get("condition")); cond {
	case "", models.ConditionNew, models.ConditionUsed:
		req.Criteria.Condition = cond
	default:
		return nil, &InvalidParameterError{Param: "condition"}
	}

	if raw := get("maxDaysListed"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || (days != 1 && days != 7 && days != 30) {
			return nil, &InvalidParameterError{Param: "maxDaysListed"}
		}
		req.Criteria.MaxDaysListed = days
	}

	return req, nil
}

func validLocation(loc string) bool {
	for _, l := range Locations {
		if norm.NFC.String(l) == loc {
			return true
		}
	}
	return false
}

// parsePrice accepts an absent value or a non-negative decimal number.
func parsePrice(raw string) (*decimal.Decimal, bool) {
	if raw == "" {
		return nil, true
	}
	if !numeric.MatchString(raw) {
		return nil, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return nil, false
	}
	return &d, true
}
