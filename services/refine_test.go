package services

import (
	"testing"

	"github.com/shopspring/decimal"

	"listing-aggregator/models"
)

func priced(prices ...int64) []models.Listing {
	out := make([]models.Listing, len(prices))
	for i, p := range prices {
		out[i] = models.Listing{Price: decimal.NewFromInt(p), URL: decimal.NewFromInt(p).String()}
	}
	return out
}

func prices(listings []models.Listing) []int64 {
	out := make([]int64, len(listings))
	for i, l := range listings {
		out[i] = l.Price.IntPart()
	}
	return out
}

func TestRefinementApply(t *testing.T) {
	five, twenty := decimal.NewFromInt(5), decimal.NewFromInt(20)
	tests := []struct {
		name string
		r    Refinement
		want []int64
	}{
		{"no refinement keeps order", Refinement{}, []int64{30, 5, 0, 20, 12}},
		{"min price is inclusive", Refinement{MinPrice: &five}, []int64{30, 5, 20, 12}},
		{"max price is inclusive", Refinement{MaxPrice: &twenty}, []int64{5, 0, 20, 12}},
		{"both bounds", Refinement{MinPrice: &five, MaxPrice: &twenty}, []int64{5, 20, 12}},
		{"ascending", Refinement{Sort: SortPriceAsc}, []int64{0, 5, 12, 20, 30}},
		{"descending within bounds", Refinement{MaxPrice: &twenty, Sort: SortPriceDesc}, []int64{20, 12, 5, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := prices(tt.r.Apply(priced(30, 5, 0, 20, 12)))
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}
