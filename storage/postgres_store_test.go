package storage

import (
	"regexp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"listing-aggregator/models"
)

func TestFindSearchSQL(t *testing.T) {
	crit := models.SearchCriteria{MaxDaysListed: 7, Condition: models.ConditionNew}
	stmt, args, err := findSearchSQL("bike", crit)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"FROM searches", "criteria_key = $1", "query = $2", "ORDER BY id DESC", "LIMIT 1"} {
		if !strings.Contains(stmt, want) {
			t.Errorf("statement %q missing %q", stmt, want)
		}
	}
	if len(args) != 2 || args[0] != crit.Key() || args[1] != "bike" {
		t.Errorf("args: got %v, want [%s bike]", args, crit.Key())
	}
}

func TestInsertListingSQL(t *testing.T) {
	id := uuid.New()
	l := models.Listing{SearchID: 3, Price: decimal.NewFromInt(5), Title: "t", URL: "u", Source: models.SourceOsta}

	stmt, args, err := insertListingSQL(l, &id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stmt, "ON CONFLICT (search_id, url) DO NOTHING RETURNING") {
		t.Errorf("statement %q lacks conflict clause", stmt)
	}
	if !strings.Contains(stmt, "$7") {
		t.Errorf("statement %q: want 7 placeholders", stmt)
	}
	thumb, ok := args[6].(uuid.NullUUID)
	if !ok || !thumb.Valid || thumb.UUID != id {
		t.Errorf("thumbnail arg: got %v, want %v", args[6], id)
	}

	_, args, _ = insertListingSQL(l, nil)
	if thumb := args[6].(uuid.NullUUID); thumb.Valid {
		t.Errorf("thumbnail arg without image: got %v, want NULL", thumb)
	}
}

func TestFindProcessSQLExcludes(t *testing.T) {
	stmt, args, err := findProcessSQL("tv", models.SearchCriteria{}, 9)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stmt, "JOIN searches s ON s.id = p.search_id") {
		t.Errorf("statement %q missing join", stmt)
	}
	if !strings.Contains(stmt, "p.id <> $3") {
		t.Errorf("statement %q missing exclusion", stmt)
	}
	if args[2] != int64(9) {
		t.Errorf("exclude arg: got %v, want 9", args[2])
	}
}

func TestListingPriceColumnIsUnbounded(t *testing.T) {
	price := regexp.MustCompile(`(?m)^\s*price\s+NUMERIC\s+NOT NULL`)
	if !price.MatchString(schema) {
		t.Errorf("listings.price is not declared as plain NUMERIC:\n%s", schema)
	}
	if strings.Contains(schema, "NUMERIC(") {
		t.Error("schema declares a NUMERIC with precision or scale")
	}
	if !strings.Contains(schema, "ALTER TABLE listings ALTER COLUMN price TYPE NUMERIC;") {
		t.Error("existing listings tables are not widened to plain NUMERIC")
	}
}

func TestInsertListingSQLKeepsFullPrecision(t *testing.T) {
	p := decimal.RequireFromString("12345678901.123456789")
	_, args, err := insertListingSQL(models.Listing{SearchID: 1, Price: p, Title: "x", URL: "u", Source: models.SourceOsta}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := args[1].(decimal.Decimal)
	if !ok || !got.Equal(p) {
		t.Errorf("price arg: got %v, want %s", args[1], p)
	}
}
