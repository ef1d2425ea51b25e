package models_test

import (
	"testing"

	"bitbucket.org/mmdatafocus/distribution_backend/models"
	"bitbucket.org/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestAggregateTransferLinesMergesDuplicates(t *testing.T) {
	p1 := dec("10")
	p2 := dec("12")
	lines := []models.TransferLine{
		{ProductId: 1, Quantity: dec("30"), Price: &p1},
		{ProductId: 2, Quantity: dec("5")},
		{ProductId: 1, Quantity: dec("20"), Price: &p2},
	}

	got := models.AggregateTransferLines(lines)

	if len(got) != 2 {
		t.Fatalf("expected 2 aggregated lines, got %d", len(got))
	}
	if got[0].ProductId != 1 || got[1].ProductId != 2 {
		t.Fatalf("first-seen order not preserved: %+v", got)
	}
	if !got[0].Quantity.Equal(dec("50")) {
		t.Fatalf("product 1 quantity = %s, want 50", got[0].Quantity)
	}
	if got[0].Price == nil || !got[0].Price.Equal(dec("12")) {
		t.Fatalf("last-seen price must win, got %v", got[0].Price)
	}
	if !got[1].Quantity.Equal(dec("5")) {
		t.Fatalf("product 2 quantity = %s, want 5", got[1].Quantity)
	}
}

func TestAggregateTransferLinesKeepsEarlierPriceWhenLaterLineHasNone(t *testing.T) {
	p := dec("7")
	lines := []models.TransferLine{
		{ProductId: 1, Quantity: dec("1"), Price: &p},
		{ProductId: 1, Quantity: dec("1")},
	}

	got := models.AggregateTransferLines(lines)

	if got[0].Price == nil || !got[0].Price.Equal(dec("7")) {
		t.Fatalf("price dropped during merge: %v", got[0].Price)
	}
}

func TestValidateTransferLines(t *testing.T) {
	neg := dec("-1")
	zero := decimal.Zero

	cases := []struct {
		name    string
		lines   []models.TransferLine
		wantErr bool
	}{
		{"empty", nil, true},
		{"zero quantity", []models.TransferLine{{ProductId: 1, Quantity: decimal.Zero}}, true},
		{"negative quantity", []models.TransferLine{{ProductId: 1, Quantity: dec("-2")}}, true},
		{"negative price", []models.TransferLine{{ProductId: 1, Quantity: dec("1"), Price: &neg}}, true},
		// free goods move at price zero, only negative prices are invalid
		{"zero price", []models.TransferLine{{ProductId: 1, Quantity: dec("1"), Price: &zero}}, false},
		{"valid", []models.TransferLine{{ProductId: 1, Quantity: dec("1")}}, false},
	}
	for _, tc := range cases {
		err := models.ValidateTransferLines(tc.lines)
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.wantErr && utils.KindOf(err) != utils.ErrorKindValidation {
			t.Fatalf("%s: expected validation kind, got %s", tc.name, utils.KindOf(err))
		}
	}
}

func TestPoolShortagesCollectsEveryShortProduct(t *testing.T) {
	pool := map[int]*models.Product{
		1: {ID: 1, Name: "Vanilla", Quantity: dec("10")},
		2: {ID: 2, Name: "Chocolate", Quantity: dec("100")},
		3: {ID: 3, Name: "Strawberry", Quantity: dec("0")},
	}
	lines := []models.TransferLine{
		{ProductId: 1, Quantity: dec("25")},
		{ProductId: 2, Quantity: dec("5")},
		{ProductId: 3, Quantity: dec("1")},
	}

	shortages := models.PoolShortages(lines, pool)

	if len(shortages) != 2 {
		t.Fatalf("expected 2 shortages, got %d: %+v", len(shortages), shortages)
	}
	if shortages[0].ProductId != 1 || !shortages[0].Available.Equal(dec("10")) || !shortages[0].Requested.Equal(dec("25")) {
		t.Fatalf("unexpected first shortage: %+v", shortages[0])
	}
	if shortages[1].ProductId != 3 || !shortages[1].Available.Equal(decimal.Zero) {
		t.Fatalf("unexpected second shortage: %+v", shortages[1])
	}
}

func TestManagerShortagesTreatsMissingRowAsZero(t *testing.T) {
	stocks := map[int]*models.ManagerStock{
		1: {ID: 10, ManagerId: 2, ProductId: 1, Quantity: dec("3")},
	}
	names := map[int]string{1: "Vanilla", 9: "Mango"}
	lines := []models.TransferLine{
		{ProductId: 1, Quantity: dec("2")},
		{ProductId: 9, Quantity: dec("4")},
	}

	shortages := models.ManagerShortages(lines, stocks, names)

	if len(shortages) != 1 {
		t.Fatalf("expected 1 shortage, got %d: %+v", len(shortages), shortages)
	}
	s := shortages[0]
	if s.ProductId != 9 || s.ProductName != "Mango" || !s.Available.IsZero() || !s.Requested.Equal(dec("4")) {
		t.Fatalf("unexpected shortage: %+v", s)
	}
}

func TestShortageErrorCarriesCompleteList(t *testing.T) {
	err := utils.NewShortageError([]utils.StockShortage{
		{ProductId: 1, ProductName: "Vanilla", Requested: dec("25"), Available: dec("10")},
		{ProductId: 3, ProductName: "Strawberry", Requested: dec("1"), Available: decimal.Zero},
	})

	if utils.KindOf(err) != utils.ErrorKindConflict {
		t.Fatalf("shortage must be a conflict, got %s", utils.KindOf(err))
	}
	if len(err.Shortages) != 2 {
		t.Fatalf("shortage list truncated: %+v", err.Shortages)
	}
}
