package models_test

import (
	"testing"

	"bitbucket.org/mmdatafocus/distribution_backend/models"
)

func TestComputeShopOrderPayment(t *testing.T) {
	cases := []struct {
		name        string
		goods       string
		returns     string
		paid        string
		wantPayable string
		wantDebt    string
	}{
		{"full payment", "1000", "0", "1000", "1000", "0"},
		{"partial payment leaves debt", "1000", "0", "600", "1000", "400"},
		{"returns reduce payable", "1000", "300", "500", "700", "200"},
		{"returns exceed goods", "200", "500", "0", "0", "0"},
		{"overpayment clamps debt", "1000", "0", "1500", "1000", "0"},
		{"zero order", "0", "0", "0", "0", "0"},
	}
	for _, tc := range cases {
		p := models.ComputeShopOrderPayment(dec(tc.goods), dec(tc.returns), dec(tc.paid))
		if !p.Payable.Equal(dec(tc.wantPayable)) {
			t.Fatalf("%s: payable = %s, want %s", tc.name, p.Payable, tc.wantPayable)
		}
		if !p.Debt.Equal(dec(tc.wantDebt)) {
			t.Fatalf("%s: debt = %s, want %s", tc.name, p.Debt, tc.wantDebt)
		}
		if p.Payable.IsNegative() || p.Debt.IsNegative() {
			t.Fatalf("%s: negative amounts must never escape: %+v", tc.name, p)
		}
		if !p.GoodsTotal.Equal(dec(tc.goods)) || !p.Paid.Equal(dec(tc.paid)) {
			t.Fatalf("%s: inputs must be recorded verbatim: %+v", tc.name, p)
		}
	}
}

func TestComputeShopOrderPaymentFractionalAmounts(t *testing.T) {
	p := models.ComputeShopOrderPayment(dec("99.99"), dec("0.99"), dec("50.00"))
	if !p.Payable.Equal(dec("99.00")) {
		t.Fatalf("payable = %s, want 99.00", p.Payable)
	}
	if !p.Debt.Equal(dec("49.00")) {
		t.Fatalf("debt = %s, want 49.00", p.Debt)
	}
}
