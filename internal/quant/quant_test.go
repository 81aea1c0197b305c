package quant

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testMarket() Market {
	return Market{
		PriceDecimals:  2,
		SizeDecimals:   4,
		MinBaseAmount:  dec("0.001"),
		MinQuoteAmount: dec("1"),
	}
}

func TestPriceRoundsHalfUp(t *testing.T) {
	t.Parallel()
	m := testMarket()
	got := Price(m, dec("100.505"))
	if !got.Equal(dec("100.51")) {
		t.Fatalf("Price = %s, want 100.51", got)
	}
}

func TestSizeTruncatesDown(t *testing.T) {
	t.Parallel()
	m := testMarket()
	got := Size(m, dec("0.09999"))
	if !got.Equal(dec("0.0999")) {
		t.Fatalf("Size = %s, want 0.0999 (truncated, not rounded)", got)
	}
}

func TestScaledIntRoundTrip(t *testing.T) {
	t.Parallel()
	m := testMarket()
	price := dec("100.50")
	scaled := PriceToScaledInt(m, price)
	if scaled != 10050 {
		t.Fatalf("PriceToScaledInt = %d, want 10050", scaled)
	}
	back := FromScaledInt(scaled, m.PriceDecimals)
	if !back.Equal(price) {
		t.Fatalf("FromScaledInt = %s, want %s", back, price)
	}
}

func TestMeetsMinimums(t *testing.T) {
	t.Parallel()
	m := testMarket()
	if MeetsMinimums(m, dec("100"), dec("0.0001")) {
		t.Fatal("size below min_base_amount should fail minimums")
	}
	if MeetsMinimums(m, dec("0.5"), dec("1")) {
		t.Fatal("notional below min_quote_amount should fail minimums")
	}
	if !MeetsMinimums(m, dec("100"), dec("0.01")) {
		t.Fatal("expected a reasonable order to pass minimums")
	}
}

func TestBaseQtyFromNotional(t *testing.T) {
	t.Parallel()
	got := BaseQtyFromNotional(dec("10"), dec("100.50"))
	if got.Round(10).String() != "0.0995024876" {
		t.Fatalf("BaseQtyFromNotional = %s", got)
	}
	if !BaseQtyFromNotional(dec("10"), decimal.Zero).IsZero() {
		t.Fatal("expected zero qty for non-positive price")
	}
}
