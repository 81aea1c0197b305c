package history

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestAppendThenRecentRoundTrips(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 3; i++ {
		r := Record{
			Symbol:        "BTC-PERP",
			StartedAtMs:   int64(1000 * i),
			StoppedAtMs:   int64(2000 * i),
			StopReason:    "manual",
			FillCount:     i,
			FillNotional:  decimal.NewFromInt(int64(i * 100)),
			RealizedPnL:   decimal.Zero,
			FinalPosition: decimal.Zero,
		}
		if err := s.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recs, err := s.Recent("BTC-PERP", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(recs) = %d, want 3", len(recs))
	}
	if recs[2].FillCount != 2 {
		t.Fatalf("recs[2].FillCount = %d, want 2", recs[2].FillCount)
	}
}

func TestRecentReturnsEmptyForUnknownSymbol(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	recs, err := s.Recent("NOPE-PERP", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("len(recs) = %d, want 0", len(recs))
	}
}

func TestRecentLimitsToLastN(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, _ := Open(dir)
	for i := 0; i < 5; i++ {
		_ = s.Append(Record{Symbol: "ETH-PERP", FillCount: i})
	}
	recs, err := s.Recent("ETH-PERP", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 || recs[0].FillCount != 3 || recs[1].FillCount != 4 {
		t.Fatalf("recs = %+v, want last 2 records (FillCount 3,4)", recs)
	}
}
