package money

import "testing"

func TestAddSubCurrencyMismatch(t *testing.T) {
	usd := New(1000, "USD")
	eur := New(1000, "EUR")

	if _, err := usd.Add(eur); err == nil {
		t.Fatal("expected currency mismatch error on Add")
	}
	if _, err := usd.Sub(eur); err == nil {
		t.Fatal("expected currency mismatch error on Sub")
	}

	sum, err := usd.Add(New(500, "USD"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sum.AmountMinor != 1500 {
		t.Fatalf("sum = %d, want 1500", sum.AmountMinor)
	}
}

func TestRateApply(t *testing.T) {
	tests := []struct {
		name string
		rate Rate
		base int64
		want int64
	}{
		{"fifty percent", 5000, 3000, 1500},
		{"ten percent", 1000, 7000, 700},
		{"formula residual 12.40%", 1240, 10000, 1240},
		{"zero rate", 0, 10000, 0},
		{"half rounds up", 2500, 2, 1},   // 0.5 -> 1
		{"below half rounds down", 2400, 2, 0}, // 0.48 -> 0
		{"negative base", 5000, -3000, -1500},
		// 1e15 × 50000 wraps int64; the 128-bit intermediate must not.
		{"large base at high rate", 50_000, 1_000_000_000_000_000, 5_000_000_000_000_000},
		{"large base below one percent", 90, 2_000_000_000_000_000_000, 18_000_000_000_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.rate.Apply(New(tt.base, "USD"))
			if got.AmountMinor != tt.want {
				t.Fatalf("Apply(%d) = %d, want %d", tt.base, got.AmountMinor, tt.want)
			}
			if got.Currency != "USD" {
				t.Fatalf("currency = %q, want USD", got.Currency)
			}
		})
	}
}

func TestRateString(t *testing.T) {
	if got := Rate(1240).String(); got != "12.40%" {
		t.Fatalf("Rate(1240).String() = %q", got)
	}
	if got := Rate(5000).String(); got != "50.00%" {
		t.Fatalf("Rate(5000).String() = %q", got)
	}
}

func TestMoneyString(t *testing.T) {
	if got := New(123456, "USD").String(); got != "USD 1234.56" {
		t.Fatalf("String() = %q", got)
	}
	if got := New(-50, "USD").String(); got != "USD -0.50" {
		t.Fatalf("String() = %q", got)
	}
}
