package settlement

import (
	"testing"
)

func TestClassify(t *testing.T) {
	tol := Tolerance{ToleranceUSD: "5", SevereUnderpayUSD: "20"}

	tests := []struct {
		name      string
		expected  string
		received  string
		wantClass Class
		wantDiff  string
	}{
		{"exact match", "100", "100", ClassExact, "0.000000"},
		{"over within tolerance", "100", "103", ClassExact, "3.000000"},
		{"over at tolerance edge", "100", "105", ClassExact, "5.000000"},
		{"one cent past tolerance", "100", "105.01", ClassOverpaid, "5.010000"},
		{"well overpaid", "100", "150", ClassOverpaid, "50.000000"},
		{"short within tolerance", "100", "96", ClassExact, "4.000000"},
		{"short at tolerance edge", "100", "95", ClassExact, "5.000000"},
		{"recoverable shortfall", "100", "92", ClassUnderpaidRecoverable, "8.000000"},
		{"shortfall at severe edge", "100", "80", ClassUnderpaidRecoverable, "20.000000"},
		{"one cent past severe", "100", "79.99", ClassUnderpaidSevere, "20.010000"},
		{"severe shortfall", "100", "65", ClassUnderpaidSevere, "35.000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, diff := tol.Classify(tt.expected, tt.received)
			if class != tt.wantClass {
				t.Errorf("class = %s, want %s", class, tt.wantClass)
			}
			if diff != tt.wantDiff {
				t.Errorf("diff = %s, want %s", diff, tt.wantDiff)
			}
		})
	}
}

func TestClassify_ZeroTolerance(t *testing.T) {
	tol := Tolerance{ToleranceUSD: "0", SevereUnderpayUSD: "10"}

	if class, _ := tol.Classify("50", "50"); class != ClassExact {
		t.Errorf("equal amounts with zero tolerance = %s, want exact", class)
	}
	if class, _ := tol.Classify("50", "50.000001"); class != ClassOverpaid {
		t.Errorf("smallest excess with zero tolerance = %s, want overpaid", class)
	}
	if class, _ := tol.Classify("50", "49.999999"); class != ClassUnderpaidRecoverable {
		t.Errorf("smallest shortfall with zero tolerance = %s, want recoverable", class)
	}
}
