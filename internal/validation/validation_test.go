package validation

import (
	"strings"
	"testing"

	"github.com/quantfold/timedim/internal/errors"
)

func TestValidateNameStoreRules(t *testing.T) {
	rules := StoreRules()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "prices", false},
		{"with hyphen", "prices-daily", false},
		{"with underscore", "prices_daily", false},
		{"numbers", "123", false},
		{"mixed", "prices-1_test", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"hidden", ".hidden", true},
		{"slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"control char", "a\x00b", true},
		{"with dot", "prices.daily", true},
		{"too long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input, rules)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrInvalidName) {
				t.Errorf("ValidateName(%q) not an ErrInvalidName: %v", tt.input, err)
			}
		})
	}
}

func TestValidateFeatureName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "mid", false},
		{"with dot", "price.mid", false},
		{"with hyphen", "bid-ask", false},
		{"empty", "", true},
		{"colon", "t-1:mid", true},
		{"space", "mid price", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFeatureName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFeatureName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFeatureNames(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		wantErr bool
	}{
		{"two features", []string{"a", "b"}, false},
		{"single", []string{"mid"}, false},
		{"none", nil, true},
		{"duplicate", []string{"a", "b", "a"}, true},
		{"one invalid", []string{"a", ""}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFeatureNames(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFeatureNames(%v) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestParseFeatureList(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"plain", "a,b,c", []string{"a", "b", "c"}, false},
		{"spaced", " a , b ", []string{"a", "b"}, false},
		{"single", "mid", []string{"mid"}, false},
		{"empty", "", nil, true},
		{"blank entry", "a,,b", nil, true},
		{"duplicate", "a,a", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFeatureList(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseFeatureList(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseFeatureList(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("ParseFeatureList(%q) = %v, want %v", tt.input, got, tt.want)
				}
			}
		})
	}
}

func TestValidateSQLIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "panel", false},
		{"underscore start", "_panel", false},
		{"with digits", "panel2", false},
		{"empty", "", true},
		{"digit start", "2panel", true},
		{"hyphen", "my-view", true},
		{"dot", "a.b", true},
		{"quote", "x'y", true},
		{"too long", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSQLIdentifier(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSQLIdentifier(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestQuoteLiteral(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello", "'hello'"},
		{"embedded quote", "o'clock", "'o''clock'"},
		{"two quotes", "a'b'c", "'a''b''c'"},
		{"empty", "", "''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := QuoteLiteral(tt.input)
			if got != tt.want {
				t.Errorf("QuoteLiteral(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func BenchmarkParseFeatureList(b *testing.B) {
	list := "open,high,low,close,volume"
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ParseFeatureList(list)
	}
}
