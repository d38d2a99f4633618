package engine

import "testing"

const testFirmwareTable = `
[[firmware]]
name = "legacy-cgminer"
pattern = "^cgminer/4\\.[0-9]+\\."
fallback_lookup = true

[[firmware]]
name = "bmminer"
pattern = "bmminer"
fallback_lookup = false
`

func TestParseFirmwareTable(t *testing.T) {
	table, err := ParseFirmwareTable([]byte(testFirmwareTable))
	if err != nil {
		t.Fatalf("ParseFirmwareTable() error = %v", err)
	}

	tests := []struct {
		userAgent string
		wantRule  string
		fallback  bool
	}{
		{"cgminer/4.9.2", "legacy-cgminer", true},
		{"CGMiner/4.11.1", "legacy-cgminer", true},
		{"bmminer/2.0.0", "bmminer", false},
		{"NiceHash/1.0.0", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.userAgent, func(t *testing.T) {
			rule, _ := table.Match(tt.userAgent)
			if rule.Name != tt.wantRule {
				t.Errorf("Match() rule = %q, want %q", rule.Name, tt.wantRule)
			}
			if got := table.FallbackLookup(tt.userAgent); got != tt.fallback {
				t.Errorf("FallbackLookup() = %v, want %v", got, tt.fallback)
			}
		})
	}
}

func TestParseFirmwareTable_BadPattern(t *testing.T) {
	_, err := ParseFirmwareTable([]byte("[[firmware]]\nname = \"x\"\npattern = \"(\"\n"))
	if err == nil {
		t.Error("ParseFirmwareTable() error = nil for invalid regexp")
	}
}

func TestFirmwareTable_Nil(t *testing.T) {
	var table *FirmwareTable
	if table.FallbackLookup("cgminer/4.9.2") {
		t.Error("nil table enabled fallback lookup")
	}
}
