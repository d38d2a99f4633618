package engine

import (
	"fmt"
	"regexp"

	"github.com/pelletier/go-toml"
)

// FirmwareRule maps a user-agent pattern to miner quirks.
type FirmwareRule struct {
	Name           string `toml:"name"`
	Pattern        string `toml:"pattern"`
	FallbackLookup bool   `toml:"fallback_lookup"`
}

type firmwareFile struct {
	Rules []FirmwareRule `toml:"firmware"`
}

type compiledRule struct {
	FirmwareRule
	re *regexp.Regexp
}

// FirmwareTable decides per user agent whether fallback job lookup is
// enabled. The first matching rule wins.
type FirmwareTable struct {
	rules []compiledRule
}

// NewFirmwareTable compiles rules. Patterns are case-insensitive regular
// expressions.
func NewFirmwareTable(rules []FirmwareRule) (*FirmwareTable, error) {
	t := &FirmwareTable{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("firmware rule %q: %w", r.Name, err)
		}
		t.rules = append(t.rules, compiledRule{FirmwareRule: r, re: re})
	}
	return t, nil
}

// ParseFirmwareTable reads a TOML document of [[firmware]] entries.
func ParseFirmwareTable(data []byte) (*FirmwareTable, error) {
	var f firmwareFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse firmware table: %w", err)
	}
	return NewFirmwareTable(f.Rules)
}

// Match returns the first rule matching userAgent.
func (t *FirmwareTable) Match(userAgent string) (FirmwareRule, bool) {
	if t == nil {
		return FirmwareRule{}, false
	}
	for _, r := range t.rules {
		if r.re.MatchString(userAgent) {
			return r.FirmwareRule, true
		}
	}
	return FirmwareRule{}, false
}

// FallbackLookup reports whether workers with userAgent need fallback job
// lookup.
func (t *FirmwareTable) FallbackLookup(userAgent string) bool {
	r, ok := t.Match(userAgent)
	return ok && r.FallbackLookup
}
