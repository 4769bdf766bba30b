// Package validation provides centralized input validation for names
// that cross into file paths and SQL.
package validation

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/quantfold/timedim/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// FeatureRules returns the rules for feature (column) names.
func FeatureRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// StoreRules returns the rules for store names used as directory
// components.
func StoreRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return errors.Wrapf(errors.ErrInvalidName,
			"name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return errors.Wrapf(errors.ErrInvalidName,
			"name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return errors.Wrap(errors.ErrInvalidName, "name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return errors.Wrap(errors.ErrInvalidName, "name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return errors.Wrapf(errors.ErrInvalidName,
				"name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return errors.Wrapf(errors.ErrInvalidName,
				"name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return errors.Wrapf(errors.ErrInvalidName,
				"invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateFeatureName validates a single feature name.
func ValidateFeatureName(name string) error {
	return ValidateName(name, FeatureRules())
}

// ValidateFeatureNames validates a feature list: every name valid, no
// duplicates, at least one entry.
func ValidateFeatureNames(names []string) error {
	if len(names) == 0 {
		return errors.Wrap(errors.ErrInvalidName, "no feature names given")
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if err := ValidateFeatureName(name); err != nil {
			return errors.Wrapf(err, "feature %q", name)
		}
		if seen[name] {
			return errors.Wrapf(errors.ErrInvalidName, "duplicate feature %q", name)
		}
		seen[name] = true
	}
	return nil
}

// ParseFeatureList parses a comma-separated feature list as typed on a
// command line, trimming whitespace around each entry.
func ParseFeatureList(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.Wrap(errors.ErrInvalidName, "empty feature list")
	}
	parts := strings.Split(s, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		names = append(names, strings.TrimSpace(p))
	}
	if err := ValidateFeatureNames(names); err != nil {
		return nil, err
	}
	return names, nil
}

// =============================================================================
// SQL Identifier and Literal Handling
// =============================================================================

var sqlIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateSQLIdentifier validates a name used as a bare SQL identifier,
// for example a view name. Identifiers cannot be quoted away the way
// literals can, so the character set is strict.
func ValidateSQLIdentifier(name string) error {
	if name == "" {
		return errors.Wrap(errors.ErrInvalidName, "empty identifier")
	}
	if len(name) > 64 {
		return errors.Wrap(errors.ErrInvalidName, "identifier too long: maximum 64 characters")
	}
	if !sqlIdentifier.MatchString(name) {
		return errors.Wrapf(errors.ErrInvalidName,
			"identifier %q must start with a letter or underscore and contain only letters, digits, and underscores", name)
	}
	return nil
}

// QuoteLiteral quotes a string as a single-quoted SQL literal, doubling
// any embedded quotes.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
