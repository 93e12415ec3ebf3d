// Package ruleschema is the typed catalog of policy rule keys. Rule values
// travel as strings and are normalized/validated here at the write boundary.
package ruleschema

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"corral/internal/models"
)

type RuleType string

const (
	TString RuleType = "string"
	TBool   RuleType = "bool"
	TInt    RuleType = "int"
	TList   RuleType = "list" // comma-separated
)

type RuleDef struct {
	Key      string
	Type     RuleType
	Example  string
	Validate func(string) (string, error) // normalize/check one value
}

/* ——— validators ——— */

var reVersion = regexp.MustCompile(`^\d+(\.\d+){0,3}$`)

func normBool(v string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return "1", nil
	case "0", "false", "no", "off":
		return "0", nil
	}
	return "", errors.New("invalid bool")
}

func normInt(min, max int) func(string) (string, error) {
	return func(v string) (string, error) {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return "", err
		}
		if n < min || n > max {
			return "", fmt.Errorf("int out of range [%d..%d]", min, max)
		}
		return strconv.Itoa(n), nil
	}
}

func normList(v string) (string, error) {
	parts := strings.FieldsFunc(strings.TrimSpace(v), func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return "", errors.New("empty list")
	}
	return strings.Join(out, ","), nil
}

func normVersion(v string) (string, error) {
	s := strings.TrimSpace(v)
	if !reVersion.MatchString(s) {
		return "", errors.New("invalid version (want 1.2.3)")
	}
	return s, nil
}

// normCategoryLimits validates "category:minutes,category:minutes".
func normCategoryLimits(v string) (string, error) {
	norm, err := normList(v)
	if err != nil {
		return "", err
	}
	parts := strings.Split(norm, ",")
	for _, p := range parts {
		cat, min, ok := strings.Cut(p, ":")
		if !ok || strings.TrimSpace(cat) == "" {
			return "", fmt.Errorf("invalid category limit %q (want category:minutes)", p)
		}
		if n, err := strconv.Atoi(strings.TrimSpace(min)); err != nil || n < 0 {
			return "", fmt.Errorf("invalid minutes in %q", p)
		}
	}
	return norm, nil
}

func pass(v string) (string, error) { return strings.TrimSpace(v), nil }

/* ——— catalog ——— */

var Catalog = map[models.PolicyType][]RuleDef{
	models.PolicySecurity: {
		{Key: "require_passcode", Type: TBool, Example: "1", Validate: normBool},
		{Key: "require_encryption", Type: TBool, Example: "1", Validate: normBool},
		{Key: "min_os_version", Type: TString, Example: "17.2", Validate: normVersion},
		{Key: "allow_unknown_sources", Type: TBool, Example: "0", Validate: normBool},
		{Key: "check_interval_minutes", Type: TInt, Example: "30", Validate: normInt(1, 1440)},
	},
	models.PolicyAppControl: {
		{Key: "blocked_apps", Type: TList, Example: "com.game.a,com.chat.b", Validate: normList},
		{Key: "allowed_apps", Type: TList, Example: "com.school.docs", Validate: normList},
		{Key: "enforce_allowlist", Type: TBool, Example: "0", Validate: normBool},
	},
	models.PolicyContentFilter: {
		{Key: "blocked_categories", Type: TList, Example: "adult,gambling", Validate: normList},
		{Key: "blocked_domains", Type: TList, Example: "example.org", Validate: normList},
		{Key: "safe_search", Type: TBool, Example: "1", Validate: normBool},
	},
	models.PolicyScreenTime: {
		{Key: "daily_limit_minutes", Type: TInt, Example: "120", Validate: normInt(0, 1440)},
		{Key: "category_limits", Type: TList, Example: "games:30,social:45", Validate: normCategoryLimits},
		{Key: "enforce_lock", Type: TBool, Example: "1", Validate: normBool},
		{Key: "bedtime_start", Type: TString, Example: "21:30", Validate: pass},
		{Key: "bedtime_end", Type: TString, Example: "07:00", Validate: pass},
	},
}

/* ——— registry ——— */

var byKey map[models.PolicyType]map[string]RuleDef

func init() {
	byKey = make(map[models.PolicyType]map[string]RuleDef, len(Catalog))
	for pt, defs := range Catalog {
		m := make(map[string]RuleDef, len(defs))
		for _, d := range defs {
			m[d.Key] = d
		}
		byKey[pt] = m
	}
}

func Def(pt models.PolicyType, key string) (RuleDef, bool) {
	d, ok := byKey[pt][key]
	return d, ok
}

// ValidateOne validates and normalizes a single rule value by policy type and key.
func ValidateOne(pt models.PolicyType, key, value string) (string, error) {
	if def, ok := Def(pt, key); ok {
		return def.Validate(value)
	}
	return "", fmt.Errorf("unknown %s rule: %s", pt, key)
}

// ValidateRules normalizes a whole rule map; unknown keys fail.
func ValidateRules(pt models.PolicyType, rules map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(rules))
	for k, v := range rules {
		nv, err := ValidateOne(pt, k, v)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// CategoryLimits parses a normalized category_limits value into a map.
func CategoryLimits(v string) map[string]int {
	out := map[string]int{}
	for _, p := range strings.Split(v, ",") {
		cat, min, ok := strings.Cut(p, ":")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(min)); err == nil {
			out[strings.TrimSpace(cat)] = n
		}
	}
	return out
}
