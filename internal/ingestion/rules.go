package ingestion

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/urbanflux-io/urbanflux/internal/config"
)

// DefaultRulesPath is the default location of the optional rules file.
const DefaultRulesPath = ".urbanflux.yaml"

// RulesPathEnvVar overrides DefaultRulesPath.
const RulesPathEnvVar = "URBANFLUX_RULES_PATH"

// Rules holds operator-supplied cleaning rules loaded from YAML.
//
// Example:
//
//	borough_aliases:
//	  KINGS: BROOKLYN
//	  NEW YORK: MANHATTAN
//	  RICHMOND: STATEN ISLAND
type Rules struct {
	// BoroughAliases maps a source spelling to a canonical borough. Keys are
	// matched trimmed and case-insensitively.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	BoroughAliases map[string]string `yaml:"borough_aliases"`

	aliases map[string]Borough
}

// LoadRules reads the rules file at path.
//
// A missing, unreadable or invalid file yields empty rules and a logged warning
// rather than an error: rules are optional, and the whitelist still applies.
// Aliases whose target is not a canonical borough are dropped with a warning.
func LoadRules(path string) (*Rules, error) {
	rules := &Rules{BoroughAliases: make(map[string]string)}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Rules file not found, continuing without aliases",
				slog.String("path", path))

			return rules.compile(), nil
		}

		slog.Warn("Failed to read rules file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return rules.compile(), nil
	}

	if len(data) == 0 {
		return rules.compile(), nil
	}

	if err := yaml.Unmarshal(data, rules); err != nil {
		slog.Warn("Failed to parse rules file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return (&Rules{BoroughAliases: make(map[string]string)}).compile(), nil
	}

	if rules.BoroughAliases == nil {
		rules.BoroughAliases = make(map[string]string)
	}

	return rules.compile(), nil
}

// LoadRulesFromEnv loads rules from URBANFLUX_RULES_PATH, or .urbanflux.yaml.
func LoadRulesFromEnv() (*Rules, error) {
	return LoadRules(config.GetEnvStr(RulesPathEnvVar, DefaultRulesPath))
}

// ResolveBorough maps s to a canonical borough, consulting aliases after the
// whitelist. The second result is false when s names no borough.
func (r *Rules) ResolveBorough(s string) (Borough, bool) {
	if b, ok := ParseBorough(s); ok {
		return b, true
	}

	if r == nil {
		return "", false
	}

	b, ok := r.aliases[aliasKey(s)]

	return b, ok
}

func (r *Rules) compile() *Rules {
	r.aliases = make(map[string]Borough, len(r.BoroughAliases))

	for alias, target := range r.BoroughAliases {
		b, ok := ParseBorough(target)
		if !ok {
			slog.Warn("Ignoring borough alias with unknown target",
				slog.String("alias", alias),
				slog.String("target", target))

			continue
		}

		r.aliases[aliasKey(alias)] = b
	}

	return r
}

func aliasKey(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
