// Package rules translates third-party declarative network-request rule
// lists into the engine's native content-blocking dialect.
package rules

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultMaxRules is the hard ceiling on converted rules. It bounds compile
// time and memory for hostile or bloated rule lists.
const DefaultMaxRules = 50000

// EmptyRuleList is the native encoding of "no rules".
const EmptyRuleList = "[]"

// blockedResourceTypes is the fixed resource-type set every converted rule
// blocks.
var blockedResourceTypes = []string{
	"document", "image", "style-sheet", "script",
	"font", "raw", "media", "popup", "ping",
}

// sourceRule mirrors the third-party declarativeNetRequest rule shape,
// reduced to the fields the conversion consumes.
type sourceRule struct {
	Condition struct {
		URLFilter string `json:"urlFilter"`
	} `json:"condition"`
}

// nativeRule is one rule in the engine's content-blocking dialect.
type nativeRule struct {
	Trigger nativeTrigger `json:"trigger"`
	Action  nativeAction  `json:"action"`
}

type nativeTrigger struct {
	URLFilter     string   `json:"url-filter"`
	ResourceTypes []string `json:"resource-type"`
}

type nativeAction struct {
	Type string `json:"type"`
}

// Converter converts third-party rule lists to the native dialect
type Converter struct {
	maxRules int
}

// NewConverter creates a Converter. maxRules <= 0 selects DefaultMaxRules.
func NewConverter(maxRules int) *Converter {
	if maxRules <= 0 {
		maxRules = DefaultMaxRules
	}
	return &Converter{maxRules: maxRules}
}

// Convert translates a source rule list into native rule JSON and returns it
// with the number of converted rules. It never fails: any parse problem
// degrades to the empty rule list so content blocking is lost but the
// extension still installs. Source order is preserved; first-match-wins
// semantics belong to the engine's compiler, not here.
func (c *Converter) Convert(source []byte) (string, int) {
	var srcRules []sourceRule
	if err := json.Unmarshal(source, &srcRules); err != nil {
		log.Warn().Err(err).Msg("Unparseable rule list, degrading to no rules")
		return EmptyRuleList, 0
	}

	if len(srcRules) > c.maxRules {
		log.Warn().
			Int("rules", len(srcRules)).
			Int("max", c.maxRules).
			Msg("Rule list exceeds ceiling, truncating")
		srcRules = srcRules[:c.maxRules]
	}

	native := make([]nativeRule, 0, len(srcRules))
	for _, rule := range srcRules {
		filter := rule.Condition.URLFilter
		if filter == "" {
			continue
		}
		native = append(native, nativeRule{
			Trigger: nativeTrigger{
				URLFilter:     convertFilter(filter),
				ResourceTypes: blockedResourceTypes,
			},
			Action: nativeAction{Type: "block"},
		})
	}

	out, err := json.Marshal(native)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode native rules, degrading to no rules")
		return EmptyRuleList, 0
	}

	return string(out), len(native)
}

// convertFilter rewrites the ||domain anchor into a regex matching optional
// subdomains of that domain over http/https. Anything else passes through
// unchanged as a regex fragment.
func convertFilter(filter string) string {
	if !strings.HasPrefix(filter, "||") {
		return filter
	}

	domain := strings.TrimPrefix(filter, "||")
	domain = strings.TrimSuffix(domain, "^")
	domain = strings.ReplaceAll(domain, ".", `\.`)

	return `^https?://([^/]+\.)?` + domain
}
