package permission

import (
	"log/slog"

	"github.com/guildgraph/guildgraph/internal/models"
	"github.com/guildgraph/guildgraph/internal/token"
	"github.com/guildgraph/guildgraph/internal/trie"
)

// RuleSet is a declarative permission rule mapping for one hierarchy
// level: serialized token -> state.
type RuleSet struct {
	Level models.PermissionLevel
	Rules map[string]models.PermissionState
}

// NewRuleSet creates an empty rule set at the given level.
func NewRuleSet(level models.PermissionLevel) *RuleSet {
	return &RuleSet{Level: level, Rules: make(map[string]models.PermissionState)}
}

// Empty reports whether the rule set has no rules.
func (rs *RuleSet) Empty() bool {
	return rs == nil || len(rs.Rules) == 0
}

// MergeLevels folds rule sets from multiple hierarchy levels into one,
// consulting levels most specific first (models.LevelOrder). The first
// definitive (non-undefined) state wins per token, except forbidden which
// always wins once any level declares it.
func MergeLevels(sets map[models.PermissionLevel]*RuleSet) *RuleSet {
	merged := NewRuleSet("")
	forbidden := make(map[string]bool)

	for _, level := range models.LevelOrder {
		rs := sets[level]
		if rs.Empty() {
			continue
		}
		for tok, state := range rs.Rules {
			if state == models.StateForbidden {
				forbidden[tok] = true
				continue
			}
			if state == models.StateUndefined {
				continue
			}
			if _, taken := merged.Rules[tok]; !taken {
				merged.Rules[tok] = state
			}
		}
	}
	for tok := range forbidden {
		merged.Rules[tok] = models.StateForbidden
	}
	slog.Debug("Merged permission levels", "levels", len(sets), "rules", len(merged.Rules))
	return merged
}

// ruleHit is the payload a registered rule contributes during matching.
type ruleHit struct {
	path  token.Token
	state models.PermissionState
}

type matchCollector struct {
	hits []ruleHit
}

// RuleIndex indexes rules in a trie dispatcher so candidates resolve by
// specificity and wildcard rule tokens (e.g. "cmd:*") match concrete
// candidates. The index owns its own dispatcher instance; it is never
// shared with the flow engine's event dispatcher.
type RuleIndex struct {
	d   *trie.Dispatcher[*matchCollector]
	ids map[string]string // serialized rule token -> listener id
}

// NewRuleIndex creates an empty rule index.
func NewRuleIndex() *RuleIndex {
	return &RuleIndex{
		d:   trie.New[*matchCollector](),
		ids: make(map[string]string),
	}
}

// IndexRuleSet builds an index over a merged rule set.
func IndexRuleSet(rs *RuleSet) *RuleIndex {
	ix := NewRuleIndex()
	if rs.Empty() {
		return ix
	}
	for tok, state := range rs.Rules {
		ix.Put(tok, state)
	}
	return ix
}

// Put registers (or replaces) a rule.
func (ix *RuleIndex) Put(serialized string, state models.PermissionState) {
	if old, ok := ix.ids[serialized]; ok {
		ix.d.Off(old)
	}
	path := token.Parse(serialized)
	hit := ruleHit{path: path, state: state}
	ix.ids[serialized] = ix.d.On(path, func(_ token.Token, c *matchCollector) {
		c.hits = append(c.hits, hit)
	})
}

// Match resolves the candidate against the indexed rules. Only rules
// whose full path length equals the candidate's participate (the fallback
// chain supplies shorter candidates separately); among those, the most
// specific (exact before wildcard) wins. The matched rule token and state
// are returned, with ok false when no rule applies.
func (ix *RuleIndex) Match(candidate token.Token) (models.PermissionState, string, bool) {
	c := &matchCollector{}
	ix.d.Emit(candidate, c)
	for _, h := range c.hits {
		if len(h.path) == len(candidate) {
			return h.state, h.path.String(), true
		}
	}
	return models.StateUndefined, "", false
}
