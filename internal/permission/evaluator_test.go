package permission

import (
	"context"
	"testing"

	"github.com/guildgraph/guildgraph/internal/models"
	"github.com/guildgraph/guildgraph/internal/token"
)

func member(admin bool) *models.Member {
	return &models.Member{GuildID: "g1", UserID: "u1", IsAdmin: admin}
}

func ruleSet(rules map[string]models.PermissionState) *RuleSet {
	rs := NewRuleSet(models.LevelServer)
	for k, v := range rules {
		rs.Rules[k] = v
	}
	return rs
}

func candidates(templates ...string) []token.Token {
	out := make([]token.Token, len(templates))
	for i, t := range templates {
		out[i] = token.Parse(t)
	}
	return out
}

func TestEvaluateForbiddenShortCircuits(t *testing.T) {
	e := NewEvaluator(NewMemoryGrantStore())
	rules := ruleSet(map[string]models.PermissionState{
		"cmd:sub": models.StateForbidden,
		"cmd":     models.StateAllowed,
	})

	d := e.Evaluate(context.Background(), rules, member(false), candidates("cmd:sub", "cmd"))
	if d.Allowed {
		t.Fatal("expected deny: forbidden on the more specific token must win")
	}
	if d.RequiresApproval {
		t.Error("forbidden result must not be eligible for approval")
	}
}

func TestEvaluateAdminBypass(t *testing.T) {
	e := NewEvaluator(NewMemoryGrantStore())
	rules := ruleSet(map[string]models.PermissionState{
		"cmd": models.StateForbidden,
	})

	d := e.Evaluate(context.Background(), rules, member(true), candidates("cmd"))
	if !d.Allowed {
		t.Fatalf("admin must bypass explicit forbid, got %+v", d)
	}
}

func TestEvaluateForeverGrant(t *testing.T) {
	grants := NewMemoryGrantStore()
	if err := grants.Grant(context.Background(), "g1", "u1", "object:game:create", "admin1"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	e := NewEvaluator(grants)

	d := e.Evaluate(context.Background(), NewRuleSet(models.LevelServer), member(false), candidates("object:game:create"))
	if !d.Allowed {
		t.Fatalf("expected allow via forever-grant even with empty rule set, got %+v", d)
	}
}

func TestEvaluateNoRulesRequiresApproval(t *testing.T) {
	e := NewEvaluator(NewMemoryGrantStore())

	d := e.Evaluate(context.Background(), nil, member(false), candidates("cmd"))
	if d.Allowed {
		t.Fatal("expected not allowed")
	}
	if !d.RequiresApproval {
		t.Error("absent rule set must fail open to approval, not deny")
	}
	if d.Reason != ReasonNoRules {
		t.Errorf("unexpected reason %q", d.Reason)
	}
}

func TestEvaluateAllowedStopsWalk(t *testing.T) {
	e := NewEvaluator(NewMemoryGrantStore())
	rules := ruleSet(map[string]models.PermissionState{
		"cmd": models.StateAllowed,
	})

	d := e.Evaluate(context.Background(), rules, member(false), candidates("cmd:sub", "cmd"))
	if !d.Allowed {
		t.Fatalf("expected allow via fallback candidate, got %+v", d)
	}
}

func TestEvaluateOnceRequiresApproval(t *testing.T) {
	e := NewEvaluator(NewMemoryGrantStore())
	rules := ruleSet(map[string]models.PermissionState{
		"cmd:sub": models.StateOnce,
	})

	d := e.Evaluate(context.Background(), rules, member(false), candidates("cmd:sub", "cmd"))
	if d.Allowed || !d.RequiresApproval {
		t.Fatalf("expected one-time approval outcome, got %+v", d)
	}
	if len(d.Missing) != 1 || d.Missing[0] != "cmd:sub" {
		t.Errorf("expected trigger token recorded, got %v", d.Missing)
	}
}

func TestEvaluateAllMissing(t *testing.T) {
	e := NewEvaluator(NewMemoryGrantStore())
	rules := ruleSet(map[string]models.PermissionState{
		"unrelated": models.StateAllowed,
	})

	d := e.Evaluate(context.Background(), rules, member(false), candidates("a:b", "a"))
	if d.Allowed || !d.RequiresApproval {
		t.Fatalf("expected requires-approval for undefined tokens, got %+v", d)
	}
	if d.Reason != ReasonNotDefined {
		t.Errorf("unexpected reason %q", d.Reason)
	}
	if len(d.Missing) != 2 {
		t.Errorf("expected full missing list, got %v", d.Missing)
	}
}

func TestEvaluateWildcardRule(t *testing.T) {
	e := NewEvaluator(NewMemoryGrantStore())
	rules := ruleSet(map[string]models.PermissionState{
		"object:*:create": models.StateAllowed,
	})

	d := e.Evaluate(context.Background(), rules, member(false), candidates("object:game:create", "object:game", "object"))
	if !d.Allowed {
		t.Fatalf("expected wildcard rule to match concrete candidate, got %+v", d)
	}
}

func TestMergeLevels(t *testing.T) {
	sets := map[models.PermissionLevel]*RuleSet{
		models.LevelUser: ruleSetAt(models.LevelUser, map[string]models.PermissionState{
			"a": models.StateAllowed,
		}),
		models.LevelServer: ruleSetAt(models.LevelServer, map[string]models.PermissionState{
			"a": models.StateForbidden,
			"b": models.StateAllowed,
		}),
	}
	merged := MergeLevels(sets)

	// Forbidden wins regardless of level order.
	if merged.Rules["a"] != models.StateForbidden {
		t.Errorf("expected forbidden to win for 'a', got %q", merged.Rules["a"])
	}
	if merged.Rules["b"] != models.StateAllowed {
		t.Errorf("expected 'b' allowed, got %q", merged.Rules["b"])
	}
}

func TestMergeLevelsSpecificLevelWins(t *testing.T) {
	sets := map[models.PermissionLevel]*RuleSet{
		models.LevelUser: ruleSetAt(models.LevelUser, map[string]models.PermissionState{
			"x": models.StateOnce,
		}),
		models.LevelServer: ruleSetAt(models.LevelServer, map[string]models.PermissionState{
			"x": models.StateAllowed,
		}),
	}
	merged := MergeLevels(sets)
	if merged.Rules["x"] != models.StateOnce {
		t.Errorf("expected user-level state to win, got %q", merged.Rules["x"])
	}
}

func ruleSetAt(level models.PermissionLevel, rules map[string]models.PermissionState) *RuleSet {
	rs := NewRuleSet(level)
	for k, v := range rules {
		rs.Rules[k] = v
	}
	return rs
}

func TestRuleIndexExactBeforeWildcard(t *testing.T) {
	ix := NewRuleIndex()
	ix.Put("cmd:sub", models.StateAllowed)
	ix.Put("cmd:*", models.StateForbidden)

	state, matched, ok := ix.Match(token.Parse("cmd:sub"))
	if !ok {
		t.Fatal("expected a match")
	}
	if state != models.StateAllowed || matched != "cmd:sub" {
		t.Errorf("expected exact rule to win, got state=%q matched=%q", state, matched)
	}

	state, _, ok = ix.Match(token.Parse("cmd:other"))
	if !ok || state != models.StateForbidden {
		t.Errorf("expected wildcard rule for unmatched value, got state=%q ok=%v", state, ok)
	}
}

func TestRuleIndexIgnoresShorterRules(t *testing.T) {
	ix := NewRuleIndex()
	ix.Put("cmd", models.StateAllowed)

	if _, _, ok := ix.Match(token.Parse("cmd:sub")); ok {
		t.Error("a shorter rule must not match a longer candidate; the fallback chain handles it")
	}
}
