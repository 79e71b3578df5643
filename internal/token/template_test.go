package token

import (
	"testing"

	"github.com/guildgraph/guildgraph/internal/models"
)

func invocation(opts map[string]string) *models.CommandInvocation {
	return &models.CommandInvocation{
		Command:   "game",
		GuildID:   "g1",
		ChannelID: "c1",
		UserID:    "u1",
		Options:   opts,
	}
}

func TestResolveFallbackOrdering(t *testing.T) {
	inv := invocation(map[string]string{"x": "1", "y": "2"})
	got := Resolve("a:{x}:{y}", inv)
	want := []string{"a:1:2", "a:1", "a"}
	if len(got) != len(want) {
		t.Fatalf("expected %d tokens, got %d (%v)", len(want), len(got), Serialize(got))
	}
	for i, w := range want {
		if got[i].String() != w {
			t.Errorf("candidate %d: expected %q, got %q", i, w, got[i].String())
		}
	}
}

func TestResolveCommaJoinedTemplates(t *testing.T) {
	inv := invocation(nil)
	got := Resolve("a:b,a:c", inv)
	want := []string{"a:b", "a", "a:c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d tokens, got %d (%v)", len(want), len(got), Serialize(got))
	}
	for i, w := range want {
		if got[i].String() != w {
			t.Errorf("candidate %d: expected %q, got %q", i, w, got[i].String())
		}
	}
}

func TestResolveMissingPlaceholder(t *testing.T) {
	inv := invocation(nil)
	got := Resolve("perm:{action}", inv)
	if len(got) == 0 {
		t.Fatal("expected candidates for missing placeholder")
	}
	if got[0].String() != "perm:"+UnknownPlaceholder {
		t.Errorf("expected UNKNOWN substitution, got %q", got[0].String())
	}
}

func TestResolveInvocationFieldFallback(t *testing.T) {
	inv := invocation(map[string]string{"guild": "override"})
	got := Resolve("scope:{guild}:{user}", inv)
	if got[0].String() != "scope:override:u1" {
		t.Errorf("expected options bag to win over invocation field, got %q", got[0].String())
	}
}

func TestResolveMalformedInputDegrades(t *testing.T) {
	inv := invocation(nil)
	if got := Resolve("", inv); got != nil {
		t.Errorf("expected nil result for empty template, got %v", Serialize(got))
	}
	if got := Resolve(",,,", inv); len(got) != 0 {
		t.Errorf("expected empty result for separator-only template, got %v", Serialize(got))
	}
	// Unterminated placeholder is kept verbatim rather than panicking.
	got := Resolve("a:{oops", inv)
	if len(got) == 0 {
		t.Fatal("expected a degraded token for unterminated placeholder")
	}
}

func TestResolveAllDeduplicates(t *testing.T) {
	inv := invocation(nil)
	got := ResolveAll([]string{"a:b", "a"}, inv)
	want := []string{"a:b", "a"}
	if len(got) != len(want) {
		t.Fatalf("expected %d tokens after dedup, got %d (%v)", len(want), len(got), Serialize(got))
	}
}
