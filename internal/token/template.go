// Package token implements permission template resolution against a
// command invocation.
package token

import (
	"log/slog"
	"strings"

	"github.com/guildgraph/guildgraph/internal/models"
)

// UnknownPlaceholder substitutes for a template placeholder that cannot be
// resolved from the invocation. Resolution degrades rather than failing.
const UnknownPlaceholder = "UNKNOWN"

// invocationFields exposes the top-level invocation fields usable as
// placeholder sources after the options bag.
func invocationFields(inv *models.CommandInvocation) map[string]string {
	if inv == nil {
		return nil
	}
	return map[string]string{
		"command":    inv.Command,
		"subcommand": inv.Subcommand,
		"guild":      inv.GuildID,
		"channel":    inv.ChannelID,
		"user":       inv.UserID,
	}
}

// resolvePlaceholder looks a placeholder name up in the invocation options
// bag, then in the top-level invocation fields.
func resolvePlaceholder(name string, inv *models.CommandInvocation) string {
	if inv != nil && inv.Options != nil {
		if v, ok := inv.Options[name]; ok {
			return v
		}
	}
	if v, ok := invocationFields(inv)[name]; ok && v != "" {
		return v
	}
	slog.Debug("token template placeholder unresolved", "placeholder", name)
	return UnknownPlaceholder
}

// expandPlaceholders substitutes every {name} occurrence in one template
// string using the invocation.
func expandPlaceholders(tmpl string, inv *models.CommandInvocation) string {
	var b strings.Builder
	rest := tmpl
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[open:], "}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])
		name := rest[open+1 : open+end]
		b.WriteString(resolvePlaceholder(name, inv))
		rest = rest[open+end+1:]
	}
}

// Resolve expands a template string against an invocation into the full
// fallback chain of candidate tokens, most specific first, deduplicated by
// serialized form preserving first-seen order. A comma-joined template
// string is treated as multiple independent templates. Resolve never
// fails on malformed input; it degrades to an empty result and logs.
func Resolve(template string, inv *models.CommandInvocation) []Token {
	template = strings.TrimSpace(template)
	if template == "" {
		slog.Debug("token Resolve called with empty template")
		return nil
	}

	var out []Token
	seen := make(map[string]bool)
	for _, tmpl := range strings.Split(template, ",") {
		tok := Parse(expandPlaceholders(tmpl, inv))
		if len(tok) == 0 {
			slog.Debug("token template resolved to empty token", "template", tmpl)
			continue
		}
		for _, fb := range tok.Fallbacks() {
			key := fb.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, fb)
		}
	}
	slog.Debug("token Resolve completed", "template", template, "candidates", len(out))
	return out
}

// ResolveAll resolves several templates in order, merging their fallback
// chains with global deduplication.
func ResolveAll(templates []string, inv *models.CommandInvocation) []Token {
	var out []Token
	seen := make(map[string]bool)
	for _, tmpl := range templates {
		for _, tok := range Resolve(tmpl, inv) {
			key := tok.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, tok)
		}
	}
	return out
}

// Serialize renders a token list to its serialized forms, preserving order.
func Serialize(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.String()
	}
	return out
}
