package wire

import "strings"

// Decorative characters that source servers embed in channel and category
// names. They never survive normalization: route keys must be stable across
// cosmetic renames.
var strippedRunes = []string{"|", "│", "︱", "⚡"}

// NormalizeName lowercases a channel/category/server name, collapses spaces
// into hyphens, and strips decorative separator characters.
func NormalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	for _, r := range strippedRunes {
		s = strings.ReplaceAll(s, r, "")
	}
	return strings.Trim(s, "-")
}

// RouteKey builds the webhook-route key for a (category, server, channel)
// triple: "{category}-[{server}]/{channel}", all parts normalized. The key
// uniquely identifies one destination channel.
func RouteKey(category, server, channel string) string {
	return NormalizeName(category) + "-[" + NormalizeName(server) + "]/" + NormalizeName(channel)
}

// DestChannelName is the display name used when the republisher provisions a
// plain text channel for a source channel: "{chan} [{server}]".
func DestChannelName(channel, server string) string {
	return NormalizeName(channel) + " [" + NormalizeName(server) + "]"
}

// DestNameVariants lists the normalized destination-channel names an existing
// channel may already carry for a given source channel, in match order.
func DestNameVariants(channel, server string) []string {
	c := NormalizeName(channel)
	s := NormalizeName(server)
	return []string{
		c + "-[" + s + "]", // "{chan} [{server}]" after normalization
		c + "-" + s,
		c + "_" + s,
		s + "-" + c,
	}
}
