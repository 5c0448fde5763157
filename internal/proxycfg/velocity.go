// Package proxycfg is the bidirectional translation layer between
// in-memory proxy configuration structures and the exact textual forms
// Velocity (TOML) and BungeeCord/Waterfall (YAML) accept. It computes
// no policy — which servers belong in a config is the reconciler's
// job; this package only encodes and decodes.
package proxycfg

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nova-hosting/controlplane/internal/errkind"
	"github.com/pelletier/go-toml/v2"
)

// VelocityServerOverride is a per-server property override, keyed by
// `<name>-<property>` in the TOML source (property one of restricted,
// player-info-forwarding-mode, forwarding-secret).
type VelocityServerOverride struct {
	Restricted           *bool
	PlayerInfoForwarding string
	ForwardingSecret     string
}

// VelocityConfig is the in-memory model of a velocity.toml.
type VelocityConfig struct {
	ConfigVersion        string
	Bind                 string
	MOTD                 string
	ShowMaxPlayers       int
	OnlineMode           bool
	PlayerInfoForwarding string
	ForwardingSecret     string

	// Servers maps server-name -> "host:port" address entries.
	Servers map[string]string
	// Overrides maps server-name -> its per-server override block.
	Overrides map[string]VelocityServerOverride
	// Try is the ordered fallback list of back-end names.
	Try []string
	// ForcedHosts maps quoted domain -> ordered list of back-end names.
	ForcedHosts map[string][]string

	// Extra preserves any unknown top-level keys verbatim for round-trip.
	Extra map[string]any
}

// ParseVelocity decodes raw Velocity TOML into a VelocityConfig,
// preserving every key this system does not understand in Extra.
func ParseVelocity(raw []byte) (*VelocityConfig, error) {
	var doc map[string]any
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, errkind.Wrap(errkind.Validation, "parsing velocity.toml", err)
	}

	cfg := &VelocityConfig{
		Servers:     map[string]string{},
		Overrides:   map[string]VelocityServerOverride{},
		ForcedHosts: map[string][]string{},
		Extra:       map[string]any{},
	}

	for key, val := range doc {
		switch key {
		case "config-version":
			cfg.ConfigVersion, _ = val.(string)
		case "bind":
			cfg.Bind, _ = val.(string)
		case "motd":
			cfg.MOTD, _ = val.(string)
		case "show-max-players":
			cfg.ShowMaxPlayers = toInt(val)
		case "online-mode":
			cfg.OnlineMode, _ = val.(bool)
		case "player-info-forwarding-mode":
			cfg.PlayerInfoForwarding, _ = val.(string)
		case "forwarding-secret":
			cfg.ForwardingSecret, _ = val.(string)
		case "servers":
			parseServersTable(val, cfg)
		case "try":
			cfg.Try = toStringSlice(val)
		case "forced-hosts":
			parseForcedHosts(val, cfg)
		default:
			cfg.Extra[key] = val
		}
	}

	return cfg, nil
}

func parseServersTable(val any, cfg *VelocityConfig) {
	table, ok := val.(map[string]any)
	if !ok {
		return
	}
	for key, v := range table {
		if key == "try" {
			cfg.Try = toStringSlice(v)
			continue
		}
		if name, prop, ok := splitOverrideKey(key); ok {
			o := cfg.Overrides[name]
			switch prop {
			case "restricted":
				b, _ := v.(bool)
				o.Restricted = &b
			case "player-info-forwarding-mode":
				o.PlayerInfoForwarding, _ = v.(string)
			case "forwarding-secret":
				o.ForwardingSecret, _ = v.(string)
			}
			cfg.Overrides[name] = o
			continue
		}
		if s, ok := v.(string); ok {
			cfg.Servers[key] = s
		}
	}
}

func splitOverrideKey(key string) (name, prop string, ok bool) {
	for _, suffix := range []string{"-restricted", "-player-info-forwarding-mode", "-forwarding-secret"} {
		if strings.HasSuffix(key, suffix) {
			return strings.TrimSuffix(key, suffix), strings.TrimPrefix(suffix, "-"), true
		}
	}
	return "", "", false
}

func parseForcedHosts(val any, cfg *VelocityConfig) {
	table, ok := val.(map[string]any)
	if !ok {
		return
	}
	for domain, v := range table {
		cfg.ForcedHosts[domain] = toStringSlice(v)
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func toStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// SerializeVelocity writes cfg back to Velocity TOML text. Ordering is
// deterministic and hand-assembled, not left to map iteration: address
// entries first in lexicographic order, then per-server overrides, then
// try, then forced-hosts, matching what a human editor would produce.
func SerializeVelocity(cfg *VelocityConfig) ([]byte, error) {
	var b strings.Builder

	writeScalar(&b, "config-version", cfg.ConfigVersion)
	writeScalar(&b, "bind", cfg.Bind)
	writeScalar(&b, "motd", cfg.MOTD)
	writeScalar(&b, "show-max-players", cfg.ShowMaxPlayers)
	writeScalar(&b, "online-mode", cfg.OnlineMode)
	writeScalar(&b, "player-info-forwarding-mode", cfg.PlayerInfoForwarding)
	writeScalar(&b, "forwarding-secret", cfg.ForwardingSecret)

	// Unknown scalar and array keys must precede the first table header
	// or they would be swallowed into [servers]; unknown tables are
	// re-emitted after the known sections instead.
	var tableKeys []string
	for _, key := range sortedKeys(cfg.Extra) {
		if _, isTable := cfg.Extra[key].(map[string]any); isTable {
			tableKeys = append(tableKeys, key)
			continue
		}
		writeExtra(&b, key, cfg.Extra[key])
	}

	b.WriteString("\n[servers]\n")
	for _, name := range sortedKeys(cfg.Servers) {
		fmt.Fprintf(&b, "%s = %q\n", tomlKey(name), cfg.Servers[name])
	}
	for _, name := range sortedOverrideKeys(cfg.Overrides) {
		o := cfg.Overrides[name]
		if o.Restricted != nil {
			fmt.Fprintf(&b, "%s-restricted = %v\n", tomlKey(name), *o.Restricted)
		}
		if o.PlayerInfoForwarding != "" {
			fmt.Fprintf(&b, "%s-player-info-forwarding-mode = %q\n", tomlKey(name), o.PlayerInfoForwarding)
		}
		if o.ForwardingSecret != "" {
			fmt.Fprintf(&b, "%s-forwarding-secret = %q\n", tomlKey(name), o.ForwardingSecret)
		}
	}
	b.WriteString("try = [")
	for i, name := range cfg.Try {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", name)
	}
	b.WriteString("]\n")

	b.WriteString("\n[forced-hosts]\n")
	for _, domain := range sortedKeys(cfg.ForcedHosts) {
		names := cfg.ForcedHosts[domain]
		b.WriteString(tomlKey(domain) + " = [")
		for i, n := range names {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%q", n)
		}
		b.WriteString("]\n")
	}

	for _, key := range tableKeys {
		out, err := toml.Marshal(map[string]any{key: cfg.Extra[key]})
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, "serializing unknown table "+key, err)
		}
		b.WriteString("\n")
		b.Write(out)
	}

	return []byte(b.String()), nil
}

// writeExtra re-emits one unknown non-table key verbatim, delegating
// quoting and value formatting to the TOML encoder so round-trip holds
// for values writeScalar's known-field rules would elide.
func writeExtra(b *strings.Builder, key string, val any) {
	out, err := toml.Marshal(map[string]any{key: val})
	if err != nil {
		return
	}
	b.Write(out)
}

func writeScalar(b *strings.Builder, key string, val any) {
	switch v := val.(type) {
	case string:
		if v == "" {
			return
		}
		fmt.Fprintf(b, "%s = %q\n", key, v)
	case bool:
		fmt.Fprintf(b, "%s = %v\n", key, v)
	case int:
		if v == 0 {
			return
		}
		fmt.Fprintf(b, "%s = %d\n", key, v)
	default:
		fmt.Fprintf(b, "%s = %v\n", key, v)
	}
}

func tomlKey(key string) string {
	if needsQuoting(key) {
		return fmt.Sprintf("%q", key)
	}
	return key
}

func needsQuoting(key string) bool {
	for _, r := range key {
		if !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedOverrideKeys(m map[string]VelocityServerOverride) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
