package proxycfg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleVelocityTOML = `
config-version = "2.7"
bind = "0.0.0.0:25565"
motd = "&3A Velocity Server"
show-max-players = 500
online-mode = true
player-info-forwarding-mode = "modern"
forwarding-secret = "abc123"
announce-forge = false

[servers]
lobby = "lobby-1:25565"
survival = "mc-aaa:25565"
survival-restricted = true
survival-player-info-forwarding-mode = "legacy"
try = ["lobby", "survival"]

[forced-hosts]
"play.example.com" = ["survival"]

[advanced]
compression-threshold = 256
`

func TestParseVelocity(t *testing.T) {
	cfg, err := ParseVelocity([]byte(sampleVelocityTOML))
	require.NoError(t, err)

	require.Equal(t, "2.7", cfg.ConfigVersion)
	require.Equal(t, "0.0.0.0:25565", cfg.Bind)
	require.Equal(t, 500, cfg.ShowMaxPlayers)
	require.Equal(t, "modern", cfg.PlayerInfoForwarding)
	require.Equal(t, "lobby-1:25565", cfg.Servers["lobby"])
	require.Equal(t, "mc-aaa:25565", cfg.Servers["survival"])
	require.Equal(t, []string{"lobby", "survival"}, cfg.Try)
	require.Equal(t, []string{"survival"}, cfg.ForcedHosts["play.example.com"])

	o := cfg.Overrides["survival"]
	require.NotNil(t, o.Restricted)
	require.True(t, *o.Restricted)
	require.Equal(t, "legacy", o.PlayerInfoForwarding)

	// Unknown keys land in the catch-all, both scalar and table.
	require.Contains(t, cfg.Extra, "announce-forge")
	require.Contains(t, cfg.Extra, "advanced")
}

// parse(serialize(v)) = v, up to the catch-all map of unknown keys.
func TestVelocityRoundTrip(t *testing.T) {
	cfg, err := ParseVelocity([]byte(sampleVelocityTOML))
	require.NoError(t, err)

	out, err := SerializeVelocity(cfg)
	require.NoError(t, err)

	again, err := ParseVelocity(out)
	require.NoError(t, err)

	require.Equal(t, cfg.ConfigVersion, again.ConfigVersion)
	require.Equal(t, cfg.Bind, again.Bind)
	require.Equal(t, cfg.MOTD, again.MOTD)
	require.Equal(t, cfg.ShowMaxPlayers, again.ShowMaxPlayers)
	require.Equal(t, cfg.OnlineMode, again.OnlineMode)
	require.Equal(t, cfg.PlayerInfoForwarding, again.PlayerInfoForwarding)
	require.Equal(t, cfg.ForwardingSecret, again.ForwardingSecret)
	require.Equal(t, cfg.Servers, again.Servers)
	require.Equal(t, cfg.Overrides, again.Overrides)
	require.Equal(t, cfg.Try, again.Try)
	require.Equal(t, cfg.ForcedHosts, again.ForcedHosts)
	require.Contains(t, again.Extra, "announce-forge")
	require.Contains(t, again.Extra, "advanced")
}

func TestSerializeVelocityOrdering(t *testing.T) {
	cfg := DefaultVelocityConfig("motd", "secret")
	cfg.AddServer("zeta", "mc-z:25565", "", "example.com")
	cfg.AddServer("alpha", "mc-a:25565", "", "example.com")

	out, err := SerializeVelocity(cfg)
	require.NoError(t, err)
	text := string(out)

	// Address entries are lexicographic regardless of insertion order,
	// and try preserves insertion order.
	require.Less(t, strings.Index(text, `alpha = "mc-a:25565"`), strings.Index(text, `zeta = "mc-z:25565"`))
	require.Contains(t, text, `try = ["zeta", "alpha"]`)
}

// add-server applied N times produces the same config bytes as once.
func TestVelocityAddServerIdempotent(t *testing.T) {
	cfg, err := ParseVelocity([]byte(sampleVelocityTOML))
	require.NoError(t, err)

	cfg.AddServer("creative", "mc-bbb:25565", "build", "example.com")
	once, err := SerializeVelocity(cfg)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		cfg.AddServer("creative", "mc-bbb:25565", "build", "example.com")
	}
	many, err := SerializeVelocity(cfg)
	require.NoError(t, err)
	require.Equal(t, string(once), string(many))
}

// After remove-server, nothing in [servers], try, or any forced-hosts
// list mentions the name.
func TestVelocityRemoveServerLeavesNoGhosts(t *testing.T) {
	cfg, err := ParseVelocity([]byte(sampleVelocityTOML))
	require.NoError(t, err)
	require.True(t, cfg.HasServer("survival"))

	cfg.RemoveServer("survival")
	require.False(t, cfg.HasServer("survival"))

	out, err := SerializeVelocity(cfg)
	require.NoError(t, err)
	require.NotContains(t, string(out), "survival")
	// The forced host that only pointed at survival is pruned entirely.
	_, stillThere := cfg.ForcedHosts["play.example.com"]
	require.False(t, stillThere)
}

func TestVelocityForcedHostSharedByTwoServers(t *testing.T) {
	cfg := DefaultVelocityConfig("motd", "secret")
	cfg.AddServer("a", "mc-a:25565", "play", "example.com")
	cfg.AddServer("b", "mc-b:25565", "play", "example.com")
	require.Equal(t, []string{"a", "b"}, cfg.ForcedHosts["play.example.com"])

	cfg.RemoveServer("a")
	require.Equal(t, []string{"b"}, cfg.ForcedHosts["play.example.com"])
}
