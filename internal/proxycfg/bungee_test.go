package proxycfg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleBungeeYAML = `
online_mode: true
ip_forward: true
prevent_proxy_connections: false
timeout: 30000
connection_throttle: 4000
unknown_top_level: keep-me
listeners:
- host: 0.0.0.0:25577
  motd: '&1Hello'
  max_players: 100
  priorities:
  - lobby
  forced_hosts:
    lobby.example.com:
    - lobby
  unknown_listener_key: keep-me-too
servers:
  lobby:
    motd: '&1Lobby'
    address: localhost:25566
    restricted: false
`

func TestParseBungeeRoundTripsUnknownKeys(t *testing.T) {
	cfg, err := ParseBungee([]byte(sampleBungeeYAML))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:25577", cfg.Host)
	require.Equal(t, []string{"lobby"}, cfg.Priorities)
	require.Equal(t, []string{"lobby"}, cfg.ForcedHosts["lobby.example.com"])

	out, err := SerializeBungee(cfg)
	require.NoError(t, err)
	require.Contains(t, string(out), "unknown_top_level: keep-me")
	require.Contains(t, string(out), "unknown_listener_key: keep-me-too")
}

func TestBungeeAddRemoveServer(t *testing.T) {
	cfg, err := ParseBungee([]byte(sampleBungeeYAML))
	require.NoError(t, err)

	cfg.AddServer("survival", "localhost:25567", "play", "example.com")
	require.True(t, cfg.HasServer("survival"))
	require.Equal(t, []string{"survival"}, cfg.ForcedHosts["play.example.com"])

	cfg.RemoveServer("survival")
	require.False(t, cfg.HasServer("survival"))
	_, stillPresent := cfg.ForcedHosts["play.example.com"]
	require.False(t, stillPresent)
}
