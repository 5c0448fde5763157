package proxycfg

import (
	"github.com/nova-hosting/controlplane/internal/errkind"
	"gopkg.in/yaml.v3"
)

// BungeeServerEntry is one entry of the top-level servers map.
type BungeeServerEntry struct {
	MOTD       string
	Address    string
	Restricted bool
}

// BungeeConfig is the in-memory model of a BungeeCord/Waterfall config.yml.
// It keeps the raw *yaml.Node for the document root so unknown keys at
// the top level and under listeners[0] round-trip. The servers map and
// listeners[0].forced_hosts are rebuilt from the typed fields on write,
// so unknown keys inside them are not kept.
type BungeeConfig struct {
	Host                    string
	MOTD                    string
	MaxPlayers              int
	Priorities              []string
	ForcedHosts             map[string][]string
	Servers                 map[string]BungeeServerEntry
	OnlineMode              bool
	IPForward               bool
	PreventProxyConnections bool
	Timeout                 int
	ConnectionThrottle      int

	// Waterfall-only extensions.
	ModernForwarding     bool
	ForwardingSecretFile string

	root *yaml.Node
}

// ParseBungee decodes raw YAML into a BungeeConfig, retaining the full
// document node tree so a write-back preserves unknown keys outside the
// servers and forced_hosts maps.
func ParseBungee(raw []byte) (*BungeeConfig, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, errkind.Wrap(errkind.Validation, "parsing bungee config.yml", err)
	}
	if len(root.Content) == 0 {
		root.Kind = yaml.DocumentNode
		root.Content = []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}
	}

	cfg := &BungeeConfig{
		ForcedHosts: map[string][]string{},
		Servers:     map[string]BungeeServerEntry{},
		root:        &root,
	}

	mapping := root.Content[0]
	get := func(key string) *yaml.Node { return mapNodeValue(mapping, key) }

	if n := get("online_mode"); n != nil {
		cfg.OnlineMode = n.Value == "true"
	}
	if n := get("ip_forward"); n != nil {
		cfg.IPForward = n.Value == "true"
	}
	if n := get("prevent_proxy_connections"); n != nil {
		cfg.PreventProxyConnections = n.Value == "true"
	}
	if n := get("timeout"); n != nil {
		cfg.Timeout = yamlInt(n)
	}
	if n := get("connection_throttle"); n != nil {
		cfg.ConnectionThrottle = yamlInt(n)
	}
	if n := get("modern_forwarding"); n != nil {
		cfg.ModernForwarding = n.Value == "true"
	}
	if n := get("forwarding_secret_file"); n != nil {
		cfg.ForwardingSecretFile = n.Value
	}

	if listeners := get("listeners"); listeners != nil && len(listeners.Content) > 0 {
		listener := listeners.Content[0]
		if n := mapNodeValue(listener, "host"); n != nil {
			cfg.Host = n.Value
		}
		if n := mapNodeValue(listener, "motd"); n != nil {
			cfg.MOTD = n.Value
		}
		if n := mapNodeValue(listener, "max_players"); n != nil {
			cfg.MaxPlayers = yamlInt(n)
		}
		if n := mapNodeValue(listener, "priorities"); n != nil {
			cfg.Priorities = yamlStringSeq(n)
		}
		if n := mapNodeValue(listener, "forced_hosts"); n != nil {
			for i := 0; i+1 < len(n.Content); i += 2 {
				domain := n.Content[i].Value
				cfg.ForcedHosts[domain] = yamlStringSeq(n.Content[i+1])
			}
		}
	}

	if servers := get("servers"); servers != nil {
		for i := 0; i+1 < len(servers.Content); i += 2 {
			name := servers.Content[i].Value
			entryNode := servers.Content[i+1]
			entry := BungeeServerEntry{}
			if n := mapNodeValue(entryNode, "motd"); n != nil {
				entry.MOTD = n.Value
			}
			if n := mapNodeValue(entryNode, "address"); n != nil {
				entry.Address = n.Value
			}
			if n := mapNodeValue(entryNode, "restricted"); n != nil {
				entry.Restricted = n.Value == "true"
			}
			cfg.Servers[name] = entry
		}
	}

	return cfg, nil
}

func mapNodeValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func yamlInt(n *yaml.Node) int {
	var i int
	_ = n.Decode(&i)
	return i
}

func yamlStringSeq(n *yaml.Node) []string {
	var out []string
	_ = n.Decode(&out)
	return out
}

// SerializeBungee writes the document node tree back to YAML, with the
// known fields re-applied onto it so mutations made through AddServer/
// RemoveServer are reflected, while unknown sibling keys stay untouched.
func SerializeBungee(cfg *BungeeConfig) ([]byte, error) {
	mapping := cfg.root.Content[0]

	setScalar(mapping, "online_mode", boolStr(cfg.OnlineMode))
	setScalar(mapping, "ip_forward", boolStr(cfg.IPForward))
	setScalar(mapping, "prevent_proxy_connections", boolStr(cfg.PreventProxyConnections))
	setScalar(mapping, "timeout", intStr(cfg.Timeout))
	setScalar(mapping, "connection_throttle", intStr(cfg.ConnectionThrottle))
	if cfg.ForwardingSecretFile != "" {
		setScalar(mapping, "modern_forwarding", boolStr(cfg.ModernForwarding))
		setScalar(mapping, "forwarding_secret_file", cfg.ForwardingSecretFile)
	}

	listeners := ensureMapValue(mapping, "listeners", yaml.SequenceNode)
	if len(listeners.Content) == 0 {
		listeners.Content = append(listeners.Content, &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"})
	}
	listener := listeners.Content[0]
	setScalar(listener, "host", cfg.Host)
	setScalar(listener, "motd", cfg.MOTD)
	setScalar(listener, "max_players", intStr(cfg.MaxPlayers))
	setSeq(listener, "priorities", cfg.Priorities)

	forcedHosts := ensureMapValue(listener, "forced_hosts", yaml.MappingNode)
	forcedHosts.Content = nil
	for _, domain := range sortedKeys(cfg.ForcedHosts) {
		forcedHosts.Content = append(forcedHosts.Content,
			scalarNode(domain), seqNode(cfg.ForcedHosts[domain]))
	}

	serversNode := ensureMapValue(mapping, "servers", yaml.MappingNode)
	serversNode.Content = nil
	for _, name := range sortedServerKeys(cfg.Servers) {
		entry := cfg.Servers[name]
		entryNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		entryNode.Content = append(entryNode.Content,
			scalarNode("motd"), scalarNode(entry.MOTD),
			scalarNode("address"), scalarNode(entry.Address),
			scalarNode("restricted"), scalarNode(boolStr(entry.Restricted)),
		)
		serversNode.Content = append(serversNode.Content, scalarNode(name), entryNode)
	}

	out, err := yaml.Marshal(cfg.root)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "serializing bungee config.yml", err)
	}
	return out, nil
}

func sortedServerKeys(m map[string]BungeeServerEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return sortStrings(keys)
}

func sortStrings(s []string) []string {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
	return s
}

func setScalar(mapping *yaml.Node, key, value string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1].Value = value
			mapping.Content[i+1].Kind = yaml.ScalarNode
			return
		}
	}
	mapping.Content = append(mapping.Content, scalarNode(key), scalarNode(value))
}

func setSeq(mapping *yaml.Node, key string, values []string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = seqNode(values)
			return
		}
	}
	mapping.Content = append(mapping.Content, scalarNode(key), seqNode(values))
}

func ensureMapValue(mapping *yaml.Node, key string, kind yaml.Kind) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	n := &yaml.Node{Kind: kind}
	if kind == yaml.MappingNode {
		n.Tag = "!!map"
	} else if kind == yaml.SequenceNode {
		n.Tag = "!!seq"
	}
	mapping.Content = append(mapping.Content, scalarNode(key), n)
	return n
}

func scalarNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: value, Tag: "!!str"}
}

func seqNode(values []string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, v := range values {
		n.Content = append(n.Content, scalarNode(v))
	}
	return n
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func intStr(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var digits []byte
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

// AddServer inserts a server entry, appends to priorities if absent, and
// sets a forced-hosts mapping when subdomain is configured.
func (cfg *BungeeConfig) AddServer(name, address, subdomain, rootDomain string) {
	cfg.Servers[name] = BungeeServerEntry{MOTD: cfg.MOTD, Address: address}

	found := false
	for _, p := range cfg.Priorities {
		if p == name {
			found = true
			break
		}
	}
	if !found {
		cfg.Priorities = append(cfg.Priorities, name)
	}

	if subdomain != "" {
		host := subdomain + "." + rootDomain
		names := cfg.ForcedHosts[host]
		hasName := false
		for _, n := range names {
			if n == name {
				hasName = true
			}
		}
		if !hasName {
			cfg.ForcedHosts[host] = append(names, name)
		}
	}
}

// RemoveServer deletes the server entry, removes it from priorities, and
// prunes it from every forced-hosts list.
func (cfg *BungeeConfig) RemoveServer(name string) {
	delete(cfg.Servers, name)

	newPriorities := cfg.Priorities[:0]
	for _, p := range cfg.Priorities {
		if p != name {
			newPriorities = append(newPriorities, p)
		}
	}
	cfg.Priorities = newPriorities

	for host, names := range cfg.ForcedHosts {
		var remaining []string
		for _, n := range names {
			if n != name {
				remaining = append(remaining, n)
			}
		}
		if len(remaining) == 0 {
			delete(cfg.ForcedHosts, host)
		} else {
			cfg.ForcedHosts[host] = remaining
		}
	}
}

// DefaultBungeeConfig returns a fresh config for a new proxy replica,
// in the single-listener shape the fleet deploys.
func DefaultBungeeConfig(host string, waterfall bool) *BungeeConfig {
	root := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	cfg := &BungeeConfig{
		Host:                    host,
		MOTD:                    "A Minecraft Proxy",
		MaxPlayers:              500,
		OnlineMode:              true,
		IPForward:               true,
		PreventProxyConnections: false,
		Timeout:                 30000,
		ConnectionThrottle:      4000,
		ForcedHosts:             map[string][]string{},
		Servers:                 map[string]BungeeServerEntry{},
		root:                    root,
	}
	if waterfall {
		cfg.ModernForwarding = true
		cfg.ForwardingSecretFile = "forwarding.secret"
	}
	return cfg
}

func (cfg *BungeeConfig) HasServer(name string) bool {
	if _, ok := cfg.Servers[name]; ok {
		return true
	}
	for _, p := range cfg.Priorities {
		if p == name {
			return true
		}
	}
	for _, names := range cfg.ForcedHosts {
		for _, n := range names {
			if n == name {
				return true
			}
		}
	}
	return false
}
