package proxycfg

// AddServer inserts or overwrites a server address entry, appends name to
// try if absent, and inserts a forced-hosts mapping from "<subdomain>.<rootDomain>"
// to [name] when subdomain is non-empty. Purely mechanical: the decision
// of which servers to add is the reconciler's.
func (cfg *VelocityConfig) AddServer(name, address, subdomain, rootDomain string) {
	cfg.Servers[name] = address

	found := false
	for _, existing := range cfg.Try {
		if existing == name {
			found = true
			break
		}
	}
	if !found {
		cfg.Try = append(cfg.Try, name)
	}

	if subdomain != "" {
		host := subdomain + "." + rootDomain
		names := cfg.ForcedHosts[host]
		hasName := false
		for _, n := range names {
			if n == name {
				hasName = true
				break
			}
		}
		if !hasName {
			cfg.ForcedHosts[host] = append(names, name)
		}
	}
}

// RemoveServer deletes the server's address entry, removes it from try,
// and removes it from every forced-hosts list, pruning the host entry
// when its list becomes empty.
func (cfg *VelocityConfig) RemoveServer(name string) {
	delete(cfg.Servers, name)
	delete(cfg.Overrides, name)

	newTry := cfg.Try[:0]
	for _, existing := range cfg.Try {
		if existing != name {
			newTry = append(newTry, existing)
		}
	}
	cfg.Try = newTry

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

// HasServer reports whether name appears anywhere in the config — used
// by the "deregistration leaves no ghosts" testable property.
func (cfg *VelocityConfig) HasServer(name string) bool {
	if _, ok := cfg.Servers[name]; ok {
		return true
	}
	for _, t := range cfg.Try {
		if t == name {
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

// DefaultVelocityConfig returns a fresh, populated-from-scratch config
// used when synthesizing a new proxy's config file.
func DefaultVelocityConfig(motd, forwardingSecret string) *VelocityConfig {
	return &VelocityConfig{
		ConfigVersion:        "2.7",
		Bind:                 "0.0.0.0:25577",
		MOTD:                 motd,
		ShowMaxPlayers:       500,
		OnlineMode:           true,
		PlayerInfoForwarding: "modern",
		ForwardingSecret:     forwardingSecret,
		Servers:              map[string]string{},
		Overrides:            map[string]VelocityServerOverride{},
		ForcedHosts:          map[string][]string{},
		Extra:                map[string]any{},
	}
}
