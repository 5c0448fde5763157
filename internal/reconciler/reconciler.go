// Package reconciler keeps the declarative list of front proxies
// matched 1:1 with running proxy containers, synthesizes each proxy's
// configuration file from the database of servers, registers and
// deregisters back-end servers on the fly, and periodically
// resynchronizes. It computes policy; the actual config encoding lives
// in internal/proxycfg.
package reconciler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"path"
	"strings"
	"sync"

	"github.com/nova-hosting/controlplane/internal/container"
	"github.com/nova-hosting/controlplane/internal/errkind"
	"github.com/nova-hosting/controlplane/internal/metrics"
	"github.com/nova-hosting/controlplane/internal/proxycfg"
	"github.com/nova-hosting/controlplane/internal/store"
	"github.com/nova-hosting/controlplane/pkg/logger"
)

const proxyStackPrefix = "proxy-"

// ContainerGateway is the narrow slice of the container gateway the
// reconciler needs.
type ContainerGateway interface {
	ListStacks(ctx context.Context) ([]container.Stack, error)
	GetStackByName(ctx context.Context, name string) (*container.Stack, error)
	CreateStack(ctx context.Context, name string, specs []container.ContainerSpec) (*container.Stack, error)
	StopStack(ctx context.Context, name string) error
	Exec(ctx context.Context, containerID, command string) (*container.ExecResult, error)
}

// FSGateway is the narrow slice of the shared FS gateway the
// reconciler needs.
type FSGateway interface {
	Exists(ctx context.Context, p string) (bool, error)
	Read(ctx context.Context, p string) ([]byte, error)
	Write(ctx context.Context, p string, data []byte) error
	Mkdir(ctx context.Context, p string) error
}

// ServerStore is the narrow slice of the document store the reconciler
// needs: every Server, used both to seed new proxy configs and to drive
// sync-servers.
type ServerStore interface {
	ListServers(ctx context.Context) ([]*store.Server, error)
	UpdateServerDNSRecord(ctx context.Context, uniqueID, recordID string) error
}

// DNSProvisioner is the narrow slice of the DNS provisioner the
// reconciler needs to
// retry a server's SRV record after a failed create-time publish; the
// reconciler owns that retry.
type DNSProvisioner interface {
	CreateSRV(ctx context.Context, domain, subdomain string, port int, target string, ttl int) (string, error)
}

// Deployer recreates a Server's backing container stack. Implemented by
// the lifecycle manager and injected after construction via
// SetDeployer, since the lifecycle manager also depends on this
// package for registration —
// a direct import would cycle.
type Deployer interface {
	DeployStack(ctx context.Context, server *store.Server) error
}

// proxyConfigModel is the common surface of *proxycfg.VelocityConfig and
// *proxycfg.BungeeConfig this package needs; it lets add/remove/sync
// logic stay proxy-type-agnostic.
type proxyConfigModel interface {
	AddServer(name, address, subdomain, rootDomain string)
	RemoveServer(name string)
	HasServer(name string) bool
}

// Config holds the reconciler's static settings.
type Config struct {
	RootDomain string
	// HostConfigBase is the path prefix under which a ProxyDefinition's
	// ConfigPath is reachable from the Docker host for a bind mount,
	// mirroring the same relative layout the WebDAV gateway sees rooted
	// at its own configured base.
	HostConfigBase string
	// ProxyContainerPort is the in-container port every proxy listens
	// on, mapped to each ProxyDefinition's ExternalPort on the host.
	ProxyContainerPort int
}

// Reconciler drives the proxy fleet toward its declared state.
type Reconciler struct {
	cfg       Config
	log       *logger.Logger
	defs      *DefinitionSource
	container ContainerGateway
	fs        FSGateway
	store     ServerStore

	reconcileMu sync.Mutex
	configLocks *keyedLocks
	reg         *registry
	deployer    Deployer
	dns         DNSProvisioner
}

func New(cfg Config, log *logger.Logger, defs *DefinitionSource, containerGW ContainerGateway, fs FSGateway, st ServerStore) *Reconciler {
	if cfg.ProxyContainerPort == 0 {
		cfg.ProxyContainerPort = 25577
	}
	return &Reconciler{
		cfg:         cfg,
		log:         log,
		defs:        defs,
		container:   containerGW,
		fs:          fs,
		store:       st,
		configLocks: newKeyedLocks(),
		reg:         newRegistry(),
	}
}

// SetDeployer wires the lifecycle manager's recreate-stack callback in
// after both components exist.
func (r *Reconciler) SetDeployer(d Deployer) {
	r.deployer = d
}

// SetDNSProvisioner wires the DNS provisioner in after construction
// for the same reason
// SetDeployer does: the lifecycle manager that owns create-time DNS
// publishing also depends on this package, so the dependency runs
// backwards here.
func (r *Reconciler) SetDNSProvisioner(d DNSProvisioner) {
	r.dns = d
}

func (r *Reconciler) lockReconcile() func() {
	r.reconcileMu.Lock()
	return r.reconcileMu.Unlock
}

// Run performs one full periodic pass: ensure-fleet followed by
// sync-servers, under the single reconciler lock. Both the 10-minute
// timer and an admin-triggered reconcile call this.
func (r *Reconciler) Run(ctx context.Context, envID string) error {
	unlock := r.lockReconcile()
	defer unlock()

	if err := r.ensureFleetLocked(ctx, envID); err != nil {
		metrics.RecordReconcileRun(err)
		return err
	}
	err := r.syncServersLocked(ctx, envID)
	metrics.RecordReconcileRun(err)
	return err
}

// EnsureFleet creates missing proxies, removes orphans, regenerates
// missing configs, and registers every existing Server on every proxy.
func (r *Reconciler) EnsureFleet(ctx context.Context, envID string) error {
	unlock := r.lockReconcile()
	defer unlock()
	err := r.ensureFleetLocked(ctx, envID)
	metrics.RecordReconcileRun(err)
	return err
}

// SyncServers brings the back-end game-server fleet in line with the DB:
// recreates missing containers, reports orphans without destroying them.
func (r *Reconciler) SyncServers(ctx context.Context, envID string) error {
	unlock := r.lockReconcile()
	defer unlock()
	return r.syncServersLocked(ctx, envID)
}

func (r *Reconciler) ensureFleetLocked(ctx context.Context, envID string) error {
	defs, err := r.defs.Load()
	if err != nil {
		return err
	}
	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return err
	}
	stacks, err := r.container.ListStacks(ctx)
	if err != nil {
		return err
	}
	byStackName := make(map[string]container.Stack, len(stacks))
	for _, s := range stacks {
		byStackName[s.Name] = s
	}

	defined := make(map[string]bool, len(defs))
	for _, def := range defs {
		stackName := proxyStackName(def)
		defined[stackName] = true
		if err := r.ensureProxy(ctx, def, stackName, byStackName, defs, servers); err != nil {
			r.log.WithFields(logger.Fields{"proxy": def.Name}).Error("ensure-fleet: %v", err)
		}
	}

	for name := range byStackName {
		if isManagedProxyStack(name) && !defined[name] {
			plog := r.log.WithFields(logger.Fields{"stack": name})
			plog.Warn("ensure-fleet: stopping orphan managed proxy stack")
			if err := r.container.StopStack(ctx, name); err != nil {
				plog.Error("ensure-fleet: stopping orphan stack: %v", err)
			}
		}
	}

	// Re-register every DB server on every currently defined proxy on
	// each pass; see DESIGN.md for the cross-proxy migration caveat.
	for _, srv := range servers {
		slog := r.log.WithFields(logger.Fields{"server": srv.ServerName})
		for _, def := range defs {
			if err := r.addServerToProxy(ctx, def, srv); err != nil {
				slog.WithFields(logger.Fields{"proxy": def.Name}).Error("ensure-fleet: registering on proxy: %v", err)
			}
		}
	}

	r.retryPendingDNS(ctx, servers)
	return nil
}

// retryPendingDNS re-attempts the SRV publish for any server whose
// create-time DNS step previously failed. A server is
// pending when it has a subdomain but no recorded DNS record id yet.
// Failures here are logged only; the next pass tries again.
func (r *Reconciler) retryPendingDNS(ctx context.Context, servers []*store.Server) {
	if r.dns == nil {
		return
	}
	for _, srv := range servers {
		if srv.DNSRecordID != "" || srv.SubdomainName == "" {
			continue
		}
		slog := r.log.WithFields(logger.Fields{"server": srv.ServerName})
		target := srv.SubdomainName + "." + r.cfg.RootDomain
		recordID, err := r.dns.CreateSRV(ctx, r.cfg.RootDomain, srv.SubdomainName, store.ProxyPublicPort, target, 300)
		if err != nil {
			slog.Warn("ensure-fleet: retrying dns publish: %v", err)
			continue
		}
		if err := r.store.UpdateServerDNSRecord(ctx, srv.UniqueID, recordID); err != nil {
			slog.Error("ensure-fleet: persisting dns record id: %v", err)
		}
	}
}

func (r *Reconciler) ensureProxy(ctx context.Context, def ProxyDefinition, stackName string, byStackName map[string]container.Stack, defs []ProxyDefinition, servers []*store.Server) error {
	if _, ok := byStackName[stackName]; ok {
		r.reg.set(def.ID, def.Name, def.Type, true)
		metrics.RecordProxyHealth(def.ID, def.Name, true)
		return nil
	}
	r.reg.set(def.ID, def.Name, def.Type, false)
	metrics.RecordProxyHealth(def.ID, def.Name, false)

	if err := r.fs.Mkdir(ctx, def.ConfigPath); err != nil {
		return err
	}

	configFile := path.Join(def.ConfigPath, configFileName(def.Type))
	exists, err := r.fs.Exists(ctx, configFile)
	if err != nil {
		return err
	}

	if !exists {
		model := r.mirrorSibling(ctx, def, defs)
		if model == nil {
			model = seedFromDB(def, servers, r.cfg.RootDomain)
		}
		if err := r.writeConfig(ctx, def, model); err != nil {
			return err
		}
		secret, err := randomToken()
		if err != nil {
			return err
		}
		if err := r.fs.Write(ctx, path.Join(def.ConfigPath, "forwarding.secret"), []byte(secret)); err != nil {
			return err
		}
	}

	hostPath := path.Join(r.cfg.HostConfigBase, def.ConfigPath)
	var networks []string
	if def.NetworkName != "" {
		networks = []string{def.NetworkName}
	}
	spec := container.ContainerSpec{
		Name:     stackName,
		Image:    def.Image,
		Env:      []string{"MEMORY=" + def.Memory},
		Ports:    map[int]int{def.ExternalPort: r.cfg.ProxyContainerPort},
		Networks: networks,
		BindMounts: map[string]string{
			hostPath: "/server",
		},
		Labels: map[string]string{"controlplane.proxy": def.ID},
	}
	_, err = r.container.CreateStack(ctx, stackName, []container.ContainerSpec{spec})
	return err
}

// mirrorSibling looks for another defined proxy of the same type whose
// config file already exists and returns a copy of its registrations, so
// a new replica comes up pre-populated rather than empty.
func (r *Reconciler) mirrorSibling(ctx context.Context, def ProxyDefinition, defs []ProxyDefinition) proxyConfigModel {
	for _, sib := range defs {
		if sib.ID == def.ID || sib.Type != def.Type {
			continue
		}
		configFile := path.Join(sib.ConfigPath, configFileName(sib.Type))
		exists, err := r.fs.Exists(ctx, configFile)
		if err != nil || !exists {
			continue
		}
		raw, err := r.fs.Read(ctx, configFile)
		if err != nil {
			continue
		}
		model, err := parseConfig(def.Type, raw)
		if err != nil {
			continue
		}
		return model
	}
	return nil
}

func seedFromDB(def ProxyDefinition, servers []*store.Server, rootDomain string) proxyConfigModel {
	model := defaultConfig(def)
	for _, srv := range servers {
		model.AddServer(srv.ServerName, store.BackendAddress(srv.UniqueID), srv.SubdomainName, rootDomain)
	}
	return model
}

func (r *Reconciler) writeConfig(ctx context.Context, def ProxyDefinition, model proxyConfigModel) error {
	raw, err := serializeConfig(def.Type, model)
	if err != nil {
		return err
	}
	configFile := path.Join(def.ConfigPath, configFileName(def.Type))
	return r.fs.Write(ctx, configFile, raw)
}

// addServerToProxy rewrites one proxy's config to include server,
// creating a fresh default config if none exists yet, and nudges the
// proxy to reload. Serialized per-proxy by the config write lock.
func (r *Reconciler) addServerToProxy(ctx context.Context, def ProxyDefinition, server *store.Server) error {
	unlock := r.configLocks.lock(def.ID)
	defer unlock()

	configFile := path.Join(def.ConfigPath, configFileName(def.Type))
	model, err := r.loadOrDefault(ctx, def, configFile)
	if err != nil {
		return err
	}

	model.AddServer(server.ServerName, store.BackendAddress(server.UniqueID), server.SubdomainName, r.cfg.RootDomain)

	raw, err := serializeConfig(def.Type, model)
	if err != nil {
		return err
	}
	if err := r.fs.Write(ctx, configFile, raw); err != nil {
		return err
	}
	r.reloadProxy(ctx, def)
	return nil
}

func (r *Reconciler) removeServerFromProxy(ctx context.Context, def ProxyDefinition, serverName string) error {
	unlock := r.configLocks.lock(def.ID)
	defer unlock()

	configFile := path.Join(def.ConfigPath, configFileName(def.Type))
	exists, err := r.fs.Exists(ctx, configFile)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	raw, err := r.fs.Read(ctx, configFile)
	if err != nil {
		return err
	}
	model, err := parseConfig(def.Type, raw)
	if err != nil {
		return err
	}
	if !model.HasServer(serverName) {
		return nil
	}
	model.RemoveServer(serverName)

	out, err := serializeConfig(def.Type, model)
	if err != nil {
		return err
	}
	if err := r.fs.Write(ctx, configFile, out); err != nil {
		return err
	}
	r.reloadProxy(ctx, def)
	return nil
}

func (r *Reconciler) loadOrDefault(ctx context.Context, def ProxyDefinition, configFile string) (proxyConfigModel, error) {
	exists, err := r.fs.Exists(ctx, configFile)
	if err != nil {
		return nil, err
	}
	if !exists {
		return defaultConfig(def), nil
	}
	raw, err := r.fs.Read(ctx, configFile)
	if err != nil {
		return nil, err
	}
	return parseConfig(def.Type, raw)
}

// reloadProxy fires a best-effort `velocity reload` exec after a Velocity
// config mutation. Failure is logged, never propagated: the reload is a
// nudge, not a requirement. BungeeCord/Waterfall rely on the proxy's
// own file-watch reload.
func (r *Reconciler) reloadProxy(ctx context.Context, def ProxyDefinition) {
	if def.Type != "velocity" {
		return
	}
	stack, err := r.container.GetStackByName(ctx, proxyStackName(def))
	if err != nil || stack == nil || len(stack.ContainerIDs) == 0 {
		return
	}
	if _, err := r.container.Exec(ctx, stack.ContainerIDs[0], "velocity reload"); err != nil {
		r.log.WithFields(logger.Fields{"proxy": def.Name}).Warn("reconciler: velocity reload failed: %v", err)
	}
}

// AddServerToAllProxies registers server on targetProxyIDs, or, when that
// list is empty, on every enabled proxy of the preferred type (velocity) —
// the default deployment policy.
func (r *Reconciler) AddServerToAllProxies(ctx context.Context, server *store.Server, targetProxyIDs []string) error {
	defs, err := r.defs.Load()
	if err != nil {
		return err
	}

	var targets []ProxyDefinition
	if len(targetProxyIDs) > 0 {
		wanted := make(map[string]bool, len(targetProxyIDs))
		for _, id := range targetProxyIDs {
			wanted[id] = true
		}
		for _, d := range defs {
			if wanted[d.ID] {
				targets = append(targets, d)
			}
		}
	} else {
		for _, d := range defs {
			if d.Type == "velocity" {
				targets = append(targets, d)
			}
		}
	}

	slog := r.log.WithFields(logger.Fields{"server": server.ServerName})
	var firstErr error
	for _, def := range targets {
		if err := r.addServerToProxy(ctx, def, server); err != nil {
			slog.WithFields(logger.Fields{"proxy": def.Name}).Error("add-server-to-all-proxies: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RemoveServerFromAllProxies deregisters serverName from every declared
// proxy regardless of type, guaranteeing the "no ghosts" property: a
// server added on one proxy type must not survive on any other.
func (r *Reconciler) RemoveServerFromAllProxies(ctx context.Context, serverName string) error {
	defs, err := r.defs.Load()
	if err != nil {
		return err
	}

	slog := r.log.WithFields(logger.Fields{"server": serverName})
	var firstErr error
	for _, def := range defs {
		if err := r.removeServerFromProxy(ctx, def, serverName); err != nil {
			slog.WithFields(logger.Fields{"proxy": def.Name}).Error("remove-server-from-all-proxies: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ProxyNetworks returns the distinct, non-empty NetworkName values among
// every declared proxy. The lifecycle manager attaches a new server's
// container to all of them at create time, since a server is only
// reachable from a proxy that shares its overlay network.
func (r *Reconciler) ProxyNetworks(ctx context.Context) ([]string, error) {
	defs, err := r.defs.Load()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(defs))
	var networks []string
	for _, def := range defs {
		if def.NetworkName == "" || seen[def.NetworkName] {
			continue
		}
		seen[def.NetworkName] = true
		networks = append(networks, def.NetworkName)
	}
	return networks, nil
}

func (r *Reconciler) syncServersLocked(ctx context.Context, envID string) error {
	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return err
	}
	stacks, err := r.container.ListStacks(ctx)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(stacks))
	for _, s := range stacks {
		present[s.Name] = true
	}

	dbStacks := make(map[string]bool, len(servers))
	for _, srv := range servers {
		name := store.StackName(srv.UniqueID)
		dbStacks[name] = true
		if present[name] {
			continue
		}
		slog := r.log.WithFields(logger.Fields{"server": srv.ServerName, "status": srv.Status})
		if r.deployer == nil {
			slog.Warn("sync-servers: missing container and no deployer configured")
			continue
		}
		if err := r.deployer.DeployStack(ctx, srv); err != nil {
			slog.Error("sync-servers: recreating: %v", err)
		}
	}

	for name := range present {
		if strings.HasPrefix(name, "mc-") && !dbStacks[name] {
			r.log.WithFields(logger.Fields{"stack": name}).Warn("sync-servers: container matches server naming convention but has no DB row; not destroying")
		}
	}
	return nil
}

// Health returns a liveness snapshot per declared proxy.
func (r *Reconciler) Health() []ProxyHealth {
	return r.reg.snapshot()
}

func proxyStackName(def ProxyDefinition) string {
	return proxyStackPrefix + def.Name
}

func isManagedProxyStack(name string) bool {
	return strings.HasPrefix(name, proxyStackPrefix)
}

func configFileName(proxyType string) string {
	if proxyType == "velocity" {
		return "velocity.toml"
	}
	return "config.yml"
}

func parseConfig(proxyType string, raw []byte) (proxyConfigModel, error) {
	if proxyType == "velocity" {
		return proxycfg.ParseVelocity(raw)
	}
	return proxycfg.ParseBungee(raw)
}

func serializeConfig(proxyType string, model proxyConfigModel) ([]byte, error) {
	if proxyType == "velocity" {
		v, ok := model.(*proxycfg.VelocityConfig)
		if !ok {
			return nil, errkind.New(errkind.Internal, "velocity proxy given non-velocity config model")
		}
		return proxycfg.SerializeVelocity(v)
	}
	b, ok := model.(*proxycfg.BungeeConfig)
	if !ok {
		return nil, errkind.New(errkind.Internal, "bungee/waterfall proxy given non-bungee config model")
	}
	return proxycfg.SerializeBungee(b)
}

func defaultConfig(def ProxyDefinition) proxyConfigModel {
	secret, _ := randomToken()
	if def.Type == "velocity" {
		return proxycfg.DefaultVelocityConfig("A Minecraft Server", secret)
	}
	waterfall := def.Type == "waterfall"
	return proxycfg.DefaultBungeeConfig(def.Host, waterfall)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errkind.Wrap(errkind.Internal, "generating forwarding secret", err)
	}
	return hex.EncodeToString(buf), nil
}
