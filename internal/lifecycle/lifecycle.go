// Package lifecycle orchestrates the port arbiter, container gateway,
// shared FS gateway, proxy reconciler, and DNS provisioner to create,
// start, stop, redeploy, and delete a game server end to end,
// tolerating and reporting partial failure rather than aborting
// partway.
package lifecycle

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nova-hosting/controlplane/internal/authz"
	"github.com/nova-hosting/controlplane/internal/container"
	"github.com/nova-hosting/controlplane/internal/errkind"
	"github.com/nova-hosting/controlplane/internal/metrics"
	"github.com/nova-hosting/controlplane/internal/portarbiter"
	"github.com/nova-hosting/controlplane/internal/store"
	"github.com/nova-hosting/controlplane/pkg/logger"
)

// defaultImage is the itzg/minecraft-server image; the tag is derived
// per server from its configured version.
const defaultImage = "itzg/minecraft-server"

var serverNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)
var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ContainerGateway is the narrow slice of the container gateway the
// lifecycle manager needs.
type ContainerGateway interface {
	CreateStack(ctx context.Context, name string, specs []container.ContainerSpec) (*container.Stack, error)
	DeleteStack(ctx context.Context, name string) error
	StartStack(ctx context.Context, name string) error
	StopStack(ctx context.Context, name string) error
	FirstEnvironmentID(ctx context.Context) (string, error)
}

// FSGateway is the narrow slice of the shared FS gateway the
// lifecycle manager needs.
type FSGateway interface {
	Mkdir(ctx context.Context, p string) error
	Move(ctx context.Context, from, to string) error
	Delete(ctx context.Context, p string) error
	Exists(ctx context.Context, p string) (bool, error)
}

// DNSProvisioner is the narrow slice of the DNS provisioner the
// lifecycle manager needs.
type DNSProvisioner interface {
	CreateSRV(ctx context.Context, domain, subdomain string, port int, target string, ttl int) (string, error)
	DeleteSRV(ctx context.Context, domain, subdomain string) (bool, error)
}

// ProxyRegistrar is the narrow slice of the reconciler the lifecycle
// manager needs, satisfied by *reconciler.Reconciler. ProxyNetworks
// reports every declared proxy's overlay network so a new server's
// container can join all of them, not just the gateway's default.
type ProxyRegistrar interface {
	AddServerToAllProxies(ctx context.Context, server *store.Server, targetProxyIDs []string) error
	RemoveServerFromAllProxies(ctx context.Context, serverName string) error
	ProxyNetworks(ctx context.Context) ([]string, error)
}

// ServerStore is the narrow slice of the document store the lifecycle
// manager needs for Server documents.
type ServerStore interface {
	CreateServer(ctx context.Context, server *store.Server) error
	GetServer(ctx context.Context, uniqueID string) (*store.Server, error)
	GetServerByName(ctx context.Context, serverName string) (*store.Server, error)
	ListServers(ctx context.Context) ([]*store.Server, error)
	UpdateServer(ctx context.Context, server *store.Server) error
	UpdateServerStatus(ctx context.Context, uniqueID string, status store.ServerStatus) error
	DeleteServer(ctx context.Context, uniqueID string) error
	CountServersByOwner(ctx context.Context, ownerEmail string) (int, error)
}

// UserStore is the narrow slice of the document store the lifecycle
// manager needs for User documents.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
}

// Config holds the lifecycle manager's static settings.
type Config struct {
	DataBase            string
	RootDomain          string
	DeleteServerFolders bool
}

// Manager owns the end-to-end server lifecycle.
type Manager struct {
	cfg       Config
	log       *logger.Logger
	arbiter   *portarbiter.Arbiter
	container ContainerGateway
	fs        FSGateway
	dns       DNSProvisioner
	proxies   ProxyRegistrar
	servers   ServerStore
	users     UserStore
	az        *authz.Authorizer
}

func New(cfg Config, log *logger.Logger, arbiter *portarbiter.Arbiter, containerGW ContainerGateway, fs FSGateway, dns DNSProvisioner, proxies ProxyRegistrar, servers ServerStore, users UserStore, az *authz.Authorizer) *Manager {
	return &Manager{
		cfg:       cfg,
		log:       log,
		arbiter:   arbiter,
		container: containerGW,
		fs:        fs,
		dns:       dns,
		proxies:   proxies,
		servers:   servers,
		users:     users,
		az:        az,
	}
}

// CreateRequest describes a new server.
type CreateRequest struct {
	CallerEmail    string
	ServerName     string
	SubdomainName  string
	Config         store.ServerConfig
	RCONEnabled    bool
	TargetProxyIDs []string
}

// Create runs the full create sequence: validate, allocate a port,
// write the data directory, deploy the stack, register on proxies,
// publish DNS. Ordering of externally visible effects is fixed:
// port reserved -> data dir created -> stack deployed -> proxies
// updated -> DNS published.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Server, error) {
	start := time.Now()
	server, err := m.create(ctx, req)
	metrics.RecordLifecycleStep("create", err, time.Since(start))
	return server, err
}

func (m *Manager) create(ctx context.Context, req CreateRequest) (*store.Server, error) {
	if err := m.az.Can(req.CallerEmail, authz.ActServerCreate, "*"); err != nil {
		return nil, err
	}
	if err := validateServerName(req.ServerName); err != nil {
		return nil, err
	}
	if req.SubdomainName != "" {
		if err := validateSubdomain(req.SubdomainName); err != nil {
			return nil, err
		}
	}
	if _, err := m.servers.GetServerByName(ctx, req.ServerName); err == nil {
		return nil, errkind.New(errkind.Conflict, "server name already in use")
	} else if !errkind.Is(err, errkind.Conflict) {
		return nil, err
	}

	user, err := m.users.GetUserByEmail(ctx, req.CallerEmail)
	if err != nil {
		return nil, err
	}
	count, err := m.servers.CountServersByOwner(ctx, req.CallerEmail)
	if err != nil {
		return nil, err
	}
	maxServers := user.MaxServers
	if maxServers == 0 {
		maxServers = store.DefaultMaxServers
	}
	if count >= maxServers {
		return nil, errkind.New(errkind.Conflict, "server quota exceeded")
	}

	envID, err := m.container.FirstEnvironmentID(ctx)
	if err != nil {
		return nil, err
	}

	lock := m.arbiter.Lock(envID)
	defer lock.Unlock()

	alloc, err := m.arbiter.Allocate(ctx, portarbiter.Request{
		UserEmail:     req.CallerEmail,
		NeedsRCON:     req.RCONEnabled,
		EnvironmentID: envID,
	}, user)
	if err != nil {
		return nil, err
	}

	uniqueID := uuid.New().String()
	cfg := req.Config
	cfg.Port = alloc.Port
	if req.RCONEnabled {
		cfg.RCONPort = alloc.RCONPort
	}

	server := &store.Server{
		UniqueID:      uniqueID,
		OwnerEmail:    req.CallerEmail,
		ServerName:    req.ServerName,
		SubdomainName: req.SubdomainName,
		FolderPath:    m.dataDir(req.CallerEmail, uniqueID),
		IsOnline:      false,
		Status:        store.StatusCreating,
		Config:        cfg,
	}
	if err := m.servers.CreateServer(ctx, server); err != nil {
		return nil, err
	}

	slog := m.log.WithFields(logger.Fields{"server": server.ServerName, "unique_id": uniqueID, "status": server.Status})

	if err := m.fs.Mkdir(ctx, server.FolderPath); err != nil {
		_ = m.servers.DeleteServer(ctx, uniqueID)
		return nil, err
	}

	networks, netErr := m.proxies.ProxyNetworks(ctx)
	if netErr != nil {
		slog.Warn("resolving proxy networks: %v (falling back to default network)", netErr)
	}

	if _, err := m.container.CreateStack(ctx, store.StackName(uniqueID), m.buildSpecs(server, networks)); err != nil {
		_ = m.fs.Delete(ctx, server.FolderPath)
		_ = m.servers.DeleteServer(ctx, uniqueID)
		return nil, err
	}

	server.Status = store.StatusReady
	if err := m.servers.UpdateServer(ctx, server); err != nil {
		return nil, err
	}
	slog = slog.WithFields(logger.Fields{"status": server.Status})

	if err := m.proxies.AddServerToAllProxies(ctx, server, req.TargetProxyIDs); err != nil {
		slog.Error("registering on proxies: %v", err)
	}

	if req.SubdomainName != "" {
		target := req.SubdomainName + "." + m.cfg.RootDomain
		recordID, err := m.dns.CreateSRV(ctx, m.cfg.RootDomain, req.SubdomainName, store.ProxyPublicPort, target, 300)
		if err != nil {
			slog.Warn("publishing dns record: %v (retained, reconciler will retry)", err)
		} else {
			server.DNSRecordID = recordID
			if err := m.servers.UpdateServer(ctx, server); err != nil {
				slog.Error("persisting dns record id: %v", err)
			}
		}
	}

	return server, nil
}

// DeployStack (re)materializes server's backing stack from its persisted
// config, without touching ports, DB rows, proxies, or DNS. It satisfies
// reconciler.Deployer, letting sync-servers recreate a missing container
// for an existing Server document.
func (m *Manager) DeployStack(ctx context.Context, server *store.Server) error {
	if err := m.fs.Mkdir(ctx, server.FolderPath); err != nil {
		return err
	}
	networks, err := m.proxies.ProxyNetworks(ctx)
	if err != nil {
		m.log.WithFields(logger.Fields{"server": server.ServerName}).Warn("resolving proxy networks: %v (falling back to default network)", err)
	}
	_, err = m.container.CreateStack(ctx, store.StackName(server.UniqueID), m.buildSpecs(server, networks))
	return err
}

// buildSpecs synthesizes the single-service stack spec for server,
// joining it to every network in networks (every proxy's overlay
// network); the gateway's own default network is used only when
// networks is empty.
func (m *Manager) buildSpecs(server *store.Server, networks []string) []container.ContainerSpec {
	image := defaultImage
	if server.Config.Version != "" {
		image = fmt.Sprintf("%s:%s", defaultImage, server.Config.Version)
	}

	env := []string{
		"EULA=TRUE",
		"TYPE=" + string(server.Config.ServerType),
		"VERSION=" + server.Config.Version,
		fmt.Sprintf("MEMORY=%dM", server.Config.MemoryMB),
		"MOTD=" + server.Config.MOTD,
	}
	if server.Config.PlayerInfoForwarding != store.ForwardingNone {
		env = append(env, "ONLINE_MODE=FALSE")
	} else {
		env = append(env, "ONLINE_MODE=TRUE")
	}
	if server.Config.RCONPort != 0 {
		env = append(env,
			"ENABLE_RCON=TRUE",
			fmt.Sprintf("RCON_PORT=%d", server.Config.RCONPort),
		)
		if server.Config.ForwardingSecret != "" {
			env = append(env, "RCON_PASSWORD="+server.Config.ForwardingSecret)
		}
	}

	ports := map[int]int{server.Config.Port: store.GameServerPort}
	if server.Config.RCONPort != 0 {
		ports[server.Config.RCONPort] = server.Config.RCONPort
	}

	return []container.ContainerSpec{{
		Name:     store.StackName(server.UniqueID),
		Image:    image,
		Env:      env,
		Ports:    ports,
		Networks: networks,
		BindMounts: map[string]string{
			server.FolderPath: "/data",
		},
		Labels: map[string]string{
			"controlplane.server": server.UniqueID,
		},
	}}
}

func (m *Manager) dataDir(ownerEmail, uniqueID string) string {
	local, _, _ := strings.Cut(ownerEmail, "@")
	return path.Join(m.cfg.DataBase, local, uniqueID)
}

// DeleteStep records the outcome of one reversal step of a delete.
type DeleteStep struct {
	Name    string
	Success bool
	Error   string `json:",omitempty"`
}

// DeleteReport is the structured report returned to the caller: every
// step is always attempted regardless of earlier failure, and success
// is true only when every step succeeded.
type DeleteReport struct {
	Success bool
	Steps   []DeleteStep
}

// run executes one reversal step, records its outcome on the report, and
// (when log is non-nil) emits a line carrying the step name so a failure
// deep in a delete sequence is traceable to the server it belongs to via
// log's attached fields.
func (r *DeleteReport) run(log *logger.Logger, name string, fn func() error) {
	err := fn()
	step := DeleteStep{Name: name, Success: err == nil}
	if err != nil {
		step.Error = err.Error()
		r.Success = false
		if log != nil {
			log.Error("delete step %s failed: %v", name, err)
		}
	}
	r.Steps = append(r.Steps, step)
}

// Delete runs the delete sequence (stop container, deregister from
// proxies, delete DNS record, remove data dir, delete DB row),
// tolerating and recording failure at every step rather than stopping.
func (m *Manager) Delete(ctx context.Context, uniqueID, callerEmail string, callerIsAdmin bool) (*DeleteReport, error) {
	start := time.Now()
	report, err := m.delete(ctx, uniqueID, callerEmail, callerIsAdmin)
	metrics.RecordLifecycleStep("delete", err, time.Since(start))
	return report, err
}

func (m *Manager) delete(ctx context.Context, uniqueID, callerEmail string, callerIsAdmin bool) (*DeleteReport, error) {
	server, err := m.servers.GetServer(ctx, uniqueID)
	if err != nil {
		return nil, err
	}
	if err := m.az.Can(callerEmail, authz.ActServerDelete, server.ServerName); err != nil {
		return nil, err
	}
	if !callerIsAdmin && server.OwnerEmail != callerEmail {
		return nil, errkind.New(errkind.Authorization, "caller does not own this server")
	}
	return m.runDelete(ctx, server), nil
}

// runDelete executes the reversal steps for server without any caller
// authorization: the authorized Delete path and the startup resume of an
// interrupted delete both funnel through here.
func (m *Manager) runDelete(ctx context.Context, server *store.Server) *DeleteReport {
	uniqueID := server.UniqueID
	_ = m.servers.UpdateServerStatus(ctx, uniqueID, store.StatusDeleting)
	slog := m.log.WithFields(logger.Fields{"server": server.ServerName, "unique_id": uniqueID, "status": store.StatusDeleting})

	report := &DeleteReport{Success: true}

	report.run(slog, "stop-container", func() error {
		return m.container.DeleteStack(ctx, store.StackName(uniqueID))
	})

	report.run(slog, "deregister-proxies", func() error {
		return m.proxies.RemoveServerFromAllProxies(ctx, server.ServerName)
	})

	if server.SubdomainName != "" {
		report.run(slog, "delete-dns-record", func() error {
			_, err := m.dns.DeleteSRV(ctx, m.cfg.RootDomain, server.SubdomainName)
			return err
		})
	}

	report.run(slog, "remove-data-dir", func() error {
		return m.removeDataDir(ctx, server.FolderPath)
	})

	report.run(slog, "delete-db-row", func() error {
		return m.servers.DeleteServer(ctx, uniqueID)
	})

	return report
}

// removeDataDir either archive-renames or deletes a server's data
// directory, per Config.DeleteServerFolders.
func (m *Manager) removeDataDir(ctx context.Context, folderPath string) error {
	exists, err := m.fs.Exists(ctx, folderPath)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if m.cfg.DeleteServerFolders {
		return m.fs.Delete(ctx, folderPath)
	}
	archived := fmt.Sprintf("%s-deleted-%s", folderPath, time.Now().UTC().Format("2006-01-02_15-04-05"))
	return m.fs.Move(ctx, folderPath, archived)
}

func validateServerName(name string) error {
	if !serverNamePattern.MatchString(name) {
		return errkind.New(errkind.Validation, "server-name must be 1-50 chars of letters, digits, - or _")
	}
	return nil
}

func validateSubdomain(subdomain string) error {
	if len(subdomain) > 63 || !subdomainPattern.MatchString(subdomain) {
		return errkind.New(errkind.Validation, "subdomain-name must be a valid DNS label")
	}
	return nil
}
