package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nova-hosting/controlplane/internal/container"
	"github.com/nova-hosting/controlplane/internal/proxycfg"
	"github.com/nova-hosting/controlplane/internal/store"
	"github.com/nova-hosting/controlplane/pkg/logger"
	"github.com/stretchr/testify/require"
)

type fakeContainerGW struct {
	stacks       []container.Stack
	createCalled []string
	stopCalled   []string
}

func (f *fakeContainerGW) ListStacks(ctx context.Context) ([]container.Stack, error) {
	return f.stacks, nil
}

func (f *fakeContainerGW) GetStackByName(ctx context.Context, name string) (*container.Stack, error) {
	for _, s := range f.stacks {
		if s.Name == name {
			return &s, nil
		}
	}
	return nil, nil
}

func (f *fakeContainerGW) CreateStack(ctx context.Context, name string, specs []container.ContainerSpec) (*container.Stack, error) {
	f.createCalled = append(f.createCalled, name)
	stack := container.Stack{Name: name, ContainerIDs: []string{"c-" + name}}
	f.stacks = append(f.stacks, stack)
	return &stack, nil
}

func (f *fakeContainerGW) StopStack(ctx context.Context, name string) error {
	f.stopCalled = append(f.stopCalled, name)
	return nil
}

func (f *fakeContainerGW) Exec(ctx context.Context, containerID, command string) (*container.ExecResult, error) {
	return &container.ExecResult{ExitCode: 0}, nil
}

type fakeFS struct {
	files map[string][]byte
	dirs  map[string]bool
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: map[string][]byte{}, dirs: map[string]bool{}}
}

func (f *fakeFS) Exists(ctx context.Context, p string) (bool, error) {
	_, ok := f.files[p]
	return ok, nil
}

func (f *fakeFS) Read(ctx context.Context, p string) ([]byte, error) {
	return f.files[p], nil
}

func (f *fakeFS) Write(ctx context.Context, p string, data []byte) error {
	f.files[p] = data
	return nil
}

func (f *fakeFS) Mkdir(ctx context.Context, p string) error {
	f.dirs[p] = true
	return nil
}

type fakeServerStore struct {
	servers    []*store.Server
	dnsUpdates map[string]string
}

func (f *fakeServerStore) ListServers(ctx context.Context) ([]*store.Server, error) {
	return f.servers, nil
}

func (f *fakeServerStore) UpdateServerDNSRecord(ctx context.Context, uniqueID, recordID string) error {
	if f.dnsUpdates == nil {
		f.dnsUpdates = map[string]string{}
	}
	f.dnsUpdates[uniqueID] = recordID
	return nil
}

type fakeDNS struct {
	calls int
	err   error
}

func (f *fakeDNS) CreateSRV(ctx context.Context, domain, subdomain string, port int, target string, ttl int) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "record-" + subdomain, nil
}

func writeDefsFile(t *testing.T, dir string, defs []ProxyDefinition) string {
	t.Helper()
	path := filepath.Join(dir, "proxies.yaml")
	raw := "- id: " + defs[0].ID + "\n  name: " + defs[0].Name +
		"\n  host: " + defs[0].Host +
		"\n  external_port: 25577\n  config_path: " + defs[0].ConfigPath +
		"\n  network_name: net\n  memory: 512M\n  image: itzg/velocity\n  type: " + defs[0].Type + "\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))
	return path
}

func newTestReconciler(t *testing.T, containerGW ContainerGateway, fs FSGateway, st ServerStore) *Reconciler {
	t.Helper()
	dir := t.TempDir()
	defPath := writeDefsFile(t, dir, []ProxyDefinition{{
		ID: "p1", Name: "velocity-1", Host: "proxy.local", ConfigPath: "proxy1", Type: "velocity",
	}})
	defs := NewDefinitionSource(defPath)
	return New(Config{RootDomain: "example.com", HostConfigBase: "/host"}, logger.New(), defs, containerGW, fs, st)
}

func TestEnsureFleetCreatesMissingProxy(t *testing.T) {
	containerGW := &fakeContainerGW{}
	fs := newFakeFS()
	st := &fakeServerStore{servers: []*store.Server{
		{UniqueID: "abc", ServerName: "survival", SubdomainName: "play"},
	}}
	r := newTestReconciler(t, containerGW, fs, st)

	require.NoError(t, r.EnsureFleet(context.Background(), "env-1"))
	require.Equal(t, []string{"proxy-velocity-1"}, containerGW.createCalled)

	configFile := "proxy1/velocity.toml"
	require.Contains(t, fs.files, configFile)
	require.Contains(t, fs.files, "proxy1/forwarding.secret")

	// A synthesized config is seeded from the DB: the existing server is
	// addressable, in the try list, and forced-hosted by its subdomain.
	cfg, err := proxycfg.ParseVelocity(fs.files[configFile])
	require.NoError(t, err)
	require.Equal(t, "mc-abc:25565", cfg.Servers["survival"])
	require.Contains(t, cfg.Try, "survival")
	require.Equal(t, []string{"survival"}, cfg.ForcedHosts["play.example.com"])
}

func TestEnsureFleetStopsOrphanStack(t *testing.T) {
	containerGW := &fakeContainerGW{stacks: []container.Stack{
		{Name: "proxy-velocity-1", ContainerIDs: []string{"c1"}},
		{Name: "proxy-stale", ContainerIDs: []string{"c2"}},
	}}
	fs := newFakeFS()
	st := &fakeServerStore{}
	r := newTestReconciler(t, containerGW, fs, st)

	require.NoError(t, r.EnsureFleet(context.Background(), "env-1"))
	require.Equal(t, []string{"proxy-stale"}, containerGW.stopCalled)
}

func TestAddServerToAllProxiesDefaultsToVelocity(t *testing.T) {
	containerGW := &fakeContainerGW{stacks: []container.Stack{
		{Name: "proxy-velocity-1", ContainerIDs: []string{"c1"}},
	}}
	fs := newFakeFS()
	st := &fakeServerStore{}
	r := newTestReconciler(t, containerGW, fs, st)

	server := &store.Server{UniqueID: "u1", ServerName: "creative", SubdomainName: "creative"}
	require.NoError(t, r.AddServerToAllProxies(context.Background(), server, nil))

	raw := fs.files["proxy1/velocity.toml"]
	require.NotEmpty(t, raw)
	cfg, err := proxycfg.ParseVelocity(raw)
	require.NoError(t, err)
	require.True(t, cfg.HasServer("creative"))
}

func TestRemoveServerFromAllProxiesNoGhosts(t *testing.T) {
	containerGW := &fakeContainerGW{stacks: []container.Stack{
		{Name: "proxy-velocity-1", ContainerIDs: []string{"c1"}},
	}}
	fs := newFakeFS()
	st := &fakeServerStore{}
	r := newTestReconciler(t, containerGW, fs, st)

	server := &store.Server{UniqueID: "u1", ServerName: "creative", SubdomainName: "creative"}
	require.NoError(t, r.AddServerToAllProxies(context.Background(), server, nil))
	require.NoError(t, r.RemoveServerFromAllProxies(context.Background(), "creative"))

	raw := fs.files["proxy1/velocity.toml"]
	cfg, err := proxycfg.ParseVelocity(raw)
	require.NoError(t, err)
	require.False(t, cfg.HasServer("creative"))
}

func TestRetryPendingDNSPersistsRecordID(t *testing.T) {
	containerGW := &fakeContainerGW{stacks: []container.Stack{
		{Name: "proxy-velocity-1", ContainerIDs: []string{"c1"}},
	}}
	fs := newFakeFS()
	st := &fakeServerStore{servers: []*store.Server{
		{UniqueID: "u1", ServerName: "creative", SubdomainName: "creative"},
	}}
	r := newTestReconciler(t, containerGW, fs, st)
	dnsClient := &fakeDNS{}
	r.SetDNSProvisioner(dnsClient)

	require.NoError(t, r.EnsureFleet(context.Background(), "env-1"))
	require.Equal(t, 1, dnsClient.calls)
	require.Equal(t, "record-creative", st.dnsUpdates["u1"])
}

func TestSyncServersRecreatesMissingContainer(t *testing.T) {
	containerGW := &fakeContainerGW{}
	fs := newFakeFS()
	st := &fakeServerStore{servers: []*store.Server{
		{UniqueID: "abc", ServerName: "survival"},
	}}
	r := newTestReconciler(t, containerGW, fs, st)

	deployed := map[string]bool{}
	r.SetDeployer(deployerFunc(func(ctx context.Context, server *store.Server) error {
		deployed[server.UniqueID] = true
		return nil
	}))

	require.NoError(t, r.SyncServers(context.Background(), "env-1"))
	require.True(t, deployed["abc"])
}

type deployerFunc func(ctx context.Context, server *store.Server) error

func (f deployerFunc) DeployStack(ctx context.Context, server *store.Server) error {
	return f(ctx, server)
}
