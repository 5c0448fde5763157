package lifecycle

import (
	"context"
	"testing"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/nova-hosting/controlplane/internal/authz"
	"github.com/nova-hosting/controlplane/internal/container"
	"github.com/nova-hosting/controlplane/internal/errkind"
	"github.com/nova-hosting/controlplane/internal/portarbiter"
	"github.com/nova-hosting/controlplane/internal/portpolicy"
	"github.com/nova-hosting/controlplane/internal/store"
	"github.com/nova-hosting/controlplane/pkg/logger"
	"github.com/stretchr/testify/require"
)

type fakeContainerGW struct {
	createErr  error
	startErr   error
	deleted    []string
	createName []string
	started    []string
	stopped    []string
}

func (f *fakeContainerGW) CreateStack(ctx context.Context, name string, specs []container.ContainerSpec) (*container.Stack, error) {
	f.createName = append(f.createName, name)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &container.Stack{Name: name, ContainerIDs: []string{"c-" + name}}, nil
}

func (f *fakeContainerGW) DeleteStack(ctx context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeContainerGW) StartStack(ctx context.Context, name string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, name)
	return nil
}

func (f *fakeContainerGW) StopStack(ctx context.Context, name string) error {
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeContainerGW) FirstEnvironmentID(ctx context.Context) (string, error) {
	return "env-1", nil
}

type fakeFS struct {
	dirs    map[string]bool
	moved   map[string]string
	deleted []string
	exist   map[string]bool
}

func newFakeFS() *fakeFS {
	return &fakeFS{dirs: map[string]bool{}, moved: map[string]string{}, exist: map[string]bool{}}
}

func (f *fakeFS) Mkdir(ctx context.Context, p string) error {
	f.dirs[p] = true
	f.exist[p] = true
	return nil
}

func (f *fakeFS) Move(ctx context.Context, from, to string) error {
	f.moved[from] = to
	delete(f.exist, from)
	return nil
}

func (f *fakeFS) Delete(ctx context.Context, p string) error {
	f.deleted = append(f.deleted, p)
	delete(f.exist, p)
	return nil
}

func (f *fakeFS) Exists(ctx context.Context, p string) (bool, error) {
	return f.exist[p], nil
}

type fakeDNS struct {
	createErr error
	created   []string
	deletedOK bool
}

func (f *fakeDNS) CreateSRV(ctx context.Context, domain, subdomain string, port int, target string, ttl int) (string, error) {
	f.created = append(f.created, subdomain)
	if f.createErr != nil {
		return "", f.createErr
	}
	return "record-" + subdomain, nil
}

func (f *fakeDNS) DeleteSRV(ctx context.Context, domain, subdomain string) (bool, error) {
	return f.deletedOK, nil
}

type fakeProxies struct {
	added    []string
	removed  []string
	networks []string
}

func (f *fakeProxies) AddServerToAllProxies(ctx context.Context, server *store.Server, targetProxyIDs []string) error {
	f.added = append(f.added, server.ServerName)
	return nil
}

func (f *fakeProxies) RemoveServerFromAllProxies(ctx context.Context, serverName string) error {
	f.removed = append(f.removed, serverName)
	return nil
}

func (f *fakeProxies) ProxyNetworks(ctx context.Context) ([]string, error) {
	return f.networks, nil
}

type fakeServerStore struct {
	byName  map[string]*store.Server
	byID    map[string]*store.Server
	counts  map[string]int
	deleted []string
}

func newFakeServerStore() *fakeServerStore {
	return &fakeServerStore{byName: map[string]*store.Server{}, byID: map[string]*store.Server{}, counts: map[string]int{}}
}

func (f *fakeServerStore) CreateServer(ctx context.Context, server *store.Server) error {
	f.byName[server.ServerName] = server
	f.byID[server.UniqueID] = server
	return nil
}

func (f *fakeServerStore) GetServer(ctx context.Context, uniqueID string) (*store.Server, error) {
	s, ok := f.byID[uniqueID]
	if !ok {
		return nil, errkind.New(errkind.Conflict, "server not found")
	}
	return s, nil
}

func (f *fakeServerStore) GetServerByName(ctx context.Context, serverName string) (*store.Server, error) {
	s, ok := f.byName[serverName]
	if !ok {
		return nil, errkind.New(errkind.Conflict, "server not found")
	}
	return s, nil
}

func (f *fakeServerStore) ListServers(ctx context.Context) ([]*store.Server, error) {
	var servers []*store.Server
	for _, s := range f.byID {
		servers = append(servers, s)
	}
	return servers, nil
}

func (f *fakeServerStore) UpdateServer(ctx context.Context, server *store.Server) error {
	f.byName[server.ServerName] = server
	f.byID[server.UniqueID] = server
	return nil
}

func (f *fakeServerStore) UpdateServerStatus(ctx context.Context, uniqueID string, status store.ServerStatus) error {
	if s, ok := f.byID[uniqueID]; ok {
		s.Status = status
	}
	return nil
}

func (f *fakeServerStore) DeleteServer(ctx context.Context, uniqueID string) error {
	f.deleted = append(f.deleted, uniqueID)
	if s, ok := f.byID[uniqueID]; ok {
		delete(f.byName, s.ServerName)
	}
	delete(f.byID, uniqueID)
	return nil
}

func (f *fakeServerStore) CountServersByOwner(ctx context.Context, ownerEmail string) (int, error) {
	return f.counts[ownerEmail], nil
}

type fakeUserStore struct {
	users map[string]*store.User
}

func (f *fakeUserStore) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	u, ok := f.users[email]
	if !ok {
		return nil, errkind.New(errkind.Conflict, "user not found")
	}
	return u, nil
}

func testPolicy() *portpolicy.Policy {
	return portpolicy.New(
		[]int{25565},
		[]portpolicy.Range{
			{Name: "minecraft-servers", Start: 25566, End: 25665},
			{Name: "minecraft-rcon", Start: 35566, End: 35665},
		},
	)
}

type testFixture struct {
	manager     *Manager
	containerGW *fakeContainerGW
	fs          *fakeFS
	dns         *fakeDNS
	proxies     *fakeProxies
	servers     *fakeServerStore
	users       *fakeUserStore
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	containerGW := &fakeContainerGW{}
	fs := newFakeFS()
	dns := &fakeDNS{}
	proxies := &fakeProxies{}
	servers := newFakeServerStore()
	users := &fakeUserStore{users: map[string]*store.User{
		"owner@example.com": {Email: "owner@example.com", MaxServers: 3},
	}}
	az, err := authz.New()
	require.NoError(t, err)
	require.NoError(t, az.AssignRole("owner@example.com", authz.RoleUser))

	arbiter := portarbiter.New(testPolicy(), &arbiterStoreAdapter{servers: servers}, &noContainers{})

	manager := New(Config{
		DataBase:   "/data",
		RootDomain: "example.com",
	}, logger.New(), arbiter, containerGW, fs, dns, proxies, servers, users, az)

	return &testFixture{manager: manager, containerGW: containerGW, fs: fs, dns: dns, proxies: proxies, servers: servers, users: users}
}

// arbiterStoreAdapter satisfies portarbiter.PortStore over the fake
// server store used in these tests, since the lifecycle fakes do not
// themselves implement port occupancy listing.
type arbiterStoreAdapter struct {
	servers *fakeServerStore
}

func (a *arbiterStoreAdapter) ListAllocatedPorts(ctx context.Context) ([]int, []int, error) {
	var ports []int
	for _, s := range a.servers.byID {
		ports = append(ports, s.Config.Port)
	}
	return ports, nil, nil
}

func (a *arbiterStoreAdapter) ListOtherReservedRanges(ctx context.Context, exceptEmail string) ([]store.ReservedRange, error) {
	return nil, nil
}

type noContainers struct{}

func (noContainers) ListContainers(ctx context.Context) ([]dockercontainer.Summary, error) {
	return nil, nil
}

func TestCreateHappyPath(t *testing.T) {
	f := newFixture(t)

	server, err := f.manager.Create(context.Background(), CreateRequest{
		CallerEmail:   "owner@example.com",
		ServerName:    "survival",
		SubdomainName: "play",
		Config:        store.ServerConfig{BaseServerConfig: store.BaseServerConfig{ServerType: store.TypePaper, Version: "1.20.4", MemoryMB: 2048}},
	})
	require.NoError(t, err)
	require.Equal(t, store.StatusReady, server.Status)
	require.NotZero(t, server.Config.Port)
	require.Len(t, f.containerGW.createName, 1)
	require.Equal(t, []string{"survival"}, f.proxies.added)
	require.Equal(t, "record-play", server.DNSRecordID)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := CreateRequest{CallerEmail: "owner@example.com", ServerName: "survival"}

	_, err := f.manager.Create(ctx, req)
	require.NoError(t, err)

	_, err = f.manager.Create(ctx, req)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Conflict))
}

func TestCreateRejectsOverQuota(t *testing.T) {
	f := newFixture(t)
	f.servers.counts["owner@example.com"] = 3

	_, err := f.manager.Create(context.Background(), CreateRequest{
		CallerEmail: "owner@example.com",
		ServerName:  "extra",
	})
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Conflict))
}

func TestCreateRollsBackOnDeployFailure(t *testing.T) {
	f := newFixture(t)
	f.containerGW.createErr = errkind.New(errkind.ExternalUnavailable, "docker down")

	_, err := f.manager.Create(context.Background(), CreateRequest{
		CallerEmail: "owner@example.com",
		ServerName:  "survival",
	})
	require.Error(t, err)
	_, getErr := f.servers.GetServerByName(context.Background(), "survival")
	require.Error(t, getErr)
}

func TestDeletePerformsAndReportsEveryStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	server, err := f.manager.Create(ctx, CreateRequest{
		CallerEmail:   "owner@example.com",
		ServerName:    "survival",
		SubdomainName: "play",
	})
	require.NoError(t, err)

	report, err := f.manager.Delete(ctx, server.UniqueID, "owner@example.com", false)
	require.NoError(t, err)
	require.True(t, report.Success)
	require.Len(t, report.Steps, 5)
	require.Equal(t, []string{"survival"}, f.proxies.removed)
	require.Contains(t, f.fs.moved, server.FolderPath)

	_, getErr := f.servers.GetServer(ctx, server.UniqueID)
	require.Error(t, getErr)
}

func TestDeleteRejectsNonOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.users.users["intruder@example.com"] = &store.User{Email: "intruder@example.com"}
	require.NoError(t, f.manager.az.AssignRole("intruder@example.com", authz.RoleUser))

	server, err := f.manager.Create(ctx, CreateRequest{CallerEmail: "owner@example.com", ServerName: "survival"})
	require.NoError(t, err)

	_, err = f.manager.Delete(ctx, server.UniqueID, "intruder@example.com", false)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Authorization))
}

func TestValidateServerName(t *testing.T) {
	require.NoError(t, validateServerName("survival-2"))
	require.Error(t, validateServerName(""))
	require.Error(t, validateServerName("has a space"))
}

func TestValidateSubdomain(t *testing.T) {
	require.NoError(t, validateSubdomain("play"))
	require.Error(t, validateSubdomain("Invalid_Sub"))
}
