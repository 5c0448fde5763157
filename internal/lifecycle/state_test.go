package lifecycle

import (
	"context"
	"testing"

	"github.com/nova-hosting/controlplane/internal/errkind"
	"github.com/nova-hosting/controlplane/internal/store"
	"github.com/stretchr/testify/require"
)

func createTestServer(t *testing.T, f *testFixture) *store.Server {
	t.Helper()
	server, err := f.manager.Create(context.Background(), CreateRequest{
		CallerEmail: "owner@example.com",
		ServerName:  "survival",
	})
	require.NoError(t, err)
	return server
}

func TestStartTransitionsReadyToOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := createTestServer(t, f)

	require.NoError(t, f.manager.Start(ctx, server.UniqueID, "owner@example.com", false))
	require.Equal(t, store.StatusOnline, server.Status)
	require.True(t, server.IsOnline)
	require.Equal(t, []string{store.StackName(server.UniqueID)}, f.containerGW.started)
}

func TestStartRejectsWrongState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := createTestServer(t, f)

	require.NoError(t, f.manager.Start(ctx, server.UniqueID, "owner@example.com", false))
	err := f.manager.Start(ctx, server.UniqueID, "owner@example.com", false)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Conflict))
}

func TestStartRevertsStatusOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := createTestServer(t, f)
	f.containerGW.startErr = errkind.New(errkind.ExternalUnavailable, "docker down")

	err := f.manager.Start(ctx, server.UniqueID, "owner@example.com", false)
	require.Error(t, err)
	got, getErr := f.servers.GetServer(ctx, server.UniqueID)
	require.NoError(t, getErr)
	require.Equal(t, store.StatusReady, got.Status)
	require.False(t, got.IsOnline)
}

func TestStopTransitionsOnlineToReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := createTestServer(t, f)

	require.NoError(t, f.manager.Start(ctx, server.UniqueID, "owner@example.com", false))
	require.NoError(t, f.manager.Stop(ctx, server.UniqueID, "owner@example.com", false))
	require.Equal(t, store.StatusReady, server.Status)
	require.False(t, server.IsOnline)
	require.Equal(t, []string{store.StackName(server.UniqueID)}, f.containerGW.stopped)
}

func TestResumeTransientRetriesInterruptedStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := createTestServer(t, f)
	server.Status = store.StatusStarting
	require.NoError(t, f.servers.UpdateServer(ctx, server))

	require.NoError(t, f.manager.ResumeTransient(ctx))
	got, err := f.servers.GetServer(ctx, server.UniqueID)
	require.NoError(t, err)
	require.Equal(t, store.StatusOnline, got.Status)
	require.True(t, got.IsOnline)
}

func TestResumeTransientFinishesInterruptedDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := createTestServer(t, f)
	server.Status = store.StatusDeleting
	require.NoError(t, f.servers.UpdateServer(ctx, server))

	require.NoError(t, f.manager.ResumeTransient(ctx))
	_, err := f.servers.GetServer(ctx, server.UniqueID)
	require.Error(t, err)
	require.Equal(t, []string{"survival"}, f.proxies.removed)
}

func TestCheckAvailabilityFreshUser(t *testing.T) {
	f := newFixture(t)

	avail, err := f.manager.CheckAvailability(context.Background(), "owner@example.com", true)
	require.NoError(t, err)
	require.True(t, avail.Available)
	require.Equal(t, 25566, avail.Port)
	require.Equal(t, 35566, avail.RCONPort)
	require.False(t, avail.IsReserved)
}

func TestCheckAvailabilityPrefersUserReservation(t *testing.T) {
	f := newFixture(t)
	f.users.users["owner@example.com"].ReservedPorts = []int{25600}

	avail, err := f.manager.CheckAvailability(context.Background(), "owner@example.com", false)
	require.NoError(t, err)
	require.True(t, avail.Available)
	require.Equal(t, 25600, avail.Port)
	require.True(t, avail.IsReserved)
	require.Equal(t, []int{25600}, avail.ReservedPorts)
}

func TestCheckAvailabilityDoesNotPersist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.CheckAvailability(ctx, "owner@example.com", false)
	require.NoError(t, err)
	second, err := f.manager.CheckAvailability(ctx, "owner@example.com", false)
	require.NoError(t, err)
	require.Equal(t, first.Port, second.Port)
}

func TestCheckSubdomain(t *testing.T) {
	f := newFixture(t)

	check := f.manager.CheckSubdomain("play", "owner@example.com")
	require.True(t, check.IsValid)
	require.False(t, check.IsReserved)
	require.True(t, check.CanUse)

	check = f.manager.CheckSubdomain("admin", "owner@example.com")
	require.True(t, check.IsValid)
	require.True(t, check.IsReserved)
	require.False(t, check.CanUse)

	check = f.manager.CheckSubdomain("Not_A_Label", "owner@example.com")
	require.False(t, check.IsValid)
	require.False(t, check.CanUse)
}

func TestCheckSubdomainAdminMayUseReserved(t *testing.T) {
	f := newFixture(t)
	f.users.users["root@example.com"] = &store.User{Email: "root@example.com", IsAdmin: true}
	require.NoError(t, f.manager.az.AssignRole("root@example.com", "admin"))

	check := f.manager.CheckSubdomain("admin", "root@example.com")
	require.True(t, check.CanUse)
}
