package portarbiter

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/nova-hosting/controlplane/internal/portpolicy"
	"github.com/nova-hosting/controlplane/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeContainers struct{ ports []uint16 }

func (f fakeContainers) ListContainers(ctx context.Context) ([]dockercontainer.Summary, error) {
	var summaries []dockercontainer.Summary
	for _, p := range f.ports {
		summaries = append(summaries, dockercontainer.Summary{
			Ports: []dockercontainer.Port{{PublicPort: p}},
		})
	}
	return summaries, nil
}

type fakeStore struct {
	mu          sync.Mutex
	ports       []int
	rconPorts   []int
	otherRanges []store.ReservedRange
}

func (f *fakeStore) ListAllocatedPorts(ctx context.Context) ([]int, []int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.ports...), append([]int(nil), f.rconPorts...), nil
}

func (f *fakeStore) ListOtherReservedRanges(ctx context.Context, exceptEmail string) ([]store.ReservedRange, error) {
	return f.otherRanges, nil
}

// persist records an allocation the way the lifecycle manager would by
// inserting a Server row while still holding the environment lock.
func (f *fakeStore) persist(alloc Allocation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ports = append(f.ports, alloc.Port)
	if alloc.RCONPort != 0 {
		f.rconPorts = append(f.rconPorts, alloc.RCONPort)
	}
}

func testPolicy() *portpolicy.Policy {
	return portpolicy.New(
		[]int{3306, 5432, 6379, 25565, 27017},
		[]portpolicy.Range{
			{Name: rangeMinecraftServers, Start: 25566, End: 25665},
			{Name: rangeMinecraftRCON, Start: 35566, End: 35665},
		},
	)
}

func TestAllocateFreshAllocation(t *testing.T) {
	a := New(testPolicy(), &fakeStore{}, fakeContainers{})
	user := &store.User{Email: "u@x"}

	alloc, err := a.Allocate(context.Background(), Request{UserEmail: user.Email, NeedsRCON: true}, user)
	require.NoError(t, err)
	require.Equal(t, 25566, alloc.Port)
	require.Equal(t, 35566, alloc.RCONPort)
	require.False(t, alloc.Reserved)
}

func TestAllocateReservationPriority(t *testing.T) {
	occupiedPorts := make([]int, 0, 14)
	for p := 25566; p <= 25579; p++ {
		occupiedPorts = append(occupiedPorts, p)
	}
	a := New(testPolicy(), &fakeStore{ports: occupiedPorts}, fakeContainers{})
	user := &store.User{Email: "u@x", ReservedPorts: []int{25580}}

	alloc, err := a.Allocate(context.Background(), Request{UserEmail: user.Email}, user)
	require.NoError(t, err)
	require.Equal(t, 25580, alloc.Port)
	require.True(t, alloc.Reserved)
}

func TestAllocateAvoidsOtherUsersReservedRange(t *testing.T) {
	a := New(testPolicy(), &fakeStore{
		otherRanges: []store.ReservedRange{{Start: 25570, End: 25575}},
	}, fakeContainers{})
	user := &store.User{Email: "b@x"}

	alloc, err := a.Allocate(context.Background(), Request{UserEmail: user.Email}, user)
	require.NoError(t, err)
	require.False(t, alloc.Port >= 25570 && alloc.Port <= 25575)
	require.False(t, testPolicy().IsReserved(alloc.Port))
}

func TestAllocateSkipsContainerBoundPorts(t *testing.T) {
	a := New(testPolicy(), &fakeStore{}, fakeContainers{ports: []uint16{25566, 25567}})
	user := &store.User{Email: "u@x"}

	alloc, err := a.Allocate(context.Background(), Request{UserEmail: user.Email}, user)
	require.NoError(t, err)
	require.Equal(t, 25568, alloc.Port)
}

func TestAllocateNoPortAvailable(t *testing.T) {
	var all []int
	for p := 25566; p <= 25665; p++ {
		all = append(all, p)
	}
	a := New(testPolicy(), &fakeStore{ports: all}, fakeContainers{})
	user := &store.User{Email: "u@x"}

	_, err := a.Allocate(context.Background(), Request{UserEmail: user.Email}, user)
	require.Error(t, err)
}

// Concurrent allocations that each persist under the environment lock
// must never return the same port twice.
func TestAllocateConcurrentUniqueness(t *testing.T) {
	st := &fakeStore{}
	a := New(testPolicy(), st, fakeContainers{})
	user := &store.User{Email: "u@x"}

	const workers = 20
	results := make(chan Allocation, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock := a.Lock("env-1")
			defer lock.Unlock()
			alloc, err := a.Allocate(context.Background(), Request{UserEmail: user.Email, NeedsRCON: true, EnvironmentID: "env-1"}, user)
			if err != nil {
				return
			}
			st.persist(alloc)
			results <- alloc
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int]bool{}
	n := 0
	for alloc := range results {
		require.False(t, seen[alloc.Port], "port %d allocated twice", alloc.Port)
		require.False(t, seen[alloc.RCONPort], "rcon port %d allocated twice", alloc.RCONPort)
		seen[alloc.Port] = true
		seen[alloc.RCONPort] = true
		n++
	}
	require.Equal(t, workers, n)
}

// Range discipline and reserved-port sanctity over randomized occupancy:
// every allocated port is in minecraft-servers or the user's own
// reservations, every RCON port in minecraft-rcon, and no allocation
// ever returns a system-reserved port.
func TestAllocateRangeDisciplineRandomized(t *testing.T) {
	policy := testPolicy()
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 50; trial++ {
		var occupied []int
		for p := 25566; p <= 25665; p++ {
			if rng.Intn(2) == 0 {
				occupied = append(occupied, p)
			}
		}
		user := &store.User{Email: "u@x"}
		if rng.Intn(2) == 0 {
			user.ReservedPorts = []int{25600 + rng.Intn(60)}
		}

		a := New(policy, &fakeStore{ports: occupied}, fakeContainers{})
		alloc, err := a.Allocate(context.Background(), Request{UserEmail: user.Email, NeedsRCON: true}, user)
		if err != nil {
			continue
		}

		inUserReserved := false
		for _, p := range user.ReservedPorts {
			if p == alloc.Port {
				inUserReserved = true
			}
		}
		require.True(t, policy.InRange(alloc.Port, rangeMinecraftServers) || inUserReserved,
			"port %d outside minecraft-servers and user reservations", alloc.Port)
		require.True(t, policy.InRange(alloc.RCONPort, rangeMinecraftRCON),
			"rcon port %d outside minecraft-rcon", alloc.RCONPort)
		require.False(t, policy.IsReserved(alloc.Port))
		require.False(t, policy.IsReserved(alloc.RCONPort))
	}
}

func TestAuthorizeReservationNonAdminOutOfRange(t *testing.T) {
	err := AuthorizeReservation(testPolicy(), false, 8080, nil)
	require.Error(t, err)
}

func TestAuthorizeReservationAdminAnyPort(t *testing.T) {
	err := AuthorizeReservation(testPolicy(), true, 8080, nil)
	require.NoError(t, err)
}

func TestAuthorizeReservationOverlapsOtherUser(t *testing.T) {
	err := AuthorizeReservation(testPolicy(), false, 25572,
		[]store.ReservedRange{{Start: 25570, End: 25575}})
	require.Error(t, err)
}
