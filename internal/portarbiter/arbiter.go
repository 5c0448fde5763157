// Package portarbiter chooses TCP ports for new servers, honoring
// per-user reservations, the system-reserved set, range policy, and
// live occupancy from running containers and persisted Server documents.
// It performs no policy computation of its own (that lives in
// internal/portpolicy) and writes nothing; allocation only reserves a
// port in the caller's mind until the caller persists a Server row
// while still holding the per-environment lock this package hands out.
package portarbiter

import (
	"context"
	"sort"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/nova-hosting/controlplane/internal/errkind"
	"github.com/nova-hosting/controlplane/internal/metrics"
	"github.com/nova-hosting/controlplane/internal/portpolicy"
	"github.com/nova-hosting/controlplane/internal/store"
)

// ContainerLister is the narrow slice of the container gateway the
// arbiter needs, so tests can supply a fake fleet of bound ports.
type ContainerLister interface {
	ListContainers(ctx context.Context) ([]dockercontainer.Summary, error)
}

// PortStore is the narrow slice of the store the arbiter needs.
type PortStore interface {
	ListAllocatedPorts(ctx context.Context) (ports []int, rconPorts []int, err error)
	ListOtherReservedRanges(ctx context.Context, exceptEmail string) ([]store.ReservedRange, error)
}

const (
	rangeMinecraftServers = "minecraft-servers"
	rangeMinecraftRCON    = "minecraft-rcon"
)

// Request describes one allocation ask.
type Request struct {
	UserEmail     string
	NeedsRCON     bool
	EnvironmentID string
}

// Allocation is the arbiter's output: a port, optionally an RCON port
// alongside it, and whether the port came out of the caller's own
// reservations rather than the shared range.
type Allocation struct {
	Port     int
	RCONPort int
	Reserved bool
}

// Arbiter holds the locks, policy table, store, and container gateway
// the allocation algorithm needs.
type Arbiter struct {
	policy    *portpolicy.Policy
	store     PortStore
	container ContainerLister

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(policy *portpolicy.Policy, st PortStore, containerClient ContainerLister) *Arbiter {
	return &Arbiter{
		policy:    policy,
		store:     st,
		container: containerClient,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Lock returns the exclusive lock scoped to environmentID. Callers must
// hold it across evaluation and persistence of the draft Server row;
// Unlock releases it.
func (a *Arbiter) Lock(environmentID string) *sync.Mutex {
	a.mu.Lock()
	l, ok := a.locks[environmentID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[environmentID] = l
	}
	a.mu.Unlock()
	l.Lock()
	return l
}

// Allocate runs the deterministic first-fit algorithm. Callers must
// already hold the lock returned by Lock(req.EnvironmentID) and keep
// holding it until the resulting port is persisted.
func (a *Arbiter) Allocate(ctx context.Context, req Request, user *store.User) (Allocation, error) {
	alloc, err := a.allocate(ctx, req, user)
	metrics.RecordPortAllocation(err)
	return alloc, err
}

func (a *Arbiter) allocate(ctx context.Context, req Request, user *store.User) (Allocation, error) {
	occupied, err := a.occupancy(ctx, req.EnvironmentID, user.Email)
	if err != nil {
		return Allocation{}, err
	}

	candidates := privateCandidates(user, a.policy, rangeMinecraftServers)
	port, reserved, err := firstFit(candidates, occupied, a.policy)
	if err != nil {
		return Allocation{}, errkind.New(errkind.Conflict, "no-port-available")
	}

	alloc := Allocation{Port: port, Reserved: reserved}
	if req.NeedsRCON {
		occupied[port] = true
		// RCON ports come from the minecraft-rcon range only, never from
		// the user's own reservations.
		rconCandidates := privateCandidates(&store.User{}, a.policy, rangeMinecraftRCON)
		rconPort, _, err := firstFit(rconCandidates, occupied, a.policy)
		if err != nil {
			return Allocation{}, errkind.New(errkind.Conflict, "no-rcon-port-available")
		}
		alloc.RCONPort = rconPort
	}
	return alloc, nil
}

// Occupancy returns the sorted live occupancy set (minus the
// system-reserved set, which policy.IsReserved checks separately) for
// environmentID, with no per-user candidate filtering applied — used by
// cpctl's operator-facing "inspect port occupancy" command, not by the
// allocation path itself.
func (a *Arbiter) Occupancy(ctx context.Context, environmentID string) ([]int, error) {
	occupied, err := a.occupancy(ctx, environmentID, "")
	if err != nil {
		return nil, err
	}
	ports := make([]int, 0, len(occupied))
	for p := range occupied {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}

// occupancy builds the live occupancy set: ports bound by any running
// container in environmentID, ports stored on any Server document, and
// ports within any other user's reserved ranges. Policy-reserved ports
// are not included; firstFit checks them with policy.IsReserved.
func (a *Arbiter) occupancy(ctx context.Context, environmentID, ownerEmail string) (map[int]bool, error) {
	occupied := make(map[int]bool)

	containers, err := a.container.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range containers {
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				occupied[int(p.PublicPort)] = true
			}
		}
	}

	ports, rconPorts, err := a.store.ListAllocatedPorts(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range ports {
		occupied[p] = true
	}
	for _, p := range rconPorts {
		occupied[p] = true
	}

	ranges, err := a.store.ListOtherReservedRanges(ctx, ownerEmail)
	if err != nil {
		return nil, err
	}
	for _, r := range ranges {
		for p := r.Start; p <= r.End; p++ {
			occupied[p] = true
		}
	}

	return occupied, nil
}

// candidate is one port to try, tagged with whether it came from the
// user's own reservations.
type candidate struct {
	port     int
	reserved bool
}

// privateCandidates builds the user's private candidate list: individual
// reserved ports first, then each reserved range's integers in order,
// then the named fallback range.
func privateCandidates(user *store.User, policy *portpolicy.Policy, fallbackRange string) []candidate {
	var candidates []candidate
	for _, p := range user.ReservedPorts {
		candidates = append(candidates, candidate{port: p, reserved: true})
	}
	for _, r := range user.ReservedPortRanges {
		for p := r.Start; p <= r.End; p++ {
			candidates = append(candidates, candidate{port: p, reserved: true})
		}
	}
	if r, ok := policy.Range(fallbackRange); ok {
		for p := r.Start; p <= r.End; p++ {
			candidates = append(candidates, candidate{port: p})
		}
	}
	return candidates
}

func firstFit(candidates []candidate, occupied map[int]bool, policy *portpolicy.Policy) (port int, reserved bool, err error) {
	for _, c := range candidates {
		if occupied[c.port] {
			continue
		}
		if policy.IsReserved(c.port) {
			continue
		}
		return c.port, c.reserved, nil
	}
	return 0, false, errkind.New(errkind.Conflict, "no candidate available")
}

// AuthorizeReservation enforces the reservation rule: admins may
// reserve any legal port; non-admins must stay within the public
// minecraft-servers range and must not overlap another user's range.
func AuthorizeReservation(policy *portpolicy.Policy, isAdmin bool, port int, otherRanges []store.ReservedRange) error {
	if isAdmin {
		return nil
	}
	if !policy.InRange(port, rangeMinecraftServers) {
		return errkind.New(errkind.Authorization, "reservation outside public range")
	}
	for _, r := range otherRanges {
		if port >= r.Start && port <= r.End {
			return errkind.New(errkind.Authorization, "reservation overlaps another user's range")
		}
	}
	return nil
}
