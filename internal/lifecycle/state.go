package lifecycle

import (
	"context"
	"time"

	"github.com/nova-hosting/controlplane/internal/authz"
	"github.com/nova-hosting/controlplane/internal/errkind"
	"github.com/nova-hosting/controlplane/internal/metrics"
	"github.com/nova-hosting/controlplane/internal/portarbiter"
	"github.com/nova-hosting/controlplane/internal/store"
	"github.com/nova-hosting/controlplane/pkg/logger"
)

// Start transitions a server Ready -> Starting -> Online, starting its
// backing stack. The transient Starting status is persisted first so a
// crash mid-start is resumed on the next startup.
func (m *Manager) Start(ctx context.Context, uniqueID, callerEmail string, callerIsAdmin bool) error {
	start := time.Now()
	err := m.transition(ctx, uniqueID, callerEmail, callerIsAdmin, authz.ActServerStart,
		store.StatusReady, store.StatusStarting, store.StatusOnline)
	metrics.RecordLifecycleStep("start", err, time.Since(start))
	return err
}

// Stop transitions a server Online -> Stopping -> Ready, stopping its
// backing stack without removing it.
func (m *Manager) Stop(ctx context.Context, uniqueID, callerEmail string, callerIsAdmin bool) error {
	start := time.Now()
	err := m.transition(ctx, uniqueID, callerEmail, callerIsAdmin, authz.ActServerStop,
		store.StatusOnline, store.StatusStopping, store.StatusReady)
	metrics.RecordLifecycleStep("stop", err, time.Since(start))
	return err
}

func (m *Manager) transition(ctx context.Context, uniqueID, callerEmail string, callerIsAdmin bool, act string, from, via, to store.ServerStatus) error {
	server, err := m.servers.GetServer(ctx, uniqueID)
	if err != nil {
		return err
	}
	if err := m.az.Can(callerEmail, act, server.ServerName); err != nil {
		return err
	}
	if !callerIsAdmin && server.OwnerEmail != callerEmail {
		return errkind.New(errkind.Authorization, "caller does not own this server")
	}
	if server.Status != from {
		return errkind.New(errkind.Conflict, "server is not "+string(from))
	}

	if err := m.servers.UpdateServerStatus(ctx, uniqueID, via); err != nil {
		return err
	}
	if err := m.applyTransient(ctx, server, via); err != nil {
		_ = m.servers.UpdateServerStatus(ctx, uniqueID, from)
		return err
	}
	return m.settle(ctx, server, to)
}

// applyTransient performs the intrinsic step of a transient status: the
// same step a startup resume retries.
func (m *Manager) applyTransient(ctx context.Context, server *store.Server, via store.ServerStatus) error {
	switch via {
	case store.StatusStarting:
		return m.container.StartStack(ctx, store.StackName(server.UniqueID))
	case store.StatusStopping:
		return m.container.StopStack(ctx, store.StackName(server.UniqueID))
	case store.StatusCreating:
		return m.DeployStack(ctx, server)
	}
	return nil
}

func (m *Manager) settle(ctx context.Context, server *store.Server, to store.ServerStatus) error {
	server.Status = to
	server.IsOnline = to == store.StatusOnline
	return m.servers.UpdateServer(ctx, server)
}

// ResumeTransient is called once at startup: every server persisted in
// a transient status had its operation interrupted by a crash, and is
// resumed by retrying that status's intrinsic step. Failures are logged
// and left for the reconciler; a resume never aborts startup.
func (m *Manager) ResumeTransient(ctx context.Context) error {
	servers, err := m.servers.ListServers(ctx)
	if err != nil {
		return err
	}
	for _, server := range servers {
		slog := m.log.WithFields(logger.Fields{"server": server.ServerName, "unique_id": server.UniqueID, "status": server.Status})
		switch server.Status {
		case store.StatusCreating, store.StatusStarting, store.StatusStopping:
			if err := m.applyTransient(ctx, server, server.Status); err != nil {
				slog.Error("resuming interrupted operation: %v", err)
				continue
			}
			to := store.StatusReady
			if server.Status == store.StatusStarting {
				to = store.StatusOnline
			}
			if err := m.settle(ctx, server, to); err != nil {
				slog.Error("settling resumed server: %v", err)
			}
		case store.StatusDeleting:
			report := m.runDelete(ctx, server)
			if !report.Success {
				slog.Warn("resumed delete finished with failed steps")
			}
		}
	}
	return nil
}

// Availability is the answer to a port availability check: the port(s)
// the caller would receive right now, without persisting anything.
type Availability struct {
	Available     bool
	Port          int
	RCONPort      int
	IsReserved    bool
	ReservedPorts []int
}

// CheckAvailability runs the allocation algorithm for callerEmail
// without creating a server, answering what Create would allocate.
func (m *Manager) CheckAvailability(ctx context.Context, callerEmail string, needsRCON bool) (*Availability, error) {
	user, err := m.users.GetUserByEmail(ctx, callerEmail)
	if err != nil {
		return nil, err
	}
	envID, err := m.container.FirstEnvironmentID(ctx)
	if err != nil {
		return nil, err
	}

	lock := m.arbiter.Lock(envID)
	defer lock.Unlock()

	alloc, err := m.arbiter.Allocate(ctx, portarbiter.Request{
		UserEmail:     callerEmail,
		NeedsRCON:     needsRCON,
		EnvironmentID: envID,
	}, user)
	if err != nil {
		if errkind.Is(err, errkind.Conflict) {
			return &Availability{Available: false, ReservedPorts: user.ReservedPorts}, nil
		}
		return nil, err
	}
	return &Availability{
		Available:     true,
		Port:          alloc.Port,
		RCONPort:      alloc.RCONPort,
		IsReserved:    alloc.Reserved,
		ReservedPorts: user.ReservedPorts,
	}, nil
}

// reservedSubdomains are labels the platform keeps for its own
// infrastructure; only admins may claim them.
var reservedSubdomains = map[string]bool{
	"www":    true,
	"mail":   true,
	"smtp":   true,
	"api":    true,
	"admin":  true,
	"ns1":    true,
	"ns2":    true,
	"proxy":  true,
	"status": true,
}

// SubdomainCheck is the answer to a subdomain availability check.
type SubdomainCheck struct {
	IsValid    bool
	IsReserved bool
	CanUse     bool
}

// CheckSubdomain validates subdomain as a DNS label and reports whether
// callerEmail may claim it (reserved labels require admin).
func (m *Manager) CheckSubdomain(subdomain, callerEmail string) *SubdomainCheck {
	check := &SubdomainCheck{
		IsValid:    validateSubdomain(subdomain) == nil,
		IsReserved: reservedSubdomains[subdomain],
	}
	check.CanUse = check.IsValid
	if check.IsReserved {
		check.CanUse = check.IsValid && m.az.Can(callerEmail, authz.ActSubdomainReserved, subdomain) == nil
	}
	return check
}
