// Command cpctl issues one-shot admin operations against the same
// component wiring as cmd/controlplane, without going through the
// (out-of-scope) HTTP ingress: trigger a reconcile pass, inspect port
// occupancy, or validate the port policy configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nova-hosting/controlplane/internal/config"
	"github.com/nova-hosting/controlplane/internal/container"
	"github.com/nova-hosting/controlplane/internal/dns"
	"github.com/nova-hosting/controlplane/internal/fswebdav"
	"github.com/nova-hosting/controlplane/internal/portarbiter"
	"github.com/nova-hosting/controlplane/internal/portpolicy"
	"github.com/nova-hosting/controlplane/internal/reconciler"
	"github.com/nova-hosting/controlplane/internal/store"
	"github.com/nova-hosting/controlplane/pkg/logger"
)

func main() {
	var configPath = flag.String("config", "", "Path to configuration directory")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cpctl [-config path] <reconcile|validate-policy|occupancy>")
		os.Exit(2)
	}

	log := logger.New()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("loading configuration: %v", err)
	}

	switch args[0] {
	case "validate-policy":
		runValidatePolicy(log, cfg)
	case "reconcile":
		runReconcile(log, cfg)
	case "occupancy":
		runOccupancy(log, cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		os.Exit(2)
	}
}

func runValidatePolicy(log *logger.Logger, cfg *config.Config) {
	ranges := make([]portpolicy.Range, 0, len(cfg.PortPolicy.Ranges))
	for _, r := range cfg.PortPolicy.Ranges {
		ranges = append(ranges, portpolicy.Range{Name: r.Name, Start: r.Start, End: r.End})
	}
	policy := portpolicy.New(cfg.PortPolicy.ReservedPorts, ranges)
	valid, errs := policy.ValidateConfig()
	if !valid {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e)
		}
		os.Exit(1)
	}
	fmt.Println("port policy config is valid")
}

func runReconcile(log *logger.Logger, cfg *config.Config) {
	ctx := context.Background()

	docStore, err := store.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		log.Fatal("connecting to mongo: %v", err)
	}
	defer docStore.Close(ctx)

	containerClient, err := container.NewClient(container.ClientConfig{
		Host:        cfg.Docker.Host,
		APIVersion:  cfg.Docker.APIVersion,
		NetworkName: cfg.Docker.NetworkName,
	})
	if err != nil {
		log.Fatal("initializing container gateway: %v", err)
	}
	defer containerClient.Close()

	fsClient := fswebdav.NewClient(cfg.WebDAV.URL, cfg.WebDAV.Username, cfg.WebDAV.Password, cfg.WebDAV.ServerBase)
	dnsClient := dns.NewClient(cfg.Porkbun.APIKey, cfg.Porkbun.SecretKey)

	defs := reconciler.NewDefinitionSource(cfg.Reconciler.ProxyDefinitionsPath)
	recon := reconciler.New(reconciler.Config{
		RootDomain:         cfg.Server.RootDomain,
		HostConfigBase:     cfg.Reconciler.ProxyConfigBase,
		ProxyContainerPort: 25577,
	}, log, defs, containerClient, fsClient, docStore)
	recon.SetDNSProvisioner(dnsClient)

	envID, err := containerClient.FirstEnvironmentID(ctx)
	if err != nil {
		log.Fatal("resolving container environment: %v", err)
	}

	if err := recon.Run(ctx, envID); err != nil {
		log.Fatal("reconcile failed: %v", err)
	}
	fmt.Println("reconcile complete")
	for _, h := range recon.Health() {
		fmt.Printf("proxy %s (%s): healthy=%v\n", h.Name, h.Type, h.Healthy)
	}
}

// runOccupancy prints the arbiter's live occupancy set for the default
// environment: every port currently bound by a running
// container, stored on a Server document, or reserved in another user's
// range. It does not apply any single user's candidate list, since
// there is no calling user in a one-shot operator command.
func runOccupancy(log *logger.Logger, cfg *config.Config) {
	ctx := context.Background()

	docStore, err := store.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		log.Fatal("connecting to mongo: %v", err)
	}
	defer docStore.Close(ctx)

	containerClient, err := container.NewClient(container.ClientConfig{
		Host:        cfg.Docker.Host,
		APIVersion:  cfg.Docker.APIVersion,
		NetworkName: cfg.Docker.NetworkName,
	})
	if err != nil {
		log.Fatal("initializing container gateway: %v", err)
	}
	defer containerClient.Close()

	ranges := make([]portpolicy.Range, 0, len(cfg.PortPolicy.Ranges))
	for _, r := range cfg.PortPolicy.Ranges {
		ranges = append(ranges, portpolicy.Range{Name: r.Name, Start: r.Start, End: r.End})
	}
	policy := portpolicy.New(cfg.PortPolicy.ReservedPorts, ranges)
	arbiter := portarbiter.New(policy, docStore, containerClient)

	envID, err := containerClient.FirstEnvironmentID(ctx)
	if err != nil {
		log.Fatal("resolving container environment: %v", err)
	}

	ports, err := arbiter.Occupancy(ctx, envID)
	if err != nil {
		log.Fatal("inspecting occupancy: %v", err)
	}
	fmt.Printf("%d port(s) occupied in environment %s:\n", len(ports), envID)
	for _, p := range ports {
		reserved := policy.IsReserved(p)
		fmt.Printf("  %d (system-reserved=%v)\n", p, reserved)
	}
}
