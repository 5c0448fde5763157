// Command controlplane wires together the control plane's components
// and runs the reconciler's periodic ensure-fleet/sync-servers loop.
// The inbound HTTP surface is an external collaborator expected to be
// mounted on top of the components built here.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nova-hosting/controlplane/internal/authz"
	"github.com/nova-hosting/controlplane/internal/config"
	"github.com/nova-hosting/controlplane/internal/container"
	"github.com/nova-hosting/controlplane/internal/dns"
	"github.com/nova-hosting/controlplane/internal/fswebdav"
	"github.com/nova-hosting/controlplane/internal/lifecycle"
	"github.com/nova-hosting/controlplane/internal/portarbiter"
	"github.com/nova-hosting/controlplane/internal/portpolicy"
	"github.com/nova-hosting/controlplane/internal/reconciler"
	"github.com/nova-hosting/controlplane/internal/scheduler"
	"github.com/nova-hosting/controlplane/internal/store"
	"github.com/nova-hosting/controlplane/pkg/logger"
)

func main() {
	var configPath = flag.String("config", "", "Path to configuration directory")
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("loading configuration: %v", err)
	}
	log = logger.NewWithConfig(&logger.Config{
		Enabled:    cfg.Logging.Enabled,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

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
	if err := containerClient.EnsureNetwork(ctx, containerClient.NetworkName()); err != nil {
		log.Fatal("ensuring default container network: %v", err)
	}

	fsClient := fswebdav.NewClient(cfg.WebDAV.URL, cfg.WebDAV.Username, cfg.WebDAV.Password, cfg.WebDAV.ServerBase)
	dnsClient := dns.NewClient(cfg.Porkbun.APIKey, cfg.Porkbun.SecretKey)

	ranges := make([]portpolicy.Range, 0, len(cfg.PortPolicy.Ranges))
	for _, r := range cfg.PortPolicy.Ranges {
		ranges = append(ranges, portpolicy.Range{Name: r.Name, Start: r.Start, End: r.End})
	}
	policy := portpolicy.New(cfg.PortPolicy.ReservedPorts, ranges)
	if valid, problems := policy.ValidateConfig(); !valid {
		log.Fatal("port policy config invalid: %v", problems)
	}

	arbiter := portarbiter.New(policy, docStore, containerClient)

	authorizer, err := authz.New()
	if err != nil {
		log.Fatal("building authorizer: %v", err)
	}

	defs := reconciler.NewDefinitionSource(cfg.Reconciler.ProxyDefinitionsPath)
	recon := reconciler.New(reconciler.Config{
		RootDomain:         cfg.Server.RootDomain,
		HostConfigBase:     cfg.Reconciler.ProxyConfigBase,
		ProxyContainerPort: 25577,
	}, log, defs, containerClient, fsClient, docStore)
	recon.SetDNSProvisioner(dnsClient)

	manager := lifecycle.New(lifecycle.Config{
		DataBase:            cfg.Server.MinecraftPath,
		RootDomain:          cfg.Server.RootDomain,
		DeleteServerFolders: cfg.Server.DeleteServerDir,
	}, log, arbiter, containerClient, fsClient, dnsClient, recon, docStore, docStore, authorizer)
	recon.SetDeployer(manager)

	envID, err := containerClient.FirstEnvironmentID(ctx)
	if err != nil {
		log.Fatal("resolving container environment: %v", err)
	}

	// Servers persisted mid-operation (creating/starting/stopping/
	// deleting) resume by retrying that status's intrinsic step.
	if err := manager.ResumeTransient(ctx); err != nil {
		log.Error("resuming transient servers: %v", err)
	}

	tickerCfg := scheduler.Config{
		Interval: time.Duration(cfg.Reconciler.IntervalMinutes) * time.Minute,
		Jitter:   time.Duration(cfg.Reconciler.JitterSeconds) * time.Second,
	}
	ticker := scheduler.New(tickerCfg, log, func(ctx context.Context) {
		if err := recon.Run(ctx, envID); err != nil {
			log.Error("reconciler run: %v", err)
		}
	})
	if err := ticker.Start(); err != nil {
		log.Fatal("starting reconciler ticker: %v", err)
	}
	defer ticker.Stop()

	log.Info("controlplane started, root domain %s", cfg.Server.RootDomain)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
}
