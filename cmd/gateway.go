package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/agent"
	"github.com/nextlevelbuilder/agentgate/internal/authpool"
	"github.com/nextlevelbuilder/agentgate/internal/bootstrap"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/channels"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/cron"
	"github.com/nextlevelbuilder/agentgate/internal/gateway"
	"github.com/nextlevelbuilder/agentgate/internal/media"
	"github.com/nextlevelbuilder/agentgate/internal/routing"
	"github.com/nextlevelbuilder/agentgate/internal/scheduler"
	"github.com/nextlevelbuilder/agentgate/internal/skills"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/internal/store/file"
	"github.com/nextlevelbuilder/agentgate/internal/store/sqlite"
	"github.com/nextlevelbuilder/agentgate/internal/telemetry"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
)

func runGateway() {
	logBuf := gateway.NewLogBuffer(2000)
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(gateway.Fanout(
		slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
		logBuf.Handler(level),
	))
	slog.SetDefault(log)
	gateway.Version = Version

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	cfgStore := config.NewStore(cfgPath, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		log.Warn("telemetry disabled", "error", err)
		tel = nil
	}

	sessions, err := openSessionStore(cfg)
	if err != nil {
		log.Error("session store failed", "error", err)
		os.Exit(1)
	}

	mediaStore, err := media.NewStore(cfg.Media.Dir, time.Duration(cfg.Media.TTLHours)*time.Hour, log)
	if err != nil {
		log.Error("media store failed", "error", err)
		os.Exit(1)
	}
	mediaDone := make(chan struct{})
	go mediaStore.RunGC(mediaDone)
	fetcher := media.NewFetcher(mediaStore, cfg.Media.MaxFetchBytes,
		time.Duration(cfg.Media.FetchTimeoutS)*time.Second, cfg.Media.AllowPrivateCIDRs)

	pool, err := authpool.New(cfg.Providers.Profiles, cfg.Providers.StatePath, log)
	if err != nil {
		log.Error("auth pool failed", "error", err)
		os.Exit(1)
	}

	msgBus := bus.NewMessageBus()

	workspace := cfg.Agents.Defaults.Workspace
	if workspace == "" {
		home, _ := os.UserHomeDir()
		workspace = filepath.Join(home, ".agentgate", "workspace")
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		log.Error("workspace unavailable", "dir", workspace, "error", err)
		os.Exit(1)
	}
	if seeded, err := bootstrap.Ensure(workspace); err != nil {
		log.Warn("workspace seed incomplete", "error", err)
	} else if len(seeded) > 0 {
		log.Info("workspace seeded", "files", seeded)
	}

	toolsReg := tools.NewRegistry()
	mustRegister(log, toolsReg, tools.NewShellTool(workspace))
	mustRegister(log, toolsReg, tools.NewWebFetchTool(fetcher, mediaStore))

	broker := tools.NewBroker(func(a tools.Approval) {
		msgBus.Broadcast(bus.Event{Name: "approval", Payload: a})
	})

	skillsLoader := skills.NewLoader(filepath.Join(workspace, "skills"), log)
	cfgStore.OnReload(func(*config.Config) { skillsLoader.Reload() })

	runner := agent.NewRunner(agent.Deps{
		Config:   cfgStore,
		Sessions: sessions,
		Registry: toolsReg,
		Broker:   broker,
		Pool:     pool,
		Events:   msgBus,
		Outbound: msgBus,
		Skills:   skillsLoader,
		Log:      log,
	})
	sched := scheduler.New(cfg.Scheduler, runner.Run, log)
	go sched.RunEvictLoop(ctx)

	resolver := routing.NewResolver(nil)
	go consumeInbound(ctx, msgBus, resolver, cfgStore, sched, log)

	registry := channels.NewRegistry(log)
	for name, chCfg := range cfg.Channels {
		if !chCfg.Enabled {
			continue
		}
		switch name {
		case "loopback":
			if err := registry.Register(channels.NewLoopback(msgBus, chCfg)); err != nil {
				log.Error("channel register failed", "channel", name, "error", err)
			}
		default:
			log.Warn("unknown channel in config", "channel", name)
		}
	}
	registry.StartAll(ctx)
	deliverer := channels.NewDeliverer(registry, msgBus, cfgStore, log)
	go deliverer.Run(ctx)

	var cronSvc *cron.Service
	if cfg.Cron.Enabled {
		storePath := cfg.Cron.StorePath
		if storePath == "" {
			storePath = filepath.Join(filepath.Dir(cfgPath), "cron.json")
		}
		cronSvc, err = cron.NewService(storePath, func(key, agentID, trigger string, env bus.Envelope) {
			sched.Submit(key, agentID, trigger, env, 0)
		}, log)
		if err != nil {
			log.Error("cron store failed", "error", err)
			os.Exit(1)
		}
		go cronSvc.Loop(ctx)
	}

	go func() {
		if err := cfgStore.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn("config watch stopped", "error", err)
		}
	}()

	srv := gateway.NewServer(gateway.Deps{
		Config:    cfgStore,
		Sessions:  sessions,
		Scheduler: sched,
		Runner:    runner,
		Resolver:  resolver,
		Bus:       msgBus,
		Channels:  registry,
		Broker:    broker,
		Pool:      pool,
		Cron:      cronSvc,
		Skills:    skillsLoader,
		Logs:      logBuf,
		Log:       log,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error("gateway failed", "error", err)
		}
		stop()
	}

	// Teardown in reverse dependency order, bounded by the abort grace.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.AbortGrace()+5*time.Second)
	defer cancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Warn("scheduler shutdown incomplete", "error", err)
	}
	registry.StopAll(shutdownCtx)
	close(mediaDone)
	if err := sessions.Close(); err != nil {
		log.Warn("session store close failed", "error", err)
	}
	if tel != nil {
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry flush failed", "error", err)
		}
	}
	log.Info("goodbye")
}

func openSessionStore(cfg *config.Config) (store.SessionStore, error) {
	switch cfg.Sessions.Backend {
	case "sqlite":
		return sqlite.New(filepath.Join(cfg.Sessions.Dir, "sessions.db"))
	default:
		return file.New(cfg.Sessions.Dir)
	}
}

func mustRegister(log *slog.Logger, reg *tools.Registry, t tools.Tool) {
	if err := reg.Register(t); err != nil {
		log.Error("tool registration failed", "error", err)
		os.Exit(1)
	}
}

// consumeInbound routes normalized envelopes from channels onto scheduler
// lanes. Blocked envelopes are dropped with a debug log only.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, resolver *routing.Resolver,
	cfgStore *config.Store, sched *scheduler.Scheduler, log *slog.Logger) {
	for {
		env, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		snapshot := cfgStore.Current()
		route := resolver.Resolve(env, snapshot)
		if route.Policy.Blocked {
			log.Debug("inbound dropped", "channel", env.Channel, "peer", env.Peer, "reason", route.Policy.BlockReason)
			continue
		}
		debounce := time.Duration(snapshot.Channel(env.Channel).DebounceMS) * time.Millisecond
		sched.Submit(route.SessionKey, route.AgentID, "message", env, debounce)
	}
}
