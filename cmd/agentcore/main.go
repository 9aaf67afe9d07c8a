// cmd/agentcore/main.go
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/AGENTCORE/internal/agent"
	"github.com/AGENTCORE/internal/audit"
	"github.com/AGENTCORE/internal/bus"
	"github.com/AGENTCORE/internal/config"
	"github.com/AGENTCORE/internal/eventlog"
	"github.com/AGENTCORE/internal/git"
	"github.com/AGENTCORE/internal/history"
	"github.com/AGENTCORE/internal/nats"
	"github.com/AGENTCORE/internal/persistence"
	"github.com/AGENTCORE/internal/recovery"
	"github.com/AGENTCORE/internal/server"
	"github.com/AGENTCORE/internal/strategy"
	"github.com/AGENTCORE/internal/tools"
	"github.com/AGENTCORE/internal/txn"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	port := flag.Int("port", 3000, "HTTP server port")
	natsPort := flag.Int("nats-port", 4222, "Embedded NATS port (0 to disable)")
	configPath := flag.String("config", "configs/engine.yaml", "Engine configuration file")
	dataDir := flag.String("data", "data", "Data directory for SQLite and state snapshots")
	repoPath := flag.String("repo", ".", "Working repository for the git tool and transactions")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data directory: %v\n", err)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite3", filepath.Join(*dataDir, "agentcore.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	// Journal with SQLite persistence, reloaded across restarts
	journalStore, err := eventlog.NewStore(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize journal store: %v\n", err)
		os.Exit(1)
	}
	journal := eventlog.NewLog(
		eventlog.WithSnapshotInterval(cfg.SnapshotInterval),
		eventlog.WithStore(journalStore),
	)
	if persisted, err := journalStore.Load(); err != nil {
		log.Printf("[MAIN] could not reload journal: %v", err)
	} else if len(persisted.Events) > 0 {
		if err := journal.Import(persisted); err != nil {
			log.Printf("[MAIN] could not import persisted journal: %v", err)
		} else {
			log.Printf("[MAIN] reloaded %d journal events", len(persisted.Events))
		}
	}

	// Notification bus: in-memory fanout with a bounded acked backlog;
	// the journal store above is the durable record
	notifications := bus.NewBus(bus.Options{})

	// History manager with auto-pruning
	hist := history.NewManager(history.Options{
		RetentionTime:     cfg.RetentionTime.Std(),
		MaxHistoryPerTask: cfg.MaxHistoryPerTask,
		PruneInterval:     cfg.PruneInterval.Std(),
	})
	hist.StartAutoPruning()

	// Audit recorder with persistent chain and violation alerts
	auditStore, err := audit.NewStore(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize audit store: %v\n", err)
		os.Exit(1)
	}
	auditor := audit.NewRecorder(audit.Options{
		ComplianceLevel: cfg.ComplianceLevel,
		RetentionDays:   cfg.AuditRetentionDays,
		Store:           auditStore,
		OnViolation: func(v audit.Violation) {
			notifications.Publish(bus.NewNotification(bus.KindAuditViolation, "audit", "all",
				bus.PriorityHigh, map[string]any{"rule": v.Rule, "user": v.User, "severity": v.Severity}))
		},
	})

	// Tool registry: builtin lint/test/git drivers, shared as the
	// process-wide default
	repo := git.New(*repoPath)
	registry := tools.NewRegistry()
	registry.Register(&tools.LintTool{Command: "go", Args: []string{"vet", "./..."}, Dir: *repoPath})
	registry.Register(&tools.TestTool{Command: "go", Args: []string{"test", "./..."}, Dir: *repoPath})
	registry.Register(&tools.GitTool{Repo: repo})
	tools.SetDefault(registry)

	// Transaction manager over the working repository
	transactions := txn.NewManager(txn.Options{
		MaxTransactionTime:    cfg.MaxTransactionTime.Std(),
		AutoRollbackOnFailure: cfg.AutoRollbackOnFailure,
	})

	// Error handler with git-backed recovery callbacks
	handler := recovery.NewHandler(recovery.Options{
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		RetryDelay:       cfg.RetryDelay.Std(),
		Callbacks: recovery.Callbacks{
			AutoMerge:  func(ctx context.Context) error { _, err := repo.Run(ctx, "merge", "--continue"); return err },
			PreferOurs: func(ctx context.Context) error { _, err := repo.Run(ctx, "checkout", "--ours", "."); return err },
			Repair:     func(ctx context.Context) error { _, err := repo.Run(ctx, "fsck"); return err },
		},
	})
	strategies := strategy.NewManager(strategy.Deps{Tools: registry, Log: journal})

	engineAgent := agent.New(agent.Deps{
		Config:     cfg,
		Log:        journal,
		History:    hist,
		Bus:        notifications,
		Tools:      registry,
		Strategies: strategies,
		Txns:       transactions,
		Audit:      auditor,
		Recovery:   handler,
	})

	// Optional embedded NATS surface
	var natsServer *nats.EmbeddedServer
	var natsHandler *nats.Handler
	if *natsPort > 0 {
		natsServer, err = nats.NewEmbeddedServer(nats.EmbeddedServerConfig{Port: *natsPort})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create NATS server: %v\n", err)
			os.Exit(1)
		}
		if err := natsServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start NATS server: %v\n", err)
			os.Exit(1)
		}
		client, err := nats.NewClient(natsServer.URL())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to NATS: %v\n", err)
			os.Exit(1)
		}
		natsHandler = nats.NewHandler(client, engineAgent, notifications)
		if err := natsHandler.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start NATS handler: %v\n", err)
			os.Exit(1)
		}
		log.Printf("[MAIN] NATS surface on %s", natsServer.URL())
	}

	httpServer := server.NewServer(server.Deps{
		Agent: engineAgent,
		Log:   journal,
		Bus:   notifications,
		Audit: auditor,
		Txns:  transactions,
		Port:  *port,
	})

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Printf("[MAIN] HTTP server stopped: %v", err)
		}
	}()

	// Periodic maintenance: audit retention and notification-backlog
	// pruning
	maintenanceStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-maintenanceStop:
				return
			case <-ticker.C:
				if removed := auditor.CleanupExpiredRecords(); removed > 0 {
					log.Printf("[MAIN] audit retention removed %d entries", removed)
				}
				if pruned := notifications.PruneBacklog(cfg.RetentionTime.Std()); pruned > 0 {
					log.Printf("[MAIN] notification backlog pruned %d entries", pruned)
				}
			}
		}
	}()

	log.Printf("[MAIN] agentcore up: http=:%d repo=%s", *port, *repoPath)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("[MAIN] shutting down")

	close(maintenanceStop)
	if _, err := engineAgent.Handle(context.Background(), agent.Message{Type: agent.MsgShutdown, From: "signal"}); err != nil {
		log.Printf("[MAIN] agent shutdown: %v", err)
	}

	// Final state snapshot for operators
	if store, err := persistence.NewJSONStore(filepath.Join(*dataDir, "state")); err == nil {
		if err := store.Save("journal-export", journal.Export()); err != nil {
			log.Printf("[MAIN] journal export: %v", err)
		}
		if err := store.Save("history-export", hist.Export()); err != nil {
			log.Printf("[MAIN] history export: %v", err)
		}
	}

	if natsHandler != nil {
		natsHandler.Stop()
	}
	if natsServer != nil {
		natsServer.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("[MAIN] HTTP shutdown: %v", err)
	}
	log.Printf("[MAIN] bye")
}
