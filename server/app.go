package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"corral/config"
	"corral/internal/actions"
	"corral/internal/agentapi"
	"corral/internal/compliance"
	"corral/internal/db"
	"corral/internal/events"
	"corral/internal/health"
	"corral/internal/license"
	"corral/internal/logs"
	"corral/internal/middleware"
	"corral/internal/models"
	"corral/internal/policy"
	"corral/internal/registry"
	"corral/internal/screentime"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db     *gorm.DB
	ctx    context.Context
	cancel context.CancelFunc

	Registry   *registry.Service
	Resolver   *policy.Resolver
	Evaluator  *compliance.Evaluator
	Dispatcher *actions.Dispatcher
	Aggregator *screentime.Aggregator
	Tracker    *license.Tracker
	Bus        *events.Bus
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	// 1) Logs
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	// 2) DB (optional: empty driver runs everything in memory)
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d
		if err := db.AutoMigrate(a.db); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
		if err := db.MigrateOpenViolationIndex(a.db); err != nil {
			logs.Logger.Warnf("open-violation index migration: %v", err)
		}
	}

	// 3) Stores
	var (
		regStore registry.Store
		polStore policy.Store
		cmpStore compliance.Store
		actStore actions.Store
		scrStore screentime.Store
		licStore license.Store
	)
	if a.db != nil {
		regStore = registry.NewGormStore(a.db)
		polStore = policy.NewGormStore(a.db)
		cmpStore = compliance.NewGormStore(a.db)
		actStore = actions.NewGormStore(a.db)
		scrStore = screentime.NewGormStore(a.db)
		licStore = license.NewGormStore(a.db)
	} else {
		regStore = registry.NewMemStore()
		polStore = policy.NewMemStore()
		cmpStore = compliance.NewMemStore()
		actStore = actions.NewMemStore()
		scrStore = screentime.NewMemStore()
		licStore = license.NewMemStore()
	}

	// 4) Services
	a.Bus = events.NewBus()
	a.Registry = registry.NewService(regStore, a.cfg.Agent.GracePeriod)
	a.Resolver = policy.NewResolver(polStore, regStore, a.cfg.Fleet.PolicyCacheTTL)
	a.Evaluator = compliance.NewEvaluator(cmpStore, a.Resolver, a.Registry, a.Bus)
	a.Dispatcher = actions.NewDispatcher(actStore, a.Registry, nil, a.Bus, actions.Config{
		AckDeadline: a.cfg.Fleet.AckDeadline,
		RetryBudget: a.cfg.Fleet.RetryBudget,
		BackoffBase: a.cfg.Fleet.BackoffBase,
		BackoffCap:  a.cfg.Fleet.BackoffCap,
	})
	a.Aggregator = screentime.NewAggregator(scrStore, a.Resolver, a.Registry, a.Bus)
	a.Tracker = license.NewTracker(licStore, a.Bus)

	a.wireEvents()

	// 5) Router + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	if a.db != nil {
		health.RegisterRoutesWithDB(a.Router, a.db)
	} else {
		health.RegisterRoutes(a.Router)
	}

	// 6) Admin API
	registry.NewHTTP(a.Registry).RegisterRoutes(a.Router)
	policy.NewHTTP(polStore, a.Resolver).RegisterRoutes(a.Router)
	compliance.NewHTTP(a.Evaluator).RegisterRoutes(a.Router)
	actions.NewHTTP(a.Dispatcher).RegisterRoutes(a.Router)
	screentime.NewHTTP(a.Aggregator).RegisterRoutes(a.Router)
	license.NewHTTP(licStore, a.Tracker).RegisterRoutes(a.Router)

	// 7) Agent API
	agentapi.NewController(
		a.Registry, a.Evaluator, a.Dispatcher, a.Aggregator, a.Tracker,
		a.cfg.Agent.SharedSecret,
	).RegisterRoutes(a.Router)

	a.Router.Walk(func(rt *mux.Route, r *mux.Router, ancestors []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

// wireEvents connects the components that react to each other without
// importing each other.
func (a *App) wireEvents() {
	// Device lifecycle: a status change invalidates the cached policy set;
	// wipe/retire also voids anything still queued for the device.
	a.Registry.OnTransition(func(deviceUUID string, from, to models.DeviceStatus) {
		a.Resolver.InvalidateDevice(deviceUUID)
		if to.IsTerminal() {
			if n := a.Dispatcher.CancelPendingForDevice(deviceUUID); n > 0 {
				logs.Logger.Infof("device %s → %s: cancelled %d pending actions", deviceUUID, to, n)
			}
		}
	})

	// Screen-time limit crossed: record the violation and, when the policy
	// says so, queue a remote lock.
	a.Bus.Subscribe(events.LimitExceeded, func(e events.Event) {
		total, _ := e.Payload["total_minutes"].(int)
		if _, err := a.Evaluator.Evaluate(e.EntityID, compliance.CheckScreenTime, map[string]any{
			"total_minutes": total,
		}); err != nil {
			logs.Logger.Errorf("device %s: screen-time evaluation: %v", e.EntityID, err)
		}
		if enforce, _ := e.Payload["enforce_lock"].(bool); enforce {
			if _, err := a.Dispatcher.Request(e.EntityID, models.ActionLock, map[string]any{
				"reason": "daily screen time limit exceeded",
			}, "screen-time-policy"); err != nil {
				logs.Logger.Errorf("device %s: enforce lock: %v", e.EntityID, err)
			}
		}
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; a.cancel() }()

	a.startSweeps()

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpServer.Shutdown(ctx)
	return nil
}

// startSweeps launches the periodic maintenance loops. All of them stop with
// the app context.
func (a *App) startSweeps() {
	run := func(every time.Duration, name string, fn func()) {
		if every <= 0 {
			return
		}
		go func() {
			t := time.NewTicker(every)
			defer t.Stop()
			for {
				select {
				case <-a.ctx.Done():
					return
				case <-t.C:
					fn()
				}
			}
		}()
		logs.Logger.Debugf("sweep %s every %s", name, every)
	}

	run(a.cfg.Fleet.InactivitySweep, "inactivity", func() {
		if n := a.Registry.SweepInactive(); n > 0 {
			logs.Logger.Infof("inactivity sweep: %d devices marked inactive", n)
		}
	})
	run(a.cfg.Fleet.DispatchSweep, "dispatch", func() {
		a.Dispatcher.DispatchDue(a.ctx)
	})
	run(a.cfg.Fleet.TimeoutSweep, "ack-timeout", func() {
		if n := a.Dispatcher.SweepTimeouts(); n > 0 {
			logs.Logger.Infof("timeout sweep: %d actions timed out", n)
		}
	})
	run(a.cfg.Fleet.SealSweep, "day-seal", func() {
		if n := a.Aggregator.SealExpired(); n > 0 {
			logs.Logger.Infof("seal sweep: %d records sealed", n)
		}
	})
	run(a.cfg.Fleet.CheckInterval, "compliance", func() {
		a.Evaluator.SweepInventory()
		a.Tracker.ReconcileAll()
	})
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
