package offline

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/steveyegge/offsync/internal/config"
	"github.com/steveyegge/offsync/internal/engine"
	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/monitor"
	"github.com/steveyegge/offsync/internal/queue"
	"github.com/steveyegge/offsync/internal/remote"
	"github.com/steveyegge/offsync/internal/resolve"
	"github.com/steveyegge/offsync/internal/store"
)

// Open assembles a manager from settings. It opens the store at
// s.Store.DBPath(), loads merge plugins from s.Plugins.Dir and wires the
// queue, resolver and engine to origin.
//
// A nil origin dials s.Origin.URL. A nil monitor probes s.Monitor.ProbeURL,
// or the origin's health endpoint when that is empty. The manager owns the
// store and the plugin host and releases them on Destroy.
func Open(ctx context.Context, s *config.Settings, origin remote.Origin, mon monitor.ResourceMonitor, logger *log.Logger) (*Manager, error) {
	if s == nil {
		s = config.DefaultSettings()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	named := func(component string) *log.Logger {
		return log.New(logger.Writer(), "["+component+"] ", logger.Flags())
	}
	opts := s.Engine.Clone()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	st, err := store.OpenContext(ctx, s.Store.DBPath(), store.WithMaxSize(opts.MaxStorageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	closers := []func() error{st.Close}
	fail := func(err error) (*Manager, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	clientID, err := config.ClientID(ctx, st, s.Origin.ClientID)
	if err != nil {
		return fail(err)
	}

	var plugins *resolve.Plugins
	if s.Plugins.Dir != "" {
		plugins = resolve.NewPlugins(ctx)
		closers = append(closers, func() error { return plugins.Close(context.Background()) })
		names, err := plugins.LoadDir(ctx, s.Plugins.Dir)
		if err != nil {
			return fail(err)
		}
		if len(names) > 0 {
			logger.Printf("Loaded merge plugins: %s", strings.Join(names, ", "))
		}
	}

	if origin == nil {
		cc := remote.DefaultClientConfig(s.Origin.URL)
		cc.ClientID = clientID
		cc.Logger = named("remote")
		client, err := remote.NewClientWithConfig(cc)
		if err != nil {
			return fail(err)
		}
		origin = client
	}

	if mon == nil {
		mc := monitor.DefaultConfig()
		mc.ProbeURL = s.Monitor.ProbeURL
		if c, ok := origin.(*remote.Client); ok && mc.ProbeURL == "" {
			mc.ProbeURL = c.HealthURL()
		}
		if s.Monitor.ProbeInterval > 0 {
			mc.ProbeInterval = s.Monitor.ProbeInterval
		}
		if s.Monitor.ResourceInterval > 0 {
			mc.ResourceInterval = s.Monitor.ResourceInterval
		}
		mc.ProbeTimeout = opts.OfflineTimeout
		mc.Battery = monitor.SysfsBattery{Root: s.Monitor.BatteryRoot}
		mc.Storage = st
		mc.Logger = named("monitor")
		n, err := monitor.NewNetworkWithConfig(mc)
		if err != nil {
			return fail(fmt.Errorf("failed to create monitor: %w", err))
		}
		mon = n
	}

	qc := queue.DefaultConfig()
	qc.BaseDelay = opts.RetryDelay
	qc.MaxDelay = opts.MaxRetryDelay
	qc.PrioritySync = opts.PrioritySync
	qc.Logger = named("queue")
	q, err := queue.NewWithConfig(st, qc)
	if err != nil {
		return fail(err)
	}

	resolver, err := resolve.New(&resolve.Config{
		Default:    opts.DefaultConflictStrategy,
		Strategies: opts.ConflictStrategies,
		Enabled:    opts.EnableConflictResolution,
		Plugins:    plugins,
	})
	if err != nil {
		return fail(fmt.Errorf("%w: %v", config.ErrInvalid, err))
	}

	ec := engine.DefaultConfig()
	ec.BatchSize = opts.SyncBatchSize
	ec.Timeout = opts.OfflineTimeout
	ec.ClientID = clientID
	ec.Logger = named("engine")
	eng, err := engine.NewWithConfig(q, origin, resolver, st, ec)
	if err != nil {
		return fail(err)
	}

	mgr := DefaultConfig()
	mgr.Options = opts
	mgr.Bus = events.NewBus(named("events"))
	mgr.Logger = named("manager")
	m, err := New(mgr, st, mon, q, resolver, eng)
	if err != nil {
		return fail(err)
	}
	m.closers = closers
	return m, nil
}
