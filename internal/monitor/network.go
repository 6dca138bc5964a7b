package monitor

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/store"
)

// StorageSource reports storage usage of the operation log.
type StorageSource interface {
	GetStorageInfo(ctx context.Context) (store.Info, error)
}

// Config holds configuration for the Network monitor.
type Config struct {
	// ProbeURL is requested with HEAD to measure reachability and latency.
	ProbeURL string

	// ProbeInterval is how often connectivity is re-probed in the background.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe. A timed-out probe means offline.
	ProbeTimeout time.Duration

	// ResourceInterval is how often battery and storage are sampled.
	ResourceInterval time.Duration

	// Battery samples the power source (nil = NoBattery).
	Battery BatterySource

	// Storage reports log store usage (nil = storage events disabled).
	Storage StorageSource

	// HTTPClient performs probes (nil = a client without a global timeout).
	HTTPClient *http.Client

	// Logger for monitor activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:    15 * time.Second,
		ProbeTimeout:     5 * time.Second,
		ResourceInterval: 30 * time.Second,
		Battery:          SysfsBattery{},
		Logger:           log.New(os.Stderr, "[monitor] ", log.LstdFlags),
	}
}

// Network monitors the origin over HTTP and samples local resources.
type Network struct {
	config *Config
	client *http.Client

	mu      sync.Mutex
	subs    subscribers
	online  bool
	known   bool // at least one probe completed
	battery BatteryReading
	storage store.Info

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNetwork creates a monitor probing probeURL.
func NewNetwork(probeURL string, storage StorageSource) (*Network, error) {
	config := DefaultConfig()
	config.ProbeURL = probeURL
	config.Storage = storage
	return NewNetworkWithConfig(config)
}

// NewNetworkWithConfig creates a monitor with custom configuration.
func NewNetworkWithConfig(config *Config) (*Network, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ProbeURL == "" {
		return nil, fmt.Errorf("probe URL cannot be empty")
	}
	if config.Battery == nil {
		config.Battery = NoBattery{}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[monitor] ", log.LstdFlags)
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Network{
		config:  config,
		client:  client,
		battery: BatteryReading{Level: 100, Charging: true},
		storage: store.Info{Available: -1},
	}, nil
}

// Start takes an initial sample and begins background polling.
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.cancel != nil {
		n.mu.Unlock()
		return fmt.Errorf("monitor already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.mu.Unlock()

	n.sampleResources(ctx)
	n.checkConnectivity(ctx)

	n.wg.Add(2)
	go n.probeLoop(ctx)
	go n.resourceLoop(ctx)
	return nil
}

// Stop ends background polling.
func (n *Network) Stop() error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	n.wg.Wait()
	return nil
}

// Subscribe registers fn for every event.
func (n *Network) Subscribe(fn func(Event)) func() {
	n.mu.Lock()
	id := n.subs.add(fn)
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		n.subs.remove(id)
		n.mu.Unlock()
	}
}

// ProbeConnectionQuality issues one HEAD request to the probe URL.
func (n *Network) ProbeConnectionQuality(ctx context.Context) Probe {
	ctx, cancel := context.WithTimeout(ctx, n.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, n.config.ProbeURL, nil)
	if err != nil {
		return Probe{Quality: schema.QualityOffline}
	}
	start := time.Now()
	resp, err := n.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Probe{Quality: schema.QualityOffline, Latency: latency}
	}
	resp.Body.Close()
	// Any HTTP answer proves reachability; only 5xx hints the origin is struggling.
	if resp.StatusCode >= 500 {
		return Probe{Quality: schema.QualityPoor, Latency: latency}
	}
	return Probe{Quality: ClassifyLatency(latency), Latency: latency}
}

// Battery returns the last battery reading.
func (n *Network) Battery() BatteryReading {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.battery
}

// Storage returns the last storage reading.
func (n *Network) Storage() store.Info {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.storage
}

func (n *Network) probeLoop(ctx context.Context) {
	defer n.wg.Done()
	if n.config.ProbeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(n.config.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.checkConnectivity(ctx)
		}
	}
}

func (n *Network) resourceLoop(ctx context.Context) {
	defer n.wg.Done()
	if n.config.ResourceInterval <= 0 {
		return
	}
	ticker := time.NewTicker(n.config.ResourceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.sampleResources(ctx)
		}
	}
}

func (n *Network) checkConnectivity(ctx context.Context) {
	probe := n.ProbeConnectionQuality(ctx)
	if ctx.Err() != nil {
		return
	}
	online := probe.Quality != schema.QualityOffline

	n.mu.Lock()
	changed := !n.known || n.online != online
	n.known = true
	n.online = online
	fns := n.subs.snapshot()
	n.mu.Unlock()

	if !changed {
		return
	}
	kind := EventOffline
	if online {
		kind = EventOnline
	}
	n.config.Logger.Printf("Connectivity changed: %s (%s, %s)", kind, probe.Quality, probe.Latency.Round(time.Millisecond))
	notify(fns, Event{Kind: kind, Quality: probe.Quality, Latency: probe.Latency})
}

func (n *Network) sampleResources(ctx context.Context) {
	reading, err := n.config.Battery.ReadBattery()
	if err != nil {
		n.config.Logger.Printf("Warning: failed to read battery: %v", err)
	} else {
		n.mu.Lock()
		changed := reading != n.battery
		n.battery = reading
		fns := n.subs.snapshot()
		n.mu.Unlock()
		if changed {
			notify(fns, Event{Kind: EventBatteryChanged, Battery: reading})
		}
	}

	if n.config.Storage == nil {
		return
	}
	info, err := n.config.Storage.GetStorageInfo(ctx)
	if err != nil {
		n.config.Logger.Printf("Warning: failed to read storage info: %v", err)
		return
	}
	n.mu.Lock()
	changed := info != n.storage
	n.storage = info
	fns := n.subs.snapshot()
	n.mu.Unlock()
	if changed {
		notify(fns, Event{Kind: EventStorageChanged, Storage: info})
	}
}

func notify(fns []func(Event), e Event) {
	for _, fn := range fns {
		fn(e)
	}
}
