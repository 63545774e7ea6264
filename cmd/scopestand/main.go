package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/mindatnh/scopestand/internal/catalog"
	"github.com/mindatnh/scopestand/internal/config"
	"github.com/mindatnh/scopestand/internal/debug"
	"github.com/mindatnh/scopestand/internal/hw/gpio"
	"github.com/mindatnh/scopestand/internal/hw/sim"
	"github.com/mindatnh/scopestand/internal/logic/stand"
	"github.com/mindatnh/scopestand/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start status server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	reportPositions := flag.Bool("debug", false, "log live step positions")
	debugLevel := flag.Int("debug_level", -1, "override debug level (0-4)")
	catalogDir := flag.String("catalog", "", "override directory holding specimen_<n>.json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	o := overrides{
		ReportPositions: *reportPositions,
		DebugLevel:      *debugLevel,
		CatalogDir:      *catalogDir,
		WebPort:         webPort.port(),
	}
	if err := validateOverrides(o); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, o)

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", debug.Level())

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("stand stopped: %v", err)
	}
}

// run drives the stand until ctx is cancelled or a fatal error occurs.
// The drivers are released and the GPIO closed on every path.
func run(ctx context.Context, cfg *config.Config) error {
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	g, err := newDriver(cfg)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() {
		if err := g.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	debug.Step(2, "Loading specimen catalog")
	cat, err := catalog.LoadDir(cfg.Defaults.CatalogDir, specimenIDs(cfg))
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	debug.Value("Catalog dir", cfg.Defaults.CatalogDir)
	debug.Value("Specimens", cat.Len())

	debug.Step(3, "Wiring controller")
	st, err := stand.Build(cfg, g, cat)
	if err != nil {
		return fmt.Errorf("build stand: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Defaults.WebPort > 0 {
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		defer debug.SetOutput(os.Stdout)

		go forwardSensors(ctx, st, broadcaster)
		srv := web.NewServer(fmt.Sprintf(":%d", cfg.Defaults.WebPort), broadcaster, st, cat, cfg.PositionReport())
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Printf("status server: %v", err)
			}
		}()
	}

	debug.Step(4, "Running")
	return st.Run(ctx)
}

func newDriver(cfg *config.Config) (gpio.Driver, error) {
	if cfg.Defaults.MockGPIO {
		debug.Info("Using simulated stand (mock_gpio)")
		return sim.New(cfg), nil
	}
	return gpio.NewDriver(false)
}

// specimenIDs lists the ids of the range table, in table order.
func specimenIDs(cfg *config.Config) []int {
	ids := make([]int, 0, len(cfg.Specimens))
	for _, s := range cfg.Specimens {
		ids = append(ids, s.ID)
	}
	return ids
}

// forwardSensors publishes accepted sensor transitions on the status feed.
func forwardSensors(ctx context.Context, st *stand.Stand, b *web.StatusBroadcaster) {
	events, unsub := st.SensorEvents()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			b.Publish(web.KindSensor, "live", fmt.Sprintf("%s -> %v", e.Sensor, e.Active))
		}
	}
}

// overrides holds the CLI values that replace configuration defaults.
// Zero values (and DebugLevel -1) mean "use config".
type overrides struct {
	ReportPositions bool
	DebugLevel      int
	CatalogDir      string
	WebPort         int
}

func validateOverrides(o overrides) error {
	if o.DebugLevel < -1 || o.DebugLevel > debug.LevelTrace {
		return fmt.Errorf("debug_level must be between 0 and %d, got %d", debug.LevelTrace, o.DebugLevel)
	}
	if o.CatalogDir != "" {
		info, err := os.Stat(o.CatalogDir)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("catalog: %s is not a directory", o.CatalogDir)
		}
	}
	return nil
}

// applyOverrides mutates cfg with overrides.
func applyOverrides(cfg *config.Config, o overrides) {
	if o.ReportPositions {
		cfg.Defaults.ReportPositions = true
	}
	if o.DebugLevel >= 0 {
		cfg.Defaults.DebugLevel = o.DebugLevel
	}
	if o.CatalogDir != "" {
		cfg.Defaults.CatalogDir = o.CatalogDir
	}
	if o.WebPort > 0 {
		cfg.Defaults.WebPort = o.WebPort
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
