// Command creditsim runs the autonomous credit network simulation and serves
// it over HTTP.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/talgya/creditnet/internal/api"
	"github.com/talgya/creditnet/internal/engine"
	"github.com/talgya/creditnet/internal/persistence"
)

// Config is the YAML-loadable runtime configuration. Flags override it.
type Config struct {
	Seed          uint32         `yaml:"seed"`
	DBPath        string         `yaml:"db_path"`
	Port          int            `yaml:"port"`
	Speed         float64        `yaml:"speed"`
	ClientBalance float64        `yaml:"client_balance"`
	RunGuide      bool           `yaml:"run_guide"`
	Tick          engine.Options `yaml:"tick"`
}

func defaultConfig() Config {
	return Config{
		Seed:          engine.DefaultSeed,
		DBPath:        "data/creditnet.db",
		Port:          8080,
		Speed:         1.0,
		ClientBalance: engine.DefaultClientBalance,
		RunGuide:      true,
		Tick:          engine.DefaultOptions(),
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	seed := flag.Uint("seed", 0, "simulation seed (overrides config)")
	dbPath := flag.String("db", "", "SQLite archive path (overrides config)")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	speed := flag.Float64("speed", -1, "tick speed multiplier (overrides config)")
	noDB := flag.Bool("no-db", false, "disable the run archive")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *seed != 0 {
		cfg.Seed = uint32(*seed)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *speed >= 0 {
		cfg.Speed = *speed
	}

	slog.Info("creditnet simulation starting", "seed", cfg.Seed, "port", cfg.Port)

	// ── Archive ──────────────────────────────────────────────────────
	var db *persistence.DB
	runID := ""
	if !*noDB {
		os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
		db, err = persistence.Open(cfg.DBPath)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		runID, err = db.BeginRun(cfg.Seed, "creditsim")
		if err != nil {
			slog.Error("failed to register run", "error", err)
			os.Exit(1)
		}
		slog.Info("run archive opened", "path", cfg.DBPath, "run", runID)
	}

	// ── Simulation ───────────────────────────────────────────────────
	state := engine.NewState(cfg.Seed)
	state.ClientBalance = cfg.ClientBalance

	if cfg.RunGuide {
		// The scripted walkthrough seeds the network with history so the
		// autonomous loop starts from a warm state.
		state = engine.RunGuide(state)
		slog.Info("walkthrough complete", "tasks", len(state.Tasks), "ledger", len(state.Ledger))
	}

	runner := engine.NewRunner(state, cfg.Tick)
	runner.SetSpeed(cfg.Speed)

	// Archive every tick snapshot off the subscriber channel.
	if db != nil {
		ch := runner.Subscribe()
		go func() {
			archived := len(state.Ledger)
			for snapshot := range ch {
				if err := db.ArchiveTick(runID, archived, snapshot); err != nil {
					slog.Error("archive tick failed", "error", err)
				}
				archived = len(snapshot.Ledger)
			}
		}()
	}

	// ── HTTP API ─────────────────────────────────────────────────────
	server := &api.Server{
		Runner:   runner,
		RunID:    runID,
		Port:     cfg.Port,
		AdminKey: os.Getenv("CREDITNET_ADMIN_KEY"),
	}
	server.Start()

	go runner.Run()

	// ── Shutdown ─────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig.String())
	runner.Stop()

	if db != nil {
		final := runner.Snapshot()
		if err := db.SaveSnapshot(runID, final.Phase, final); err != nil {
			slog.Error("final snapshot failed", "error", err)
		}
	}
	slog.Info("goodbye", "tick", runner.Snapshot().Tick)
}
