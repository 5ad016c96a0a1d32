package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"bracketeer/internal/capture"
	"bracketeer/internal/config"
	"bracketeer/internal/device"
	"bracketeer/internal/library"
	"bracketeer/internal/location"
	"bracketeer/internal/server"
)

// backendFactory lets tests substitute the capture hardware.
type backendFactory func() device.Backend

// Root wires CLI commands to the capture controller.
type Root struct {
	cfg        *config.Config
	log        *slog.Logger
	newBackend backendFactory
}

// NewRoot constructs the CLI root state.
func NewRoot(cfg *config.Config, logger *slog.Logger) *Root {
	return &Root{
		cfg: cfg,
		log: logger,
		newBackend: func() device.Backend {
			return device.NewSimBackend(device.DefaultSimLenses())
		},
	}
}

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	root := NewRoot(cfg, logger)

	rootCmd := &cobra.Command{
		Use:   "bracketeer",
		Short: "Bracketeer is a bracketed-exposure capture controller",
		Long: `Bracketeer drives a capture device through bracketed exposure sequences:
it negotiates formats, waits for auto exposure to settle, sequences the
bracket, and hands each photo to the asset library.`,
	}

	rootCmd.AddCommand(newCaptureCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newLensesCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func (r *Root) openStore() (*library.Store, error) {
	return library.New(r.cfg.Library.DatabasePath, r.cfg.Library.AssetDir)
}

func (r *Root) coordinatorOptions() capture.Options {
	target := capture.FullResolution
	if r.cfg.Device.Resolution == "reduced" {
		target = capture.ReducedResolution
	}
	return capture.Options{
		Lens:               device.LensKind(r.cfg.Device.Lens),
		TargetResolution:   target,
		WantRaw:            r.cfg.Device.RawEnabled,
		Zoom:               config.ZoomFactor(r.cfg.Device.ZoomPreset),
		Rotation:           r.cfg.Device.RotationDegrees,
		EVStep:             r.cfg.Capture.EVStep,
		ShotCount:          r.cfg.Capture.ShotCount,
		SettleTimeout:      time.Duration(r.cfg.Capture.SettleTimeoutMS) * time.Millisecond,
		SettlePollInterval: time.Duration(r.cfg.Capture.SettlePollMS) * time.Millisecond,
		SettleThreshold:    r.cfg.Capture.SettleThreshold,
	}
}

func (r *Root) buildCoordinator(store *library.Store, locations *location.Cache) (*capture.Coordinator, error) {
	var provider location.Provider
	if locations != nil {
		provider = locations
	}
	coord := capture.New(r.newBackend(), store, provider, store, r.coordinatorOptions(), r.log)
	if err := coord.Start(); err != nil {
		coord.Close()
		return nil, err
	}
	return coord, nil
}

func newCaptureCmd(root *Root) *cobra.Command {
	var (
		evStep float64
		shots  int
		lens   string
		noRaw  bool
	)

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run one bracketed exposure sequence",
		Long: `Run a single bracket against the capture device and store the results
in the asset library.

Examples:
  # Default 3-shot bracket at 1 EV
  bracketeer capture

  # 5 shots, 1.5 EV apart, on the telephoto lens
  bracketeer capture --shots 5 --ev-step 1.5 --lens telephoto`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if lens != "" {
				root.cfg.Device.Lens = lens
			}
			if noRaw {
				root.cfg.Device.RawEnabled = false
			}

			store, err := root.openStore()
			if err != nil {
				return fmt.Errorf("open asset library: %w", err)
			}
			defer store.Close()

			coord, err := root.buildCoordinator(store, nil)
			if err != nil {
				return fmt.Errorf("start capture session: %w", err)
			}
			defer coord.Close()

			snaps, unsubscribe := coord.Subscribe()
			defer unsubscribe()

			coord.StartBracket(evStep, shots)

			snap, err := waitForRun(snaps, 60*time.Second)
			if err != nil {
				return err
			}
			if snap.LastError != nil {
				return fmt.Errorf("bracket run failed: %s", snap.LastError.Message)
			}

			assets, err := store.AssetsForRun(snap.RunID)
			if err != nil {
				return fmt.Errorf("read run assets: %w", err)
			}
			cmd.Printf("✅ Bracket complete: %d of %d photos saved\n", len(snap.AssetIDs), snap.Planned)
			for _, a := range assets {
				kind := "processed"
				if a.IsRaw {
					kind = "raw"
				}
				cmd.Printf("  %-7s %-10s %s\n", a.Label, kind, a.FilePath)
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&evStep, "ev-step", 1.0, "EV stops between shots")
	cmd.Flags().IntVar(&shots, "shots", 3, "shots per bracket (3, 5 or 7)")
	cmd.Flags().StringVar(&lens, "lens", "", "lens to capture with (ultrawide, wide, telephoto)")
	cmd.Flags().BoolVar(&noRaw, "no-raw", false, "disable RAW capture preference")

	return cmd
}

// waitForRun drains snapshots until a run has started and returned to idle.
func waitForRun(snaps <-chan capture.Snapshot, timeout time.Duration) (capture.Snapshot, error) {
	deadline := time.After(timeout)
	started := false
	for {
		select {
		case <-deadline:
			return capture.Snapshot{}, fmt.Errorf("bracket run did not complete within %s", timeout)
		case snap, ok := <-snaps:
			if !ok {
				return capture.Snapshot{}, fmt.Errorf("capture session closed mid-run")
			}
			if snap.State != capture.StateIdle {
				started = true
				continue
			}
			if started && snap.RunID != "" {
				return snap, nil
			}
		}
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the capture control server",
		Long: `Start an HTTP server exposing the capture state surface and commands.

Examples:
  # Default address from config
  bracketeer serve

  # Explicit address
  bracketeer serve --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if addr == "" {
				addr = root.cfg.Server.Addr
			}

			store, err := root.openStore()
			if err != nil {
				return fmt.Errorf("open asset library: %w", err)
			}
			defer store.Close()

			locations := location.NewCache()
			coord, err := root.buildCoordinator(store, locations)
			if err != nil {
				return fmt.Errorf("start capture session: %w", err)
			}
			defer coord.Close()

			var watcher *library.Watcher
			if root.cfg.Library.Watch {
				watcher, err = library.NewWatcher(store, root.log)
				if err != nil {
					root.log.Warn("asset watcher unavailable", "error", err)
					watcher = nil
				}
			}

			root.log.Info("control server ready",
				"addr", addr,
				"endpoints", []string{"/healthz", "/api/state", "/api/capture", "/api/runs", "/stream", "/ws"},
			)

			srv := server.NewServer(addr, store, coord, locations, watcher, root.log)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port), defaults to config")

	return cmd
}

func newLensesCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "lenses",
		Short: "List available lenses and their capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend := root.newBackend()
			for _, kind := range backend.Lenses() {
				dev, err := backend.Open(kind)
				if err != nil {
					cmd.Printf("%-10s unavailable: %v\n", kind, err)
					continue
				}
				caps := dev.Capabilities()
				raw := false
				for _, f := range caps.Formats {
					if len(f.RawPixelFormats) > 0 {
						raw = true
						break
					}
				}
				cmd.Printf("%-10s formats=%d zoom=%.1f-%.1f raw=%t grouped_bracket=%t\n",
					kind, len(caps.Formats), caps.MinZoom, caps.MaxZoom, raw, caps.SupportsBracketedCapture)
				dev.Close()
			}
			return nil
		},
	}
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent bracket runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := root.openStore()
			if err != nil {
				return fmt.Errorf("open asset library: %w", err)
			}
			defer store.Close()

			recs, err := store.RecentRuns(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				cmd.Println("No bracket runs recorded")
				return nil
			}
			for _, rec := range recs {
				line := fmt.Sprintf("%s  %-10s %d×%.1fEV  %s", rec.StartedAt.Format("2006-01-02 15:04:05"), rec.Lens, rec.ShotCount, rec.EVStep, rec.Status)
				if rec.Error != "" {
					line += "  (" + rec.Error + ")"
				}
				cmd.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate bracketeer configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			cmd.Printf("Configuration:\n\n")
			cmd.Printf("Capture:\n")
			cmd.Printf("  EV step: %.2f\n", cfg.Capture.EVStep)
			cmd.Printf("  Shot count: %d\n", cfg.Capture.ShotCount)
			cmd.Printf("  Settle timeout: %dms\n", cfg.Capture.SettleTimeoutMS)
			cmd.Printf("  Settle poll: %dms\n", cfg.Capture.SettlePollMS)
			cmd.Printf("  Settle threshold: %.2f EV\n", cfg.Capture.SettleThreshold)
			cmd.Printf("Device:\n")
			cmd.Printf("  Lens: %s\n", cfg.Device.Lens)
			cmd.Printf("  RAW enabled: %t\n", cfg.Device.RawEnabled)
			cmd.Printf("  Resolution: %s\n", cfg.Device.Resolution)
			cmd.Printf("  Zoom preset: %s\n", cfg.Device.ZoomPreset)
			cmd.Printf("Library:\n")
			cmd.Printf("  Asset directory: %s\n", cfg.Library.AssetDir)
			cmd.Printf("  Database path: %s\n", cfg.Library.DatabasePath)
			cmd.Printf("  Watch library: %t\n", cfg.Library.Watch)
			cmd.Printf("Server:\n")
			cmd.Printf("  Address: %s\n", cfg.Server.Addr)
			cmd.Printf("Logging:\n")
			cmd.Printf("  Level: %s\n", cfg.Logging.Level)
			cmd.Printf("  Format: %s\n", cfg.Logging.Format)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch root.cfg.Capture.ShotCount {
			case 3, 5, 7:
			default:
				cmd.Printf("⚠️  shot_count %d is unsupported, runs will fall back to 3 shots\n", root.cfg.Capture.ShotCount)
			}
			if root.cfg.Capture.EVStep <= 0 {
				return fmt.Errorf("ev_step must be positive, got %.2f", root.cfg.Capture.EVStep)
			}
			root.log.Info("configuration validation", "status", "valid")
			cmd.Println("✅ Configuration is valid")
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Init()
			if err == os.ErrExist {
				cmd.Printf("Configuration already exists at %s\n", path)
				return nil
			}
			if err != nil {
				return fmt.Errorf("write default configuration: %w", err)
			}
			cmd.Printf("✅ Default configuration written to %s\n", path)
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd, initCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("Bracketeer v1.0.0")
			cmd.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}
