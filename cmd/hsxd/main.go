// Command hsxd is the HSX executive daemon: it loads `.hxe` images and
// serves the control plane RPC/event surface over TCP.
//
// Grounded on the teacher's cmd-style entrypoint generalized to a
// cobra root command plus subcommands, following jontk-slurm-client's
// cmd/slurm-cli layout (persistent flags on the root, env var
// fallbacks, one subcommand per top-level verb).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanseinar/hsx/internal/adapters"
	"github.com/hanseinar/hsx/internal/config"
	"github.com/hanseinar/hsx/internal/control"
	"github.com/hanseinar/hsx/internal/executive"
	"github.com/hanseinar/hsx/internal/hxe"
	"github.com/hanseinar/hsx/internal/hsxlog"
	"github.com/hanseinar/hsx/internal/mailbox"
	"github.com/hanseinar/hsx/internal/registry"
)

var (
	listenAddr string
	profile    string
	logFormat  string
	verbose    bool
	framPath   string

	rootCmd = &cobra.Command{
		Use:   "hsxd",
		Short: "HSX bytecode executive daemon",
		Long:  "hsxd loads .hxe application images into a MiniVM-backed executive and exposes the control plane RPC/event surface over TCP.",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the executive and control plane server",
		RunE:  runServe,
	}

	loadCmd = &cobra.Command{
		Use:   "load <path>",
		Short: "Load a single .hxe image, run it to completion, and print its exit status",
		Args:  cobra.ExactArgs(1),
		RunE:  runLoad,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&listenAddr, "addr", envOr("HSX_LISTEN_ADDR", "127.0.0.1:7777"), "control plane TCP listen address")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", envOr("HSX_PROFILE", "desktop"), "resource profile: desktop|embedded")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", envOr("HSX_LOG_FORMAT", "text"), "log output format: text|json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&framPath, "fram", envOr("HSX_FRAM_PATH", ""), "persisted value store path; empty disables persistence")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loadCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func buildLogger() hsxlog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	format := hsxlog.FormatText
	if logFormat == "json" {
		format = hsxlog.FormatJSON
	}
	return hsxlog.New(os.Stderr, level, format)
}

func buildExecutive(log hsxlog.Logger, cfg *config.Config) *executive.Executive {
	mbMax, mbHandles := cfg.MailboxLimits()
	regMax, regCmdMax, regStr := cfg.RegistryLimits()
	mbProfile := mailbox.Profile{Name: string(cfg.Profile), MaxDescriptors: mbMax, MaxHandlesPerPID: mbHandles}
	regProfile := registry.Profile{Name: string(cfg.Profile), MaxValues: regMax, MaxCommands: regCmdMax, MaxStringBytes: regStr}
	return executive.New(log, mbProfile, regProfile)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := buildLogger()
	cfg := config.NewDefault()
	cfg.ListenAddr = listenAddr
	cfg.Profile = config.Profile(profile)
	cfg.FRAMPath = framPath

	exec := buildExecutive(log, cfg)
	sessions := control.NewRegistry(cfg.MaxSessions, cfg.HeartbeatDefault, cfg.HeartbeatMin, cfg.HeartbeatMax, cfg.EventRingDefault, cfg.EventRingMax)
	broadcaster := control.NewBroadcaster(cfg.EventRetention)
	dispatcher := control.NewDispatcher(exec, sessions, broadcaster)

	server, err := control.NewServer(log, cfg.ListenAddr, dispatcher, sessions)
	if err != nil {
		return fmt.Errorf("hsxd: bind %s: %w", cfg.ListenAddr, err)
	}
	log.Info("control plane listening", "addr", server.Addr().String())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go control.PumpEvery(ctx, dispatcher, 50*time.Millisecond)

	if cfg.FRAMPath != "" {
		go runFRAMPersistence(ctx, log, exec, cfg.FRAMPath)
	}

	return server.Serve(ctx)
}

// runFRAMPersistence flushes persist-flagged values to disk on a fixed
// interval and once more on shutdown, a host-side sidecar to the FRAM
// store the teacher's debug_snapshot.go kept purely in memory.
func runFRAMPersistence(ctx context.Context, log hsxlog.Logger, exec *executive.Executive, path string) {
	if err := exec.LoadFRAM(path); err != nil {
		log.Error("fram load failed", "path", path, "err", err)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := exec.SaveFRAM(path); err != nil {
				log.Error("fram save failed", "path", path, "err", err)
			}
			return
		case <-ticker.C:
			if err := exec.SaveFRAM(path); err != nil {
				log.Error("fram save failed", "path", path, "err", err)
			}
		}
	}
}

func runLoad(cmd *cobra.Command, args []string) error {
	log := buildLogger()
	cfg := config.NewDefault()
	exec := buildExecutive(log, cfg)

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("hsxd: read %s: %w", args[0], err)
	}
	img, err := hxe.Parse(raw)
	if err != nil {
		return fmt.Errorf("hsxd: parse %s: %w", args[0], err)
	}
	pid, err := exec.LoadImage(img)
	if err != nil {
		return fmt.Errorf("hsxd: load: %w", err)
	}

	bridge, err := adapters.NewStdioBridge(exec.Mailboxes(), uint32(pid), os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		log.Error("stdio bridge unavailable", "pid", pid, "err", err)
	}

	for {
		executed := exec.StepN(1000, nil)
		if bridge != nil {
			bridge.PumpOutbound()
		}
		if executed == 0 {
			break
		}
	}

	task, ok := exec.Task(pid)
	if !ok {
		fmt.Printf("pid %d: retired\n", pid)
		return nil
	}
	fmt.Printf("pid %d: state=%s exit_status=%d\n", pid, task.State, task.ExitStatus)
	return nil
}

func main() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
