// fingerd is the daemon binary (spec §4.11): a single-instance process
// that supervises its own detached HTTP/WebSocket server child, loads
// autostart modules, and exposes the Message Hub + WebSocket event stream
// described in spec §6.
//
// Grounded on the teacher's cmd/cobra_cli.go for the overall
// cobra-root-plus-subcommands shape (NewRootCommand, PersistentFlags bound
// through spf13/viper), narrowed here to the daemon's own
// start/stop/restart/status/serve verbs instead of an interactive REPL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Jasonzhangf/finger-sub001/internal/config"
	"github.com/Jasonzhangf/finger-sub001/internal/daemon"
	"github.com/Jasonzhangf/finger-sub001/internal/httpapi"
	"github.com/Jasonzhangf/finger-sub001/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "fingerd",
		Short: "finger orchestration daemon",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to an explicit YAML config file")

	root.AddCommand(
		newServeCommand(&configFile),
		newStartCommand(&configFile),
		newStopCommand(&configFile),
		newRestartCommand(&configFile),
		newStatusCommand(&configFile),
	)
	return root
}

// newServeCommand runs the daemon in the foreground: this is the command
// the Supervisor launches as its detached server child (spec §4.11 "launch
// the server as a detached child").
func newServeCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the daemon's HTTP/WebSocket server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd, *configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			app, err := NewApp(cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			defer app.Shutdown()

			router := httpapi.NewRouter(app.Hub, app.Bus, app.MetricsRegistry)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := startHTTPServer(cfg.HTTPAddr, router)
			app.Logger.Info("fingerd serving on %s", cfg.HTTPAddr)

			<-ctx.Done()
			app.Logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	return cmd
}

func newStartCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start the daemon (PID file + detached server child + autostart)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd, *configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sup := buildSupervisor(cfg)

			args2 := []string{"serve"}
			if *configFile != "" {
				args2 = append(args2, "--config", *configFile)
			}
			serverCmd := exec.Command(os.Args[0], args2...)

			if err := sup.Start(context.Background(), serverCmd); err != nil {
				os.Exit(1)
			}
			fmt.Println("fingerd started")
			return nil
		},
	}
}

func newStopCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "stop the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd, *configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sup := buildSupervisor(cfg)
			if err := sup.Stop(context.Background()); err != nil {
				os.Exit(2)
			}
			fmt.Println("fingerd stopped")
			return nil
		},
	}
}

func newRestartCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "restart the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd, *configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sup := buildSupervisor(cfg)
			args2 := []string{"serve"}
			if *configFile != "" {
				args2 = append(args2, "--config", *configFile)
			}
			serverCmd := exec.Command(os.Args[0], args2...)
			if err := sup.Restart(context.Background(), serverCmd); err != nil {
				os.Exit(1)
			}
			fmt.Println("fingerd restarted")
			return nil
		},
	}
}

func newStatusCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "report whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd, *configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sup := buildSupervisor(cfg)
			running, pid := sup.IsRunning()
			if running {
				fmt.Printf("fingerd running (pid %d)\n", pid)
				return nil
			}
			fmt.Println("fingerd not running")
			return nil
		},
	}
}

func buildSupervisor(cfg *config.Config) *daemon.Supervisor {
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	procs := daemon.NewProcessManager(cfg.DataDir, cfg.DataDir+"/logs")
	return &daemon.Supervisor{
		PIDFile:      cfg.DataDir + "/daemon.pid",
		AutostartDir: cfg.AutostartDir,
		HTTPAddr:     cfg.HTTPAddr,
		WSAddr:       cfg.WSAddr,
		Processes:    procs,
		Logger:       logging.NewComponentLogger(logger, "supervisor"),
	}
}
