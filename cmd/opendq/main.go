// Package main provides the CLI entry point for the OpenDQ mote gateway.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/opendq/internal/agent"
	"github.com/postalsys/opendq/internal/config"
	"github.com/postalsys/opendq/internal/control"
	"github.com/postalsys/opendq/internal/health"
	"github.com/postalsys/opendq/internal/sysinfo"
	"github.com/postalsys/opendq/internal/transport"
	"github.com/postalsys/opendq/internal/wizard"
)

const defaultSocket = "./data/control.sock"

func main() {
	rootCmd := &cobra.Command{
		Use:   "opendq",
		Short: "OpenDQ - Mote experiment gateway",
		Long: `OpenDQ talks to sensor motes over serial lines, runs FSA and DQ
medium access experiments on them and aggregates the per-slot
reports the motes send back.

Start the gateway with 'opendq run', then drive experiments from a
second shell with start, stop and stats.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add subcommands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(configureCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(linksCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var (
		configPath string
		ports      []string
		defaults   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file",
		Long: `Create a configuration file. Runs an interactive wizard on a
terminal; with --defaults, or without a terminal, writes the default
configuration with the ports given by --port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !defaults && wizard.IsInteractive() {
				_, err := wizard.New().Run()
				return err
			}

			a := wizard.DefaultAnswers()
			a.ConfigPath = configPath
			a.Ports = ports
			cfg, err := wizard.BuildConfig(a)
			if err != nil {
				return err
			}
			if err := wizard.WriteConfig(cfg, configPath); err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path of the configuration file to write")
	cmd.Flags().StringSliceVarP(&ports, "port", "p", nil, "Mote port (repeatable)")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Skip the wizard and write defaults")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		Long:  "Open the configured mote ports and serve the control and health endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load configuration
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Create agent
			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			fmt.Printf("Starting OpenDQ gateway...\n")

			// Start agent
			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}

			st := a.HealthStats()
			fmt.Printf("Experiment: %s, %d nodes, %d ms\n",
				cfg.Experiment.MAC, cfg.Experiment.Nodes, cfg.Experiment.DurationMs)
			if addr := a.HealthAddress(); addr != "" {
				fmt.Printf("Health server: http://%s\n", addr)
			}
			if cfg.Control.Enabled {
				fmt.Printf("Control socket: %s\n", cfg.Control.SocketPath)
			}
			fmt.Printf("Status: %s (links: %d/%d)\n", st.State, st.LinksRunning, st.LinkCount)

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			// Graceful shutdown with timeout
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := a.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Gateway stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

// withClient runs fn against the control socket of a running gateway.
func withClient(socket string, fn func(ctx context.Context, c *control.Client) error) error {
	c := control.NewClient(socket)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := fn(ctx, c); err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return fmt.Errorf("gateway not reachable on %s (is 'opendq run' running?): %w", socket, err)
		}
		return err
	}
	return nil
}

func socketFlag(cmd *cobra.Command, socket *string) {
	cmd.Flags().StringVarP(socket, "socket", "s", defaultSocket, "Control socket of the running gateway")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd() *cobra.Command {
	var (
		socket string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Long:  "Display the engine state and link summary of the running gateway.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socket, func(ctx context.Context, c *control.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(st)
				}
				return writeStatus(os.Stdout, st, time.Now())
			})
		},
	}

	socketFlag(cmd, &socket)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")

	return cmd
}

func statsCmd() *cobra.Command {
	var (
		socket string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show experiment statistics",
		Long:  "Display the aggregated statistics of the current or last run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socket, func(ctx context.Context, c *control.Client) error {
				st, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(st)
				}
				return writeStats(os.Stdout, st)
			})
		},
	}

	socketFlag(cmd, &socket)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")

	return cmd
}

func configureCmd() *cobra.Command {
	var (
		socket   string
		variant  string
		nodes    int
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Set experiment parameters",
		Long:  "Set the MAC protocol, node count and duration used by the next start.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socket, func(ctx context.Context, c *control.Client) error {
				st, err := c.Configure(ctx, control.ConfigureRequest{
					MAC:        variant,
					Nodes:      nodes,
					DurationMs: int(duration / time.Millisecond),
				})
				if err != nil {
					return err
				}
				if st.Settings == nil {
					return fmt.Errorf("gateway returned no settings")
				}
				fmt.Printf("Configured: %s, %d nodes, %s\n",
					st.Settings.Variant, st.Settings.Nodes, st.Settings.Duration())
				return nil
			})
		},
	}

	socketFlag(cmd, &socket)
	cmd.Flags().StringVarP(&variant, "mac", "m", "DQ", "MAC protocol (FSA or DQ)")
	cmd.Flags().IntVarP(&nodes, "nodes", "n", 1, "Number of transmitting motes")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "Experiment duration")

	return cmd
}

func startCmd() *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an experiment",
		Long:  "Send START to every mote and begin collecting statistics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socket, func(ctx context.Context, c *control.Client) error {
				run, err := c.Start(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Run %s started (%s, %d nodes, %s)\n",
					run.ID, run.Settings.Variant, run.Settings.Nodes, run.Settings.Duration())
				return nil
			})
		},
	}

	socketFlag(cmd, &socket)
	return cmd
}

func stopCmd() *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running experiment",
		Long:  "Send STOP to every mote and freeze the statistics of the run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socket, func(ctx context.Context, c *control.Client) error {
				run, err := c.Stop(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Run %s stopped after %s (%s data frames)\n",
					run.ID, run.Elapsed, formatCount(run.DataFrames))
				return nil
			})
		},
	}

	socketFlag(cmd, &socket)
	return cmd
}

func resetCmd() *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the statistics of the current run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socket, func(ctx context.Context, c *control.Client) error {
				if err := c.Reset(ctx); err != nil {
					return err
				}
				fmt.Println("Statistics cleared.")
				return nil
			})
		},
	}

	socketFlag(cmd, &socket)
	return cmd
}

func linksCmd() *cobra.Command {
	var (
		socket string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "links",
		Short: "List mote links",
		Long:  "Display the links of the running gateway with their counters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socket, func(ctx context.Context, c *control.Client) error {
				resp, err := c.Links(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(resp)
				}
				return writeLinks(os.Stdout, resp.Links, time.Now())
			})
		},
	}

	socketFlag(cmd, &socket)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	cmd.AddCommand(linksOpenCmd())

	return cmd
}

func linksOpenCmd() *cobra.Command {
	var (
		socket string
		baud   int
	)

	cmd := &cobra.Command{
		Use:   "open <port>",
		Short: "Open another mote port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socket, func(ctx context.Context, c *control.Client) error {
				st, err := c.OpenLink(ctx, control.OpenLinkRequest{Port: args[0], Baud: baud})
				if err != nil {
					return err
				}
				fmt.Printf("Link %s opened on %s (%s)\n", st.Name, st.Port, st.Status)
				return nil
			})
		},
	}

	socketFlag(cmd, &socket)
	cmd.Flags().IntVarP(&baud, "baud", "b", transport.DefaultBaud, "Baud rate")

	return cmd
}

func watchCmd() *cobra.Command {
	var (
		address   string
		noRecords bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream engine events",
		Long:  "Follow state changes and decoded slot records from the health server's event stream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := health.EventsURL(address, !noRecords)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return health.WatchEvents(ctx, wsURL, func(msg health.EventMessage) error {
				return writeEvent(os.Stdout, msg)
			})
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1:8080", "Health server address")
	cmd.Flags().BoolVar(&noRecords, "no-records", false, "Only show state changes")

	return cmd
}
