// Command gateway exposes a traffic-simulation engine to remote clients and
// keeps the engine, its control session and every client channel alive.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/router"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and maps the outcome to an exit code: 0 on a
// normal shutdown, 1 on a configuration error or an exhausted restart budget.
func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "gateway:", err)
		return 1
	}
	return 0
}

type globalFlags struct {
	configPath string
	envFile    string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Supervisory gateway for a traffic-simulation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "optional dotenv file loaded before environment overrides")

	serve := newServeCommand(flags)
	root.AddCommand(serve, newRouteCommand(flags))
	// Without a subcommand the gateway serves.
	root.RunE = serve.RunE
	return root
}

func loadConfig(flags *globalFlags) (config.Config, logging.Logger, error) {
	cfg, err := config.Load(flags.configPath, flags.envFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, log, nil
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and serve every enabled functionality",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log, nil)
		},
	}
}

func newRouteCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "route FROM TO [TO...]",
		Short: "Run the routing tool once on the configured network and print the route",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(flags)
			if err != nil {
				return err
			}
			network, _ := cfg.SelectedNetwork()
			inv, err := router.New(routerConfig(cfg, network.NetFile), log, nil)
			if err != nil {
				return err
			}
			res, err := inv.Invoke(cmd.Context(), router.Invocation{
				Scenario:     network.ID,
				From:         args[0],
				Destinations: args[1:],
			})
			if err != nil {
				if errors.Is(err, router.ErrNoRoute) {
					return fmt.Errorf("no route from %s to %s", args[0], strings.Join(args[1:], ", "))
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(res.Edges, " "))
			return nil
		},
	}
}
