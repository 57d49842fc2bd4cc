// Command simulator runs the in-process stand-in engine as a standalone
// process. It accepts the engine's own command-line shape, so the gateway can
// launch it in place of the real binary for demos and smoke tests.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/traci/tracitest"
)

type options struct {
	configFile string
	host       string
	port       int
	stepLength float64
	delay      time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand(os.Stdout, nil).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "simulator:", err)
		os.Exit(1)
	}
}

// newCommand builds the root command. ready, when set, receives the bound
// control address once the engine listens.
func newCommand(out io.Writer, ready func(addr string)) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "simulator",
		Short:        "Stand-in traffic engine speaking the remote control protocol",
		SilenceUsage: true,
		Args:         cobra.ArbitraryArgs,
		// Engine options the stand-in does not model are accepted and ignored.
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.NewFromEnv()
			return serve(cmd.Context(), *opts, log, func(addr string) {
				fmt.Fprintln(out, addr)
				if ready != nil {
					ready(addr)
				}
			})
		},
	}
	cmd.SetOut(out)
	flags := cmd.Flags()
	flags.StringVarP(&opts.configFile, "configuration-file", "c", "", "scenario configuration (recorded only)")
	flags.StringVar(&opts.host, "host", "127.0.0.1", "interface to listen on")
	flags.IntVar(&opts.port, "remote-port", 8813, "control port; 0 picks a free one")
	flags.Float64Var(&opts.stepLength, "step-length", 1, "simulated seconds per step")
	flags.DurationVar(&opts.delay, "delay", 0, "artificial delay before every reply")
	return cmd
}

func serve(ctx context.Context, opts options, log logging.Logger, ready func(addr string)) error {
	srv, err := tracitest.NewServer(net.JoinHostPort(opts.host, strconv.Itoa(opts.port)), tracitest.DefaultNetwork())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer srv.Close()
	srv.SetStepLength(opts.stepLength)
	srv.SetDelay(opts.delay)

	log.Info(ctx, "stand-in engine listening",
		logging.String("addr", srv.Addr()),
		logging.String("configuration", opts.configFile),
		logging.Any("step_length", opts.stepLength),
	)
	ready(srv.Addr())

	<-ctx.Done()
	log.Info(context.Background(), "stand-in engine stopping", logging.Int("steps", srv.Steps()))
	return nil
}
