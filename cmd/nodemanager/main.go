// Command nodemanager runs a sensor node on the host board: it registers
// the configured sensors, presents them to the controller and then reports,
// sleeps and answers requests until interrupted.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"nodemanager-go/services/config"
	"nodemanager-go/types"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	flagConfig    = "config"
	flagEnv       = "env"
	flagDebug     = "debug"
	flagTransport = "transport"
	flagMetrics   = "metrics-addr"
)

func main() {
	if err := newApp(os.Stdin, os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(in io.Reader, out io.Writer) *cli.App {
	return &cli.App{
		Name:   "nodemanager",
		Usage:  "run a sensor node speaking the MySensors protocol",
		Reader: in,
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   "embedded:demo",
				Usage:   "configuration file, or embedded:<name>",
			},
			&cli.StringFlag{
				Name:  flagEnv,
				Usage: ".env file with transport credentials and NODE_ID",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "development logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "start the node",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagTransport,
						Usage: "override the transport kind (stdio, mqtt, bus)",
					},
					&cli.StringFlag{
						Name:  flagMetrics,
						Usage: "serve prometheus metrics on this address",
					},
				},
				Action: runAction,
			},
			{
				Name:   "check",
				Usage:  "validate the configuration and list the children it registers",
				Action: checkAction,
			},
			{
				Name:   "sensors",
				Usage:  "list the sensor types that can be configured",
				Action: sensorsAction,
			},
		},
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	// stdout carries the serial protocol
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func loadFile(c *cli.Context) (*config.File, error) {
	f, err := config.Load(c.String(flagConfig))
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(f, c.String(flagEnv)); err != nil {
		return nil, err
	}
	if kind := c.String(flagTransport); kind != "" {
		f.Transport.Kind = kind
	}
	if addr := c.String(flagMetrics); addr != "" {
		f.Metrics.Addr = addr
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func runAction(c *cli.Context) error {
	log, err := newLogger(c.Bool(flagDebug))
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	f, err := loadFile(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, f, c.App.Reader, c.App.Writer, log)
}

func checkAction(c *cli.Context) error {
	f, err := loadFile(c)
	if err != nil {
		return err
	}
	children, err := dryRun(f)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "node %d (%s %s), transport %s\n", f.Node.ID, f.Node.SketchName, f.Node.SketchVersion, f.Transport.Kind)
	fmt.Fprintln(w, "CHILD\tPIN\tPRESENTATION\tDESCRIPTION")
	for _, ch := range children {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", ch.id, ch.pin, ch.presentation, ch.description)
	}
	return w.Flush()
}

func sensorsAction(c *cli.Context) error {
	var names []string
	for t := types.SensorType(0); t.String() != "unknown"; t++ {
		names = append(names, t.String())
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintln(c.App.Writer, n)
	}
	return nil
}
