package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ericogr/wheelsense/pkg/acquire"
	"github.com/ericogr/wheelsense/pkg/bus"
	"github.com/ericogr/wheelsense/pkg/config"
	"github.com/ericogr/wheelsense/pkg/ledger"
	"github.com/ericogr/wheelsense/pkg/link"
	"github.com/ericogr/wheelsense/pkg/output"
	"github.com/ericogr/wheelsense/pkg/output/console"
	outmqtt "github.com/ericogr/wheelsense/pkg/output/mqtt"
	"github.com/ericogr/wheelsense/pkg/retry"
	"github.com/ericogr/wheelsense/pkg/sensor"
	"github.com/ericogr/wheelsense/pkg/session"
	"github.com/ericogr/wheelsense/pkg/storage"
	"github.com/ericogr/wheelsense/pkg/uploader"
)

func main() {
	if err := newRootCommand(os.LookupEnv, os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	lookup func(string) (string, bool)
	stdout io.Writer
	stderr io.Writer

	flags  *config.Flags
	cfg    config.Config
	logger *slog.Logger
}

func newRootCommand(lookup func(string) (string, bool), stdout, stderr io.Writer) *cobra.Command {
	a := &app{lookup: lookup, stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "wheelsense",
		Short: "Wheelchair motion and pressure acquisition",
		Long: `wheelsense samples two wearable IMU units and an optional array of force
sensitive resistors at a fixed period, writes the records to durable .npz
files and uploads finished files to a remote property store.`,
		SilenceUsage:      true,
		PersistentPreRunE: func(*cobra.Command, []string) error { return a.load() },
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	a.flags = config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		a.collectCommand(),
		a.activityCommand(),
		a.uploadCommand(),
		a.runCommand(),
		a.statusCommand(),
	)
	return root
}

// load resolves the configuration: defaults, file, environment, flags.
func (a *app) load() error {
	cfg, err := config.Load(a.flags.ConfigPath, a.lookup)
	if err != nil {
		return err
	}
	if err := a.flags.Apply(&cfg); err != nil {
		return err
	}
	if err := cfg.Finalize(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel, a.stderr)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) collectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Record continuously until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			acq, closeSensor, err := a.newAcquirer(nil)
			if err != nil {
				return err
			}
			defer closeSensor()
			return acq.RunContinuous(ctx)
		},
	}
}

func (a *app) activityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "activity <name>...",
		Short: "Record one bounded session per activity name, in order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, names []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			acq, closeSensor, err := a.newAcquirer(newProgressBar(a.stderr).Update)
			if err != nil {
				return err
			}
			defer closeSensor()

			for _, name := range names {
				if ctx.Err() != nil {
					break
				}
				if err := acq.RunActivity(ctx, name, a.cfg.CollectionDuration.Std()); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (a *app) uploadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Upload durable files to the remote store and archive them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			daemon, closeAll, err := a.newDaemon()
			if err != nil {
				return err
			}
			defer closeAll()
			return daemon.Run(ctx)
		},
	}
}

func (a *app) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Record continuously and upload in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			acq, closeSensor, err := a.newAcquirer(nil)
			if err != nil {
				return err
			}
			defer closeSensor()
			daemon, closeAll, err := a.newDaemon()
			if err != nil {
				return err
			}
			defer closeAll()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return acq.RunContinuous(gctx) })
			g.Go(func() error { return daemon.Run(gctx) })
			return g.Wait()
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show files waiting for upload and the upload ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			waiting, err := storage.List(a.cfg.DataPath)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			var entries []ledger.Entry
			if _, err := os.Stat(a.cfg.LedgerPath); err == nil {
				l := ledger.New(a.cfg.LedgerPath)
				defer l.Close()
				if entries, err = l.Entries(cmd.Context()); err != nil {
					return err
				}
			}
			return printStatus(a.stdout, len(waiting), entries, time.Now())
		},
	}
}

// newAcquirer wires the bus, the configured links and pressure sensor and
// a storage writer. The returned func closes the pressure sensor.
func (a *app) newAcquirer(progress func(session.Progress)) (*acquire.Acquirer, func(), error) {
	cfg := a.cfg
	pressure, err := sensor.New(cfg.Pressure)
	if err != nil {
		return nil, nil, fmt.Errorf("pressure sensor: %w", err)
	}
	closeSensor := func() {
		if err := pressure.Close(); err != nil {
			a.logger.Warn("closing pressure sensor", slog.Any("error", err))
		}
	}

	w, err := storage.NewWriter(cfg.DataPath, storage.WithLogger(a.logger))
	if err != nil {
		closeSensor()
		return nil, nil, err
	}

	options := []func(*acquire.Acquirer){
		acquire.WithPeriod(cfg.SamplingPeriod.Std()),
		acquire.WithThreshold(cfg.FlushThreshold),
		acquire.WithCountdown(cfg.Countdown.Std()),
		acquire.WithConnect(cfg.Link.AddressType, cfg.Link.ConnectTimeout.Std()),
		acquire.WithBackoff(retry.ExponentialBackoff{MinInterval: time.Second, MaxInterval: 30 * time.Second}),
		acquire.WithLogger(a.logger),
	}
	if progress != nil {
		options = append(options, acquire.WithProgress(progress))
	}
	for side, address := range linkAddresses(cfg) {
		l, err := link.New(cfg, a.logger.With(slog.String("side", side.String())))
		if err != nil {
			closeSensor()
			return nil, nil, err
		}
		options = append(options, acquire.WithLink(side, l, address))
	}

	b := bus.New(bus.WithLogger(a.logger))
	return acquire.New(b, pressure, w, options...), closeSensor, nil
}

// linkAddresses returns the address of every connected side. A simulated
// link without addresses simulates both units.
func linkAddresses(cfg config.Config) map[bus.Side]string {
	addresses := map[bus.Side]string{}
	for side, address := range map[bus.Side]string{bus.Left: cfg.Link.Left, bus.Right: cfg.Link.Right} {
		if address == "" && cfg.Link.Type == config.LinkSimulation {
			address = "sim-" + side.String()
		}
		if address != "" {
			addresses[side] = address
		}
	}
	return addresses
}

func (a *app) newStore() output.Store {
	switch a.cfg.Remote.Type {
	case config.RemoteMQTT:
		return outmqtt.New(a.cfg.MQTT, a.cfg.Remote.ThingID, outmqtt.WithLogger(a.logger))
	default:
		return console.NewConsole(a.cfg.Remote.ThingID)
	}
}

func (a *app) newDaemon() (*uploader.Daemon, func(), error) {
	cfg := a.cfg
	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}
	store := a.newStore()
	l := ledger.New(cfg.LedgerPath)
	closeAll := func() {
		if err := store.Close(); err != nil {
			a.logger.Warn("closing remote store", slog.Any("error", err))
		}
		if err := l.Close(); err != nil {
			a.logger.Warn("closing ledger", slog.Any("error", err))
		}
	}

	daemon := uploader.New(cfg.DataPath, cfg.ArchivePath, store,
		uploader.WithInterval(cfg.UploadInterval.Std()),
		uploader.WithBackoff(cfg.UploadMaxBackoff.Std()),
		uploader.WithLedger(l),
		uploader.WithSkipZero(cfg.SkipZero),
		uploader.WithLogger(a.logger),
	)
	return daemon, closeAll, nil
}

const (
	progressWidth    = 72
	progressTemplate = `{{string . "prefix"}} {{bar . "[" "#" "#" "-" "]"}} {{percent . "%3.0f%%"}} {{string . "suffix"}}`
)

// progressBar draws one bar per session phase, rewritten in place.
type progressBar struct {
	w     io.Writer
	state session.State
	bar   *pb.ProgressBar
}

func newProgressBar(w io.Writer) *progressBar {
	return &progressBar{w: w}
}

func (p *progressBar) Update(pr session.Progress) {
	if p.bar == nil || pr.State != p.state {
		p.end()
		p.state = pr.State
		if pr.State == session.Stopped {
			fmt.Fprintf(p.w, "%s stopped after %s\n", pr.Label, pr.Elapsed.Round(time.Millisecond))
			return
		}
		p.bar = pb.New64((pr.Elapsed+pr.Remaining).Milliseconds()).
			SetTemplateString(progressTemplate).
			SetWriter(p.w).
			SetWidth(progressWidth).
			Set(pb.Static, true).
			Set(pb.ReturnSymbol, "\r").
			Set("prefix", fmt.Sprintf("%-12s %-13s", pr.Label, pr.State))
		p.bar.Start()
	}
	p.bar.Set("suffix", fmt.Sprintf("%.0fs left", pr.Remaining.Seconds()))
	p.bar.SetCurrent(pr.Elapsed.Milliseconds())
	p.bar.Write()
}

func (p *progressBar) end() {
	if p.bar == nil {
		return
	}
	p.bar.Finish()
	fmt.Fprintln(p.w)
	p.bar = nil
}

func printStatus(w io.Writer, waiting int, entries []ledger.Entry, now time.Time) error {
	archived := 0
	for _, e := range entries {
		if e.Archived() {
			archived++
		}
	}
	fmt.Fprintf(w, "%s files waiting, %s archived\n", humanize.Comma(int64(waiting)), humanize.Comma(int64(archived)))
	if len(entries) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tROWS\tATTEMPTS\tDELIVERIES\tUPDATED\tSTATE")
	for _, e := range entries {
		state := "pending"
		switch {
		case e.Archived():
			state = "archived"
		case e.LastError != "":
			state = "failing: " + e.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			e.File, humanize.Comma(int64(e.Rows)), e.Attempts, e.Deliveries,
			humanize.RelTime(e.UpdatedAt, now, "ago", "from now"), state)
	}
	return tw.Flush()
}
