// gtm is the global transaction manager daemon. It mints global transaction
// identifiers, tracks every in-flight distributed transaction, mediates
// two-phase commit, and mirrors its decisions to a hot-standby peer.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"gtm/common"
	"gtm/control"
	"gtm/params"
	"gtm/sequence"
	"gtm/server"
	"gtm/standby"
	"gtm/txntable"
)

// restoreMargin is added, on top of one control interval, to the recovered
// control GXID so identifiers handed out after the last checkpoint (but
// before the crash of the next one) can never be reissued.
const restoreMargin = 2000

func main() {
	app := &cli.App{
		Name:  "gtm",
		Usage: "global transaction manager",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "configuration file (yaml)"},
			&cli.StringFlag{Name: "listen", Value: ":6666", Usage: "listen address for clients and proxies"},
			&cli.StringFlag{Name: "standby", Usage: "address of the standby peer to mirror to"},
			&cli.BoolFlag{Name: "standby-mode", Usage: "run as standby, replaying mirror calls"},
			&cli.StringFlag{Name: "datadir", Value: ".", Usage: "directory holding the control file"},
			&cli.StringFlag{Name: "metrics.addr", Usage: "prometheus endpoint address (empty disables)"},
			&cli.StringFlag{Name: "log.file", Usage: "log file (rotated); stderr when empty"},
			&cli.IntFlag{Name: "verbosity", Value: int(log.LvlInfo), Usage: "log verbosity (0-5)"},
			&cli.BoolFlag{Name: "force-unclean", Usage: "start despite a corrupt control file"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gtm:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	setupLogging(c)

	config, err := loadConfig(c)
	if err != nil {
		return err
	}

	store := control.NewFileStore(filepath.Join(c.String("datadir"), "gtm.control"))
	table := txntable.New(config, sequence.NewStore(), store)
	defer table.Close()

	if err := restoreControl(c, table, store); err != nil {
		return err
	}

	var sb *standby.Client
	if addr := c.String("standby"); addr != "" && !c.Bool("standby-mode") {
		sb = standby.Dial(addr, config)
		defer sb.Close()
	}
	if c.Bool("standby-mode") {
		table.SetStandby(true)
		log.Info("Running as standby")
	}

	srv := server.New(config, table, sb)
	srv.SetLastClientID(table.LastClientID())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, c.String("listen"))
	})
	if addr := c.String("metrics.addr"); addr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, addr)
		})
	}

	err = g.Wait()

	// No new GXIDs past this point; the final control record stays ahead of
	// everything ever handed out.
	table.SetShuttingDown()
	if saveErr := store.SaveControlGXID(table.ReadNewGXID()); saveErr != nil {
		log.Error("Failed to save final control record", "err", saveErr)
	}
	return err
}

// loadConfig merges the defaults, the optional config file and any
// command-line overrides into the core configuration.
func loadConfig(c *cli.Context) (params.Config, error) {
	v := viper.New()
	v.SetDefault("max-open-transactions", params.DefaultConfig.MaxOpenTransactions)
	v.SetDefault("control-interval", params.DefaultConfig.ControlInterval)
	v.SetDefault("max-session-id-len", params.DefaultConfig.MaxSessionIDLen)
	v.SetDefault("max-gid-len", params.DefaultConfig.MaxGIDLen)
	v.SetDefault("max-node-string-len", params.DefaultConfig.MaxNodeStringLen)
	v.SetDefault("backup-synchronously", params.DefaultConfig.BackupSynchronously)
	v.SetDefault("standby-retries", params.DefaultConfig.StandbyRetries)
	v.SetDefault("standby-retry-backoff", params.DefaultConfig.StandbyRetryBackoff)
	v.SetDefault("request-timeout", params.DefaultConfig.RequestTimeout)

	if path := c.String("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return params.Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	// Core tunables given after "--" override the config file, e.g.
	// gtm --listen :6666 -- --max-open-transactions 4096
	flags := pflag.NewFlagSet("overrides", pflag.ContinueOnError)
	flags.Int("max-open-transactions", v.GetInt("max-open-transactions"), "transaction slot array capacity")
	flags.Uint32("control-interval", v.GetUint32("control-interval"), "gxid advances between checkpoints")
	flags.Int("max-session-id-len", v.GetInt("max-session-id-len"), "session identifier length limit")
	flags.Int("max-gid-len", v.GetInt("max-gid-len"), "2pc identifier length limit")
	flags.Int("max-node-string-len", v.GetInt("max-node-string-len"), "node list length limit")
	flags.Bool("backup-synchronously", v.GetBool("backup-synchronously"), "wait for standby acks")
	if err := flags.Parse(c.Args().Slice()); err != nil {
		return params.Config{}, err
	}
	if err := v.BindPFlags(flags); err != nil {
		return params.Config{}, err
	}

	config := params.Config{
		MaxOpenTransactions: v.GetInt("max-open-transactions"),
		ControlInterval:     v.GetUint32("control-interval"),
		MaxSessionIDLen:     v.GetInt("max-session-id-len"),
		MaxGIDLen:           v.GetInt("max-gid-len"),
		MaxNodeStringLen:    v.GetInt("max-node-string-len"),
		BackupSynchronously: v.GetBool("backup-synchronously"),
		StandbyRetries:      v.GetInt("standby-retries"),
		StandbyRetryBackoff: v.GetDuration("standby-retry-backoff"),
		RequestTimeout:      v.GetDuration("request-timeout"),
	}
	return config.Sanitize(), nil
}

// restoreControl positions the generator from the last checkpoint and flips
// the table to running. A missing record is a first start; a corrupt one is
// an unclean shutdown and needs the operator's explicit say-so, after which
// the wrap limits are armed as an escape hatch.
func restoreControl(c *cli.Context, table *txntable.Table, store *control.FileStore) error {
	gxid, err := store.LoadControlGXID()
	switch {
	case err == nil:
		next := gxid + common.GXID(table.Config().ControlInterval) + restoreMargin
		log.Info("Restored control record", "gxid", gxid, "next", next)
		return table.SetNextGXID(next)

	case errors.Is(err, control.ErrNoControlFile):
		log.Info("No control record, starting fresh")
		return table.SetNextGXID(common.FirstNormalGXID)

	case errors.Is(err, control.ErrCorruptControl):
		if !c.Bool("force-unclean") {
			return fmt.Errorf("%w; pass --force-unclean to start anyway", err)
		}
		log.Warn("Control record corrupt, starting with armed wrap limits", "err", err)
		next := common.FirstNormalGXID + restoreMargin
		wrap := next + (1<<31 - 1)
		stop := wrap - 1_000_000
		warn := stop - 10_000_000
		table.SetGXIDLimits(next+100_000_000, warn, stop, wrap)
		return table.SetNextGXID(next)

	default:
		return err
	}
}

func setupLogging(c *cli.Context) {
	var out io.Writer = os.Stderr
	if path := c.String("log.file"); path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
		}
	}
	handler := log.StreamHandler(out, log.TerminalFormat(false))
	log.Root().SetHandler(log.LvlFilterHandler(log.Lvl(c.Int("verbosity")), handler))
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Info("Metrics endpoint up", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
