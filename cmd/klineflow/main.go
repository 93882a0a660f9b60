package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"klineflow/config"
	"klineflow/internal/pipeline"
	"klineflow/logger"
	"klineflow/processor"
	"klineflow/writer"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.WithError(err).Error("klineflow failed")
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "klineflow",
		Usage: "download, convert and consolidate Binance kline archives",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: config.DefaultConfigPath, Usage: "path to configuration file", EnvVars: []string{"KLINEFLOW_CONFIG"}},
			&cli.StringFlag{Name: "symbol", Aliases: []string{"s"}, Usage: "trading pair, e.g. BTCUSDT"},
			&cli.StringFlag{Name: "interval", Aliases: []string{"i"}, Usage: "kline interval, e.g. 1m"},
			&cli.StringFlag{Name: "data-type", Usage: "spot, futures/um or futures/cm"},
			&cli.StringFlag{Name: "frequency", Usage: "monthly or daily"},
			&cli.IntSliceFlag{Name: "years", Usage: "restrict to these years"},
			&cli.IntSliceFlag{Name: "months", Usage: "restrict to these months"},
			&cli.IntSliceFlag{Name: "days", Usage: "restrict to these days (daily frequency)"},
			&cli.StringFlag{Name: "base-dir", Usage: "local data directory"},
		},
		Commands: []*cli.Command{
			{
				Name:   "download",
				Usage:  "probe and download the available archives",
				Action: stageAction(pipeline.RunOptions{Download: true}),
			},
			{
				Name:   "convert",
				Usage:  "convert downloaded archives to parquet",
				Action: stageAction(pipeline.RunOptions{Convert: true}),
			},
			{
				Name:   "consolidate",
				Usage:  "merge normalized parquet files into the master dataset",
				Action: stageAction(pipeline.RunOptions{Consolidate: true}),
			},
			{
				Name:  "run",
				Usage: "download, convert and optionally consolidate",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "no-convert", Usage: "only download archives"},
					&cli.BoolFlag{Name: "consolidate", Usage: "build the master dataset after conversion"},
				},
				Action: runAction,
			},
			{
				Name:   "watch",
				Usage:  "run the full pipeline on a cron schedule",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "cron", Usage: "schedule, overrides schedule.cron"}},
				Action: watchAction,
			},
			{
				Name:      "analyze",
				Usage:     "report on every parquet file under a directory",
				ArgsUsage: "[dir]",
				Action:    analyzeAction,
			},
			{
				Name:      "inspect",
				Usage:     "show schema, statistics and intervals of one parquet file",
				ArgsUsage: "<file>",
				Action:    inspectAction,
			},
		},
	}
}

// setup loads the configuration, applies command line overrides and
// configures logging and metrics.
func setup(c *cli.Context) (*config.Config, error) {
	log := logger.GetLogger()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(c.String("config")))
	if err != nil {
		return nil, err
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		return nil, fmt.Errorf("failed to configure logger: %w", err)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service": cfg.Klineflow.Name,
		"version": cfg.Klineflow.Version,
		"env":     env,
	}).Info("starting klineflow")
	if config.IsProductionLike(env) && !cfg.Storage.S3.Enabled {
		log.WithComponent("main").Warn("S3 storage disabled; master datasets stay local")
	}

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(c.Context, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}
	if cfg.Metrics.ReportInterval > 0 {
		logger.StartReport(c.Context, log, cfg.Metrics.ReportInterval)
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if v := c.String("symbol"); v != "" {
		cfg.Dataset.Symbol = strings.ToUpper(strings.TrimSpace(v))
	}
	if v := c.String("interval"); v != "" {
		cfg.Dataset.Interval = v
	}
	if v := c.String("data-type"); v != "" {
		cfg.Dataset.DataType = v
	}
	if v := c.String("frequency"); v != "" {
		cfg.Dataset.Frequency = v
	}
	if v := c.IntSlice("years"); len(v) > 0 {
		cfg.Dataset.Years = v
	}
	if v := c.IntSlice("months"); len(v) > 0 {
		cfg.Dataset.Months = v
	}
	if v := c.IntSlice("days"); len(v) > 0 {
		cfg.Dataset.Days = v
	}
	if v := c.String("base-dir"); v != "" {
		cfg.Paths.BaseDir = v
	}
}

func runStages(ctx context.Context, cfg *config.Config, opts pipeline.RunOptions) error {
	opts.Dataset, opts.Filter = pipeline.Dataset(cfg)
	_, err := pipeline.New(cfg).Run(ctx, opts)
	if errors.Is(err, context.Canceled) {
		logger.GetLogger().WithComponent("main").Warn("run interrupted")
		return nil
	}
	return err
}

func stageAction(opts pipeline.RunOptions) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := setup(c)
		if err != nil {
			return err
		}
		return runStages(c.Context, cfg, opts)
	}
}

func runAction(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	return runStages(c.Context, cfg, pipeline.RunOptions{
		Download:    true,
		Convert:     !c.Bool("no-convert"),
		Consolidate: c.Bool("consolidate") && !c.Bool("no-convert"),
	})
}

func watchAction(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	spec := cfg.Schedule.Cron
	if v := c.String("cron"); v != "" {
		spec = v
	}
	if spec == "" {
		return fmt.Errorf("no schedule: set schedule.cron or --cron")
	}

	log := logger.GetLogger().WithComponent("scheduler").WithFields(logger.Fields{"cron": spec})
	opts := pipeline.RunOptions{Download: true, Convert: true, Consolidate: true}
	job := func() {
		if err := runStages(c.Context, cfg, opts); err != nil {
			log.WithError(err).Error("scheduled run failed")
		}
	}

	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := sched.AddFunc(spec, job); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	job()
	sched.Start()
	log.Info("scheduler started")

	<-c.Context.Done()
	<-sched.Stop().Done()
	log.Info("scheduler stopped")
	return nil
}

func analyzeAction(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	dir := c.Args().First()
	if dir == "" {
		id, _ := pipeline.Dataset(cfg)
		dir = pipeline.ResolvePaths(cfg.Paths.BaseDir, id).Parquet
	}
	files, err := processor.FindParquetFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no parquet files under %s", dir)
	}
	store := writer.NewParquetStore(cfg.Processor.Compression, cfg.Processor.Parallelism)
	report := processor.NewConsolidator(store).Analyze(files)
	report.Log(logger.GetLogger().WithComponent("analyze").WithFields(logger.Fields{"dir": dir}))
	return nil
}

func inspectAction(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	file := c.Args().First()
	if file == "" {
		return fmt.Errorf("inspect needs a parquet file")
	}
	store := writer.NewParquetStore(cfg.Processor.Compression, cfg.Processor.Parallelism)
	detail, err := processor.NewConsolidator(store).Inspect(file)
	if err != nil {
		return err
	}
	detail.Log(logger.GetLogger().WithComponent("inspect"))
	return nil
}
