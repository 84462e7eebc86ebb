package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kwv/geodedup/dedup"
)

// Version is set at build time via -ldflags
var Version = "dev"

// options holds the command-line flags shared by every command
type options struct {
	configFile string
	input      string
	layer      string
	output     string
	annotated  string
	render     string
	verify     bool
	logLevel   string
	httpPort   int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "geodedup",
		Short:         "Find duplicate features in a geospatial layer",
		Long:          `geodedup clusters features that carry identical attributes and whose geometries touch.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "Path to configuration file")
	flags.StringVarP(&opts.input, "input", "i", "", "Input dataset (.gpkg, .geojson or .json)")
	flags.StringVar(&opts.layer, "layer", "", "GeoPackage feature table")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one clustering pass and write the outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(app *App) error {
				res, err := pass(app)
				if err != nil {
					return err
				}
				if err := app.WriteOutputs(res); err != nil {
					return err
				}
				printSummary(cmd, res)
				return nil
			})
		},
	}
	addOutputFlags(runCmd, opts)

	dropCmd := &cobra.Command{
		Use:   "drop-fields NAME...",
		Short: "Delete attribute columns from the dataset",
		Long:  `Delete attribute columns from the dataset in place. Names missing from the schema are ignored.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(app *App) error {
				if err := app.DropFields(args); err != nil {
					return err
				}
				green := color.New(color.FgGreen).SprintFunc()
				fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", green("Remaining fields:"), app.store.Fields())
				return nil
			})
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one clustering pass, then serve the clusters over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(app *App) error {
				res, err := pass(app)
				if err != nil {
					return err
				}
				if err := app.WriteOutputs(res); err != nil {
					return err
				}
				printSummary(cmd, res)

				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return app.Serve(ctx)
			})
		},
	}
	addOutputFlags(serveCmd, opts)
	serveCmd.Flags().IntVar(&opts.httpPort, "http-port", dedup.DefaultHTTPPort, "HTTP server port")

	summaryCmd := &cobra.Command{
		Use:   "summary FILE",
		Short: "Print the summary of a cluster file written by run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := dedup.ReadResultFile(args[0])
			if err != nil {
				return err
			}
			printSummary(cmd, res)
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, dropCmd, serveCmd, summaryCmd)
	return rootCmd
}

func addOutputFlags(cmd *cobra.Command, opts *options) {
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Cluster file (.json, .json.zst or .json.lz4)")
	cmd.Flags().StringVar(&opts.annotated, "annotated", "", "Write an annotated GeoJSON copy of the dataset")
	cmd.Flags().StringVar(&opts.render, "render", "", "Render clusters to an .svg or .png file")
	cmd.Flags().BoolVar(&opts.verify, "verify-attributes", false, "Confirm fingerprint matches byte for byte")
}

// resolveConfig loads the config file (if any) and layers changed flags on top
func resolveConfig(cmd *cobra.Command, opts *options) (*dedup.Config, error) {
	cfg := dedup.DefaultConfig()
	if opts.configFile != "" {
		var err error
		if cfg, err = dedup.ParseConfig(opts.configFile); err != nil {
			return nil, err
		}
	} else {
		cfg.ApplyEnv()
	}

	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("input") {
		cfg.Input.Path = opts.input
	}
	if changed("layer") {
		cfg.Input.Layer = opts.layer
	}
	if changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if changed("output") {
		cfg.Output.Path = opts.output
	}
	if changed("annotated") {
		cfg.Output.Annotated = opts.annotated
	}
	if changed("render") {
		cfg.Output.Render = opts.render
	}
	if changed("verify-attributes") {
		cfg.Dedup.VerifyAttributes = opts.verify
	}
	if changed("http-port") {
		cfg.HTTP.Port = opts.httpPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withApp builds the App for a command, runs fn and tears everything down
func withApp(cmd *cobra.Command, opts *options, fn func(*App) error) error {
	cfg, err := resolveConfig(cmd, opts)
	if err != nil {
		return err
	}

	logger, err := dedup.NewLogger(cfg.Logging.Env, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger.Debug("starting geodedup", zap.String("version", Version), zap.String("command", cmd.Name()))

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	if err := app.Open(); err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			logger.Warn("closing dataset", zap.Error(cerr))
		}
	}()

	return fn(app)
}

// pass hides the configured fields and runs the clustering pass
func pass(app *App) (*dedup.Result, error) {
	if err := app.HideFields(app.Config.DropFields); err != nil {
		return nil, err
	}
	app.ConnectMQTT()
	return app.RunPass()
}

func printSummary(cmd *cobra.Command, res *dedup.Result) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	s := res.Stats()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n%s\n", cyan("=== Clustering Summary ==="))
	fmt.Fprintf(out, "  Run:          %s\n", gray(res.RunID))
	fmt.Fprintf(out, "  Features:     %d\n", s.Features)
	fmt.Fprintf(out, "  Clusters:     %s\n", green(s.Clusters))
	fmt.Fprintf(out, "  Duplicates:   %s\n", green(s.Duplicates))
	fmt.Fprintf(out, "  Unclustered:  %d\n", s.Unclustered)
	fmt.Fprintf(out, "  Largest:      %d\n", s.LargestCluster)
	fmt.Fprintf(out, "  Elapsed:      %s\n", s.Elapsed)
}
