// Command docfeed streams rows from SQL queries or CSV files into document
// stores as nested documents.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"docfeed/internal/config"
	"docfeed/internal/sink"
	"docfeed/internal/source"
	"docfeed/internal/suspend"

	// register every source, sink and suspension kind; the pipeline file
	// picks one by name.
	_ "docfeed/internal/sink/all"
	_ "docfeed/internal/source/all"
	_ "docfeed/internal/suspend/all"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// runFlags override the pipeline file. Empty values keep the file's setting.
type runFlags struct {
	configPath     string
	metricsBackend string
	pushgatewayURL string
	datadogAddr    string
	controlAddr    string
	workers        int
	verbose        bool
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "docfeed",
		Short: "Stream SQL or CSV rows into document stores as nested documents",
		Long: `
docfeed folds consecutive rows that share an identity into one JSON document
and writes the documents in bulk to an HTTP bulk endpoint, MongoDB,
PostgreSQL or an NDJSON file.

Column names address the document tree: "address.city" nests, "tags[]"
splits a value into a list and "items[sku]" groups repeated sub-records into
a list of objects.
Control columns (_id, _index, _optype, _parent, ...) set document identity.
`,
		SilenceUsage: true,
	}
	rc.PersistentFlags().StringP("config", "c", "docfeed.yaml", "pipeline file (json, yaml or toml)")

	rc.AddCommand(newRunCommand(stdout, stderr))
	rc.AddCommand(newValidateCommand(stdout, stderr))
	rc.AddCommand(newKindsCommand(stdout))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

func newRunCommand(_, stderr io.Writer) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the job once, or on runtime.schedule when set",
		RunE: func(c *cobra.Command, _ []string) error {
			f.configPath = configFlag(c.Flags())
			p, err := loadAndValidate(f.configPath, stderr)
			if err != nil {
				return err
			}
			f.apply(&p)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, p)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.metricsBackend, "metrics-backend", "", "metrics backend: pushgateway, datadog or none (overrides metrics.backend)")
	flags.StringVar(&f.pushgatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides metrics.pushgateway_url)")
	flags.StringVar(&f.datadogAddr, "datadog-addr", "", "DogStatsD address (overrides metrics.datadog_addr)")
	flags.StringVar(&f.controlAddr, "control-addr", "", "listen address of the status endpoint, e.g. :8080 (overrides control.addr)")
	flags.IntVar(&f.workers, "workers", 0, "worker pool size (overrides runtime.workers)")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logs")
	return cmd
}

func newValidateCommand(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Lint the pipeline file and exit",
		RunE: func(c *cobra.Command, _ []string) error {
			path := configFlag(c.Flags())
			if _, err := loadAndValidate(path, stderr); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "configuration is valid: %s\n", path)
			return nil
		},
	}
}

func newKindsCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the registered source, sink and suspend kinds",
		RunE: func(*cobra.Command, []string) error {
			for _, g := range []struct {
				name  string
				kinds []string
			}{
				{"source", source.ListKinds()},
				{"sink", sink.ListKinds()},
				{"suspend", suspend.ListKinds()},
			} {
				sort.Strings(g.kinds)
				fmt.Fprintf(stdout, "%-8s %s\n", g.name, strings.Join(g.kinds, ", "))
			}
			return nil
		},
	}
}

func configFlag(fs *pflag.FlagSet) string {
	path, err := fs.GetString("config")
	if err != nil {
		return ""
	}
	return path
}

// loadAndValidate prints every issue to w and fails on errors.
func loadAndValidate(path string, w io.Writer) (config.Pipeline, error) {
	p, err := config.Load(path)
	if err != nil {
		return config.Pipeline{}, err
	}
	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintf(w, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return config.Pipeline{}, fmt.Errorf("configuration is invalid: %s", path)
	}
	return p, nil
}

func (f runFlags) apply(p *config.Pipeline) {
	if f.metricsBackend != "" {
		p.Metrics.Backend = f.metricsBackend
	}
	if f.pushgatewayURL != "" {
		p.Metrics.PushgatewayURL = f.pushgatewayURL
	}
	if f.datadogAddr != "" {
		p.Metrics.DatadogAddr = f.datadogAddr
	}
	if f.controlAddr != "" {
		p.Control.Addr = f.controlAddr
	}
	if f.workers > 0 {
		p.Runtime.Workers = f.workers
	}
	if f.verbose {
		p.Log.Level = log.DebugLevel.String()
	}
}
