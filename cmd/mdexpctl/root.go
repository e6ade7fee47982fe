package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mdexp/internal/logging"
	"mdexp/internal/storage"
	"mdexp/pkg/mdexp"
)

const envPrefix = "MDEXP"

// cli carries the settings shared by every command. Persistent flags are
// bound to v so MDEXP_* environment variables can override their defaults.
type cli struct {
	v   *viper.Viper
	out io.Writer
}

func newRootCommand(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out}

	root := &cobra.Command{
		Use:           "mdexpctl",
		Short:         "Train learned coarse-grained potentials through batched molecular dynamics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", logging.FormatText, "log format: text|json")
	flags.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	flags.String("db-path", "mdexp.db", "sqlite database path")
	flags.String("runs-dir", "runs", "directory holding run_index.json")
	for _, name := range []string{"log-level", "log-format", "store", "db-path", "runs-dir"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}
	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root.AddCommand(
		c.trainCommand(),
		c.simulateCommand(),
		c.validateConfigCommand(),
		c.runsCommand(),
		c.metricsCommand(),
		c.checkpointsCommand(),
	)
	return root
}

func (c *cli) logger() (*logrus.Logger, error) {
	return logging.New(logging.Options{
		Level:  c.v.GetString("log-level"),
		Format: c.v.GetString("log-format"),
	})
}

func (c *cli) client() (*mdexp.Client, error) {
	log, err := c.logger()
	if err != nil {
		return nil, err
	}
	return mdexp.New(mdexp.Options{
		StoreKind: c.v.GetString("store"),
		DBPath:    c.v.GetString("db-path"),
		RunsDir:   c.v.GetString("runs-dir"),
		Logger:    log,
	})
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *cli) printJSON(value any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.6f", *v)
}
