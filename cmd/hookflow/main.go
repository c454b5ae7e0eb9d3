// Command hookflow runs the event-driven workflow engine.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/rendis/hookflow/internal/config"
	"github.com/rendis/hookflow/internal/logging"
)

// cli carries state shared by the subcommands.
type cli struct {
	configPath string
	fs         afero.Fs
	loader     *config.Loader
	stdout     io.Writer
	stderr     io.Writer
}

func newCLI() *cli {
	fs := afero.NewOsFs()
	return &cli{
		fs:     fs,
		loader: config.NewLoader(fs),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// load reads the configuration, applying any flags bound to the loader.
func (c *cli) load() (*config.Config, *slog.Logger, error) {
	cfg, err := c.loader.Load(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	// stdout is reserved for the MCP stdio transport.
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, c.stderr)
	if used := c.loader.ConfigFileUsed(); used != "" {
		logger.Debug("config loaded", "file", used)
	}
	return cfg, logger, nil
}

// bindFlags returns a PreRunE that maps the command's flags onto
// configuration keys. Binding happens at run time because several commands
// share keys and viper keeps one flag per key.
func (c *cli) bindFlags(flags map[string]string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		for key, flag := range flags {
			if err := c.loader.Viper().BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return fmt.Errorf("bind flag --%s: %w", flag, err)
			}
		}
		return nil
	}
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "hookflow",
		Short:         "Event-driven workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to config file (default: ./hookflow.yaml or /etc/hookflow/hookflow.yaml)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	if err := c.loader.Viper().BindPFlag("log.level", root.PersistentFlags().Lookup("log-level")); err != nil {
		panic(err)
	}

	root.AddCommand(
		c.serveCommand(),
		c.mcpCommand(),
		c.validateCommand(),
		c.diagramCommand(),
		c.versionCommand(),
	)
	return root
}

func main() {
	c := newCLI()
	if err := c.rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hookflow:", err)
		os.Exit(1)
	}
}
