// Package cli команды geolog: сервис записи и обслуживание хранилища
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/flybeeper/geolog/internal/config"
	"github.com/flybeeper/geolog/internal/repository"
	"github.com/flybeeper/geolog/pkg/utils"
)

// Version будет установлен при сборке через ldflags
var Version = "dev"

// app общее состояние команд: флаги, конфигурация и логгер
type app struct {
	storageDriver string
	sqlitePath    string
	mysqlDSN      string
	outputFormat  string

	cfg    *config.Config
	logger *utils.Logger
}

// NewRootCmd собирает дерево команд
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "geolog",
		Short:         "Adaptive location sampling service",
		Long:          "GeoLog records location samples, adapting accuracy and interval to the detected activity.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.storageDriver, "storage", "", "Storage driver: sqlite, mysql or memory (default: $STORAGE_DRIVER)")
	flags.StringVar(&a.sqlitePath, "sqlite-path", "", "SQLite database path (default: $SQLITE_PATH)")
	flags.StringVar(&a.mysqlDSN, "mysql-dsn", "", "MySQL DSN (default: $MYSQL_DSN)")
	flags.StringVarP(&a.outputFormat, "output", "o", "text", "Output format: text or json")

	root.AddCommand(
		newServeCmd(a),
		newProfilesCmd(a),
		newSamplesCmd(a),
		newExportCmd(a),
		newTokenCmd(a),
	)
	return root
}

// Execute запускает CLI
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// load читает конфигурацию и применяет флаги поверх переменных окружения
func (a *app) load(cmd *cobra.Command) error {
	if a.outputFormat != "text" && a.outputFormat != "json" {
		return fmt.Errorf("unknown output format %q", a.outputFormat)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if a.storageDriver != "" {
		cfg.Storage.Driver = a.storageDriver
	}
	if a.sqlitePath != "" {
		cfg.Storage.SQLitePath = a.sqlitePath
	}
	if a.mysqlDSN != "" {
		cfg.Storage.MySQLDSN = a.mysqlDSN
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	a.cfg = cfg

	// Сервис пишет логи в stdout как обычно, остальные команды в stderr
	out := cmd.ErrOrStderr()
	if cmd.Name() == "serve" {
		out = cmd.OutOrStdout()
	}
	a.logger = utils.NewLoggerWithOutput(config.LogLevel(), config.LogFormat(), out)
	utils.SetDefaultLogger(a.logger)
	return nil
}

func (a *app) openStorage(ctx context.Context) (repository.Storage, error) {
	storage, err := repository.Open(ctx, &a.cfg.Storage, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return storage, nil
}

func (a *app) jsonOutput() bool {
	return a.outputFormat == "json"
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
