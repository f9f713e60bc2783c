package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/transferpipe/internal/config"
	"github.com/telhawk-systems/transferpipe/internal/schema"
	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

var setupDump bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Run migrations and apply the schema registry",
	Long: `setup prepares the backing store: it runs the database migrations and
applies every declared pipeline object (mappings, retention policies, the
derivation rule, the rollup definition). Re-running is safe; unchanged
declarations are skipped.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().BoolVar(&setupDump, "dump", false, "print the declared objects as YAML without applying")
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if setupDump {
		return dumpObjects(cfg)
	}

	if !cfg.Database.Postgres.Enabled {
		return fmt.Errorf("setup requires database.postgres.enabled=true")
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level), "text")

	ctx := cmd.Context()
	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	// Transient store errors right after a fresh database comes up are
	// common enough to warrant a short retry.
	var report *schema.Report
	for attempt := 1; ; attempt++ {
		report, err = applyRegistry(ctx, cfg, repo, logger)
		if err == nil {
			break
		}
		if attempt >= 3 {
			return err
		}
		logger.Warn("apply failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	for _, name := range report.Applied {
		fmt.Printf("applied  %s\n", name)
	}
	for _, name := range report.Skipped {
		fmt.Printf("skipped  %s (unchanged)\n", name)
	}
	fmt.Printf("setup complete: %d applied, %d unchanged\n", len(report.Applied), len(report.Skipped))
	return nil
}

func dumpObjects(cfg *config.Config) error {
	objects := schema.DefaultObjects(
		cfg.Retention.Staging,
		cfg.Retention.Canonical,
		cfg.Retention.DeadLetter,
		cfg.Retention.Aggregate,
		schema.BatchingParams{
			MaxAge:     cfg.Batching.MaxAge,
			MaxRecords: cfg.Batching.MaxRecords,
			MaxBytes:   cfg.Batching.MaxBytes,
		},
	)

	type dumpObject struct {
		Name      string   `yaml:"name"`
		Kind      string   `yaml:"kind"`
		DependsOn []string `yaml:"depends_on,omitempty"`
		Spec      any      `yaml:"spec"`
	}
	out := make([]dumpObject, 0, len(objects))
	for _, obj := range objects {
		out = append(out, dumpObject{Name: obj.Name, Kind: obj.Kind, DependsOn: obj.DependsOn, Spec: obj.Spec})
	}
	return yaml.NewEncoder(os.Stdout).Encode(out)
}
