package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/transferpipe/internal/client"
	"github.com/telhawk-systems/transferpipe/internal/model"
	"github.com/telhawk-systems/transferpipe/internal/seeder"
)

var (
	seedCount  int
	seedFormat string
	seedSpread time.Duration
	seedSeed   int64
	seedFlush  bool
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate and ingest synthetic observations",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 100, "number of observations to generate")
	seedCmd.Flags().StringVar(&seedFormat, "format", "csv", "payload format: csv or json")
	seedCmd.Flags().DurationVar(&seedSpread, "spread", 24*time.Hour, "spread event times over this trailing window")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "random seed (0 uses the current time)")
	seedCmd.Flags().BoolVar(&seedFlush, "flush", true, "seal the batch immediately")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	format, ok := model.ParseFormat(seedFormat)
	if !ok {
		return fmt.Errorf("unknown format %q", seedFormat)
	}

	seed := seedSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gen := seeder.New(seed)

	var payload []byte
	switch format {
	case model.FormatCSV:
		payload = gen.CSV(seedCount, seedSpread)
	case model.FormatJSON:
		payload = gen.NDJSON(seedCount, seedSpread)
	}

	res, err := client.New(serverURL).Ingest(cmd.Context(), format, "seeder", payload, seedFlush)
	if err != nil {
		return err
	}
	fmt.Printf("seeded %d records (%d invalid), batch %s\n", res.Records, res.Invalid, res.BatchID)
	return nil
}
