package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/transferpipe/internal/client"
	"github.com/telhawk-systems/transferpipe/internal/model"
)

var (
	ingestFormat string
	ingestSource string
	ingestFlush  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Send raw observation files to a running pipeline",
	Long: `ingest posts each file to the pipeline's ingest endpoint. The format is
taken from the file extension (.csv, .json, .ndjson) unless --format is
given. With --flush each file's batch seals immediately instead of waiting
for a batching threshold.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFormat, "format", "", "payload format: csv or json (default: from extension)")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "cli", "source tag recorded on the batch")
	ingestCmd.Flags().BoolVar(&ingestFlush, "flush", false, "seal the batch immediately after each file")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	c := client.New(serverURL)

	for _, path := range args {
		format, err := resolveFormat(path)
		if err != nil {
			return err
		}

		payload, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		res, err := c.Ingest(cmd.Context(), format, ingestSource, payload, ingestFlush)
		if err != nil {
			return fmt.Errorf("failed to ingest %s: %w", path, err)
		}
		fmt.Printf("%s: %d records accepted (%d invalid), batch %s\n",
			path, res.Records, res.Invalid, res.BatchID)
	}
	return nil
}

func resolveFormat(path string) (model.Format, error) {
	if ingestFormat != "" {
		format, ok := model.ParseFormat(ingestFormat)
		if !ok {
			return "", fmt.Errorf("unknown format %q", ingestFormat)
		}
		return format, nil
	}
	format, ok := model.ParseFormat(filepath.Ext(path))
	if !ok {
		return "", fmt.Errorf("cannot infer format from %s, use --format", path)
	}
	return format, nil
}
