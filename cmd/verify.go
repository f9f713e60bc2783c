package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/transferpipe/internal/client"
	"github.com/telhawk-systems/transferpipe/internal/model"
)

var verifyWait time.Duration

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "End-to-end check of a running pipeline",
	Long: `verify ingests a probe record with flush, waits for it to commit and
aggregate, then confirms it is visible in both the canonical store and
today's rollup.`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().DurationVar(&verifyWait, "wait", 10*time.Second, "how long to wait for the probe to appear")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	c := client.New(serverURL)
	ctx := cmd.Context()

	if err := c.Ready(ctx); err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	fmt.Println("ok  service is ready")

	now := time.Now().UTC()
	probe := fmt.Sprintf("verify_probe_%d.dat", now.UnixNano())
	payload := strings.Join([]string{
		"Filename,SourcePresent,TargetPresent,SourceLastModifiedUtc,TargetLastModifiedUtc,AgeMinutes,Status,Notes",
		fmt.Sprintf("%s,true,true,%s,%s,1.00,%s,verification probe",
			probe, now.Format(time.RFC3339), now.Format(time.RFC3339), model.StatusOK),
	}, "\n")

	res, err := c.Ingest(ctx, model.FormatCSV, "verify", []byte(payload), true)
	if err != nil {
		return fmt.Errorf("probe ingest failed: %w", err)
	}
	if res.Invalid != 0 {
		return fmt.Errorf("probe record was rejected by validation")
	}
	fmt.Printf("ok  probe ingested, batch %s\n", res.BatchID)

	deadline := time.Now().Add(verifyWait)
	for {
		obs, err := c.Observations(ctx, now.Add(-time.Minute), now.Add(time.Minute), 1000)
		if err != nil {
			return fmt.Errorf("canonical query failed: %w", err)
		}
		found := false
		for _, raw := range obs {
			if strings.Contains(string(raw), probe) {
				found = true
				break
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("probe did not reach the canonical store within %s", verifyWait)
		}
		time.Sleep(500 * time.Millisecond)
	}
	fmt.Println("ok  probe committed to canonical store")

	for {
		days, err := c.SummaryDaily(ctx, now, now)
		if err != nil {
			return fmt.Errorf("rollup query failed: %w", err)
		}
		if len(days) > 0 && days[0].TotalCount > 0 {
			fmt.Printf("ok  today's rollup: %d records, %.1f%% SLA\n",
				days[0].TotalCount, days[0].SlaAdherencePct)
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("probe did not reach the daily rollup within %s", verifyWait)
		}
		time.Sleep(500 * time.Millisecond)
	}

	fmt.Println("verification passed")
	return nil
}
