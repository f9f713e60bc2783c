package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/transferpipe/internal/client"
)

var statusDays int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent daily rollups and signal state",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusDays, "days", 7, "number of trailing days to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := client.New(serverURL)
	ctx := cmd.Context()

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -(statusDays - 1))

	days, err := c.SummaryDaily(ctx, from, to)
	if err != nil {
		return err
	}

	fmt.Printf("%-12s %8s %8s %8s %8s %10s %8s %8s\n",
		"DATE", "TOTAL", "OK", "MISSING", "DELAYED", "AVG AGE", "P95 AGE", "SLA %")
	for _, d := range days {
		avg := "-"
		if d.AvgAgeMinutes != nil {
			avg = fmt.Sprintf("%.1fm", *d.AvgAgeMinutes)
		}

		p95 := "-"
		if day, err := time.Parse("2006-01-02", d.Date); err == nil {
			if v, err := c.Percentile(ctx, day, 0.95); err == nil && v != nil {
				p95 = fmt.Sprintf("%.1fm", *v)
			}
		}

		fmt.Printf("%-12s %8d %8d %8d %8d %10s %8s %8.1f\n",
			d.Date, d.TotalCount, d.OkCount, d.MissingCount, d.DelayedCount,
			avg, p95, d.SlaAdherencePct)
	}
	if len(days) == 0 {
		fmt.Println("(no rollup rows in range)")
	}

	signals, err := c.Signals(ctx)
	if err != nil {
		return err
	}
	fmt.Println()
	for _, s := range signals {
		state := "quiet"
		if s.Active {
			state = "ACTIVE"
		}
		fmt.Printf("signal %-20s %-8s value=%.0f threshold=%.0f\n",
			s.Signal, state, s.Value, s.Threshold)
	}
	return nil
}
