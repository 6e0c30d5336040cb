package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"slices"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stakeholder/tokensim/internal/config"
	"github.com/stakeholder/tokensim/internal/engine"
	"github.com/stakeholder/tokensim/internal/model"
	"github.com/stakeholder/tokensim/internal/store"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation and print its report",
		Long: `Run a full simulation and print a summary of the resulting market.

Flags override values from --config, which in turn override the built-in
defaults.

Examples:
  tokensim run                           # 30 days, 5 users/day, seed 1
  tokensim run --days 90 --users 20      # longer, busier market
  tokensim run --seed 7 --json           # full report as JSON
  tokensim run --sqlite runs.db          # also archive to SQLite`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := runConfig(cmd)
			if err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			level, _ := cmd.Flags().GetString("log-level")
			sqlitePath, _ := cmd.Flags().GetString("sqlite")

			sim, err := engine.New(cfg, newLogger(cmd.ErrOrStderr(), level))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := sim.Run(ctx, nil)
			if err != nil {
				return fmt.Errorf("simulation: %w", err)
			}

			if sqlitePath != "" {
				if err := export(ctx, sqlitePath, report); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(out, report)
			if sqlitePath != "" {
				fmt.Fprintf(out, "\nArchived run %s to %s\n", report.ID, sqlitePath)
			}
			return nil
		},
	}

	cmd.Flags().Int("days", 0, "Number of days to simulate")
	cmd.Flags().Int("users", 0, "New users onboarded per day")
	cmd.Flags().Float64("prob", 0, "Per-user daily transaction probability (0,1]")
	cmd.Flags().Int64("seed", 0, "Random seed")
	cmd.Flags().String("config", "", "YAML simulation config")
	cmd.Flags().String("sqlite", "", "Archive the report to this SQLite database")

	return cmd
}

// runConfig loads --config over the defaults and applies explicitly set
// flags on top.
func runConfig(cmd *cobra.Command) (*config.Simulation, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("days") {
		cfg.SimDays, _ = flags.GetInt("days")
	}
	if flags.Changed("users") {
		cfg.UsersPerDay, _ = flags.GetInt("users")
	}
	if flags.Changed("prob") {
		cfg.TxProb, _ = flags.GetFloat64("prob")
	}
	if flags.Changed("seed") {
		cfg.Seed, _ = flags.GetInt64("seed")
	}
	return cfg, nil
}

func export(ctx context.Context, path string, report *model.RunReport) error {
	db, err := store.OpenSQLite(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer db.Close()

	if err := db.SaveRun(ctx, report); err != nil {
		return fmt.Errorf("failed to archive run: %w", err)
	}
	return nil
}

func printReport(out io.Writer, r *model.RunReport) {
	sum := r.Summary()

	fmt.Fprintf(out, "Run %s\n", r.ID)
	fmt.Fprintf(out, "  seed %d, %d days, %d users/day, transaction probability %.2f\n\n",
		r.Seed, r.SimDays, r.UsersPerDay, r.TxProb)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Users\t%d\n", sum.Users)
	fmt.Fprintf(tw, "Transactions\t%d\n", sum.Transactions)
	fmt.Fprintf(tw, "Failed transactions\t%d\n", sum.Failed)
	fmt.Fprintf(tw, "Fees collected\t%s\n", r.TotalFees.StringFixed(4))
	fmt.Fprintf(tw, "Global reserve\t%s (initial %s)\n", r.GlobalReserve.StringFixed(2), r.InitialReserve.StringFixed(2))
	fmt.Fprintf(tw, "Buffer\t%s\n", r.Buffer.StringFixed(4))
	fmt.Fprintf(tw, "Market cap\t%.2f\n", sum.MarketCap)
	if r.Dropped != 0 {
		fmt.Fprintf(tw, "Dropped redistribution\t%.6f\n", r.Dropped)
	}
	tw.Flush()

	if len(r.Failed) > 0 {
		reasons := make(map[model.FailureReason]int)
		for _, f := range r.Failed {
			reasons[f.Reason]++
		}
		fmt.Fprintln(out, "\nRejections:")
		tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		sorted := make([]model.FailureReason, 0, len(reasons))
		for reason := range reasons {
			sorted = append(sorted, reason)
		}
		slices.Sort(sorted)
		for _, reason := range sorted {
			fmt.Fprintf(tw, "  %s\t%d\n", reason, reasons[reason])
		}
		tw.Flush()
	}

	if len(r.LPContribs) > 0 {
		fmt.Fprintln(out, "\nLiquidity contributions:")
		tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  DAY\tAMOUNT\tSHARE\tEXIT VALUE\tPROFIT")
		for _, c := range r.LPContribs {
			fmt.Fprintf(tw, "  %d\t%s\t%.2f%%\t%s\t%s\n",
				c.Day, c.Amount.StringFixed(2), c.Proportion*100,
				c.ExitValue(r.GlobalReserve).StringFixed(2), c.Profit(r.GlobalReserve).StringFixed(2))
		}
		tw.Flush()
	}

	printMovers(out, r, 5)
}

// printMovers lists the n largest price changes since the end of day 1.
func printMovers(out io.Writer, r *model.RunReport, n int) {
	if len(r.History) == 0 {
		return
	}
	first := r.History[0].Prices

	type move struct {
		token      string
		from, to   float64
		changeFrac float64
	}
	moves := make([]move, 0, len(r.FinalPrices))
	for i, p := range r.FinalPrices {
		if first[i] <= 0 {
			continue
		}
		moves = append(moves, move{r.TokenIDs[i], first[i], p, p/first[i] - 1})
	}
	sort.SliceStable(moves, func(i, j int) bool {
		return math.Abs(moves[i].changeFrac) > math.Abs(moves[j].changeFrac)
	})
	if len(moves) > n {
		moves = moves[:n]
	}

	fmt.Fprintln(out, "\nTop movers since day 1:")
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, m := range moves {
		fmt.Fprintf(tw, "  %s\t%.4f -> %.4f\t%+.1f%%\n", m.token, m.from, m.to, m.changeFrac*100)
	}
	tw.Flush()
}
