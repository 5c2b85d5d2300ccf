package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kravflyt/internal/config"
	"kravflyt/internal/domain"
	"kravflyt/internal/engine"
	"kravflyt/internal/format"
	"kravflyt/internal/forsering"
	"kravflyt/internal/verdict"
)

func parseNow(raw string, e engine.Engine) (time.Time, error) {
	if raw == "" {
		if e.Now != nil {
			return e.Now(), nil
		}
		return time.Now().UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--now: %w", err)
	}
	return ts, nil
}

func noticeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "notice", Short: "Notice deadlines"}
	cmd.AddCommand(noticeAssessCmd())
	return cmd
}

func noticeAssessCmd() *cobra.Command {
	var now string
	cmd := &cobra.Command{
		Use:   "assess <case-id>",
		Short: "Grade how close each track is to losing its claim for late notice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				at, err := parseNow(now, e)
				if err != nil {
					return err
				}
				items, err := e.AssessNotices(ctx, args[0], at)
				if err != nil {
					return err
				}
				return printOut(cmd.OutOrStdout(), items, func(w io.Writer) {
					tw := newTable(w, table.Row{"Spor", "Status", "Dager", "Grense", "Regel", "Råd"})
					for _, n := range items {
						a := n.Assessment
						tw.AppendRow(table.Row{verdict.TrackLabel(n.Track), a.Status, a.DaysElapsed, a.Threshold, a.Category, a.Advisory})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&now, "now", "", "assessment time (RFC3339)")
	return cmd
}

func forseringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forsering",
		Short: "Acceleration at the contractor's own risk",
		Long:  "When BH rejects a time extension TE may accelerate and claim the cost, capped at the penalty avoided plus an uplift.",
	}
	cmd.AddCommand(forseringCapCmd())
	cmd.AddCommand(forseringStatusCmd())
	return cmd
}

func forseringCapCmd() *cobra.Command {
	var (
		days   int
		rate   float64
		uplift int
	)
	cmd := &cobra.Command{
		Use:   "cap",
		Short: "Compute the maximum recoverable acceleration cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("uplift") {
				uplift = cfg.Forsering.UpliftPercent
			}
			if days < 0 || rate < 0 || uplift < 0 {
				return fmt.Errorf("days, rate and uplift must be non-negative")
			}
			maxCost := forsering.CostCapWith(days, rate, uplift)
			out := struct {
				RejectedDays     int     `json:"rejected_days"`
				DailyPenaltyRate float64 `json:"daily_penalty_rate"`
				UpliftPercent    int     `json:"uplift_percent"`
				MaxCost          float64 `json:"max_cost"`
			}{days, rate, uplift, maxCost}
			return printOut(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "%s x %s + %s = %s\n",
					format.Days(cfg.Locale, days), format.Money(cfg.Locale, rate),
					format.Percent(cfg.Locale, uplift), format.Money(cfg.Locale, maxCost))
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "rejected days")
	cmd.Flags().Float64Var(&rate, "rate", 0, "daily penalty rate (dagmulkt)")
	cmd.Flags().IntVar(&uplift, "uplift", 0, "uplift percent (defaults to config)")
	return cmd
}

func forseringStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <case-id>",
		Short: "Show spend against the acceleration cap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				s, err := e.ForseringStatus(ctx, args[0])
				if err != nil {
					return err
				}
				locale := e.Config.Locale
				return printOut(cmd.OutOrStdout(), s, func(w io.Writer) {
					tw := newTable(w, table.Row{"Fase", "Maks", "Estimat", "Påløpt", "Gjenstår", "Nivå"})
					tw.AppendRow(table.Row{
						s.Stage,
						format.Money(locale, s.MaxCost),
						format.Money(locale, s.EstimatedCost),
						format.Money(locale, s.IncurredCost),
						format.Money(locale, s.RemainingToCap),
						s.Classification.Level,
					})
					tw.Render()
					if s.Advisory != "" {
						fmt.Fprintln(w, s.Advisory)
					}
				})
			})
		},
	}
	return cmd
}

func verdictCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "verdict", Short: "Preview BH answers before sending them"}
	cmd.AddCommand(verdictOptionsCmd())
	cmd.AddCommand(verdictConsequenceCmd())
	return cmd
}

func verdictOptionsCmd() *cobra.Command {
	var now string
	cmd := &cobra.Command{
		Use:   "options <case-id> <track>",
		Short: "List the answers BH may give on a track",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				at, err := parseNow(now, e)
				if err != nil {
					return err
				}
				opts, err := e.VerdictOptions(ctx, args[0], domain.TrackKind(args[1]), at)
				if err != nil {
					return err
				}
				return printOut(cmd.OutOrStdout(), opts, func(w io.Writer) {
					if len(opts) == 0 {
						fmt.Fprintln(w, "no answers available on this track")
						return
					}
					tw := newTable(w, table.Row{"Svar", "Etikett", "Begrenset", "Beskrivelse"})
					for _, o := range opts {
						capped := ""
						if o.Capped {
							capped = "ja"
						}
						tw.AppendRow(table.Row{o.Value, o.Label, capped, o.Description})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&now, "now", "", "evaluation time (RFC3339)")
	return cmd
}

func verdictConsequenceCmd() *cobra.Command {
	var now string
	cmd := &cobra.Command{
		Use:   "consequence <case-id> <track> <resultat>",
		Short: "Describe what an answer would mean for the claim",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				at, err := parseNow(now, e)
				if err != nil {
					return err
				}
				res, err := e.VerdictConsequence(ctx, args[0], domain.TrackKind(args[1]), domain.Result(args[2]), at)
				if err != nil {
					return err
				}
				return printOut(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "[%s] %s\n", res.Variant, res.Text)
					if res.ReversalText != "" {
						fmt.Fprintln(w, res.ReversalText)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&now, "now", "", "evaluation time (RFC3339)")
	return cmd
}
