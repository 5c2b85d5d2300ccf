package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kravflyt/internal/domain"
	"kravflyt/internal/engine"
	"kravflyt/internal/format"
	"kravflyt/internal/repo"
	"kravflyt/internal/verdict"
)

func caseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "case", Short: "Manage claim cases"}
	cmd.AddCommand(caseCreateCmd())
	cmd.AddCommand(caseListCmd())
	cmd.AddCommand(caseShowCmd())
	cmd.AddCommand(caseCompareCmd())
	cmd.AddCommand(caseDeleteCmd())
	return cmd
}

func caseCreateCmd() *cobra.Command {
	var (
		id, caseType, title string
		related             []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCase(ctx, engine.CaseCreateOptions{
					ID:             id,
					Type:           domain.CaseType(caseType),
					Title:          title,
					RelatedCaseIDs: related,
					ActorID:        viper.GetString("actor-id"),
					Role:           role(),
				})
				if err != nil {
					return err
				}
				return printOut(cmd.OutOrStdout(), c, func(w io.Writer) {
					fmt.Fprintf(w, "created %s case %s\n", c.Type, c.ID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "case id (generated when empty)")
	cmd.Flags().StringVar(&caseType, "type", string(domain.CaseTypeStandard), "standard, forsering or endringsordre")
	cmd.Flags().StringVar(&title, "title", "", "case title")
	cmd.Flags().StringSliceVar(&related, "related", nil, "standard cases a forsering or endringsordre case builds on")
	return cmd
}

func caseListCmd() *cobra.Command {
	var (
		caseType string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCases(ctx, repo.CaseFilters{Type: domain.CaseType(caseType), Limit: limit})
				if err != nil {
					return err
				}
				if items == nil {
					items = []domain.Case{}
				}
				return printOut(cmd.OutOrStdout(), items, func(w io.Writer) {
					tw := newTable(w, table.Row{"ID", "Type", "Title", "Created"})
					for _, c := range items {
						tw.AppendRow(table.Row{c.ID, c.Type, c.Title, c.CreatedAt})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&caseType, "type", "", "filter by case type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of cases")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show the projected state of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				state, err := e.State(ctx, args[0])
				if err != nil {
					return err
				}
				locale := e.Config.Locale
				return printOut(cmd.OutOrStdout(), state, func(w io.Writer) {
					fmt.Fprintf(w, "%s (%s) %s\n", state.CaseID, state.CaseType, state.Title)
					if state.CaseType == domain.CaseTypeStandard {
						renderTracks(w, state, locale)
					}
					if f := state.Forsering; f != nil {
						fmt.Fprintf(w, "forsering: %s, %s avslått, tak %s\n",
							f.Stage, format.Days(locale, f.RejectedDays), format.Money(locale, f.MaxCost))
					}
					if co := state.ChangeOrder; co != nil {
						fmt.Fprintf(w, "endringsordre %s: %s, netto %s\n",
							co.Number, co.Status, format.Money(locale, co.Settlement.NetAmount))
					}
				})
			})
		},
	}
	return cmd
}

func renderTracks(w io.Writer, state domain.CaseState, locale string) {
	tw := newTable(w, table.Row{"Spor", "Status", "Versjon", "Krav", "Godkjent", "Subsidiært", "Snuoperasjon"})
	for _, kind := range domain.Tracks {
		t := state.Track(kind)
		claimed, approved := "", ""
		switch kind {
		case domain.TrackVederlag:
			claimed, approved = format.Money(locale, t.ClaimedAmount), format.Money(locale, t.ApprovedAmount)
		case domain.TrackFrist:
			claimed, approved = format.Days(locale, t.ClaimedDays), format.Days(locale, t.ApprovedDays)
		case domain.TrackGrunnlag:
			claimed = verdict.CategoryLabel(t.Category)
		}
		snu := ""
		if t.Snuoperasjon {
			snu = "ja"
		}
		tw.AppendRow(table.Row{
			verdict.TrackLabel(kind),
			verdict.StatusLabel(t.Status),
			t.Version,
			claimed,
			approved,
			t.SubsidiaryStatus,
			snu,
		})
	}
	tw.Render()
}

func caseCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare <case-id> <track>",
		Short: "Compare principal and subsidiary positions on a track",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				rows, err := e.CompareTrack(ctx, args[0], domain.TrackKind(args[1]))
				if err != nil {
					return err
				}
				locale := e.Config.Locale
				return printOut(cmd.OutOrStdout(), rows, func(w io.Writer) {
					tw := newTable(w, table.Row{"Standpunkt", "Resultat", "Beløp", "Dager", "Status"})
					for _, r := range rows {
						result := verdict.ResultLabel(r.Result)
						if r.StruckThrough {
							result = "~" + result + "~"
						}
						tw.AppendRow(table.Row{r.Position, result, format.Money(locale, r.Amount), r.Days, r.Status})
					}
					tw.Render()
				})
			})
		},
	}
	return cmd
}

func caseDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <case-id>",
		Short: "Delete a case and its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteCase(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func eventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Case event log",
		Long:  "Claims, answers and notices are appended as events. The log is never edited.",
	}
	cmd.AddCommand(eventAppendCmd())
	cmd.AddCommand(eventLogCmd())
	return cmd
}

func eventAppendCmd() *cobra.Command {
	var payload, payloadFile, at string
	cmd := &cobra.Command{
		Use:   "append <case-id> <event-type>",
		Short: "Append an event, e.g. grunnlag.claim_sent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(payload)
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				raw = data
			}
			if len(raw) > 0 && !json.Valid(raw) {
				return fmt.Errorf("payload is not valid JSON")
			}
			opts := engine.AppendOptions{
				CaseID:  args[0],
				Type:    domain.EventType(args[1]),
				ActorID: viper.GetString("actor-id"),
				Role:    role(),
				Payload: raw,
			}
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				opts.Timestamp = ts
			}
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				res, err := e.Append(ctx, opts)
				if err != nil {
					return err
				}
				return printOut(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "appended #%d %s\n", res.Event.Seq, res.Event.Type)
					if res.State.CaseType == domain.CaseTypeStandard {
						renderTracks(w, res.State, e.Config.Locale)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "event payload as JSON")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the payload from a file")
	cmd.Flags().StringVar(&at, "at", "", "event time (RFC3339), defaults to now")
	return cmd
}

func eventLogCmd() *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "log <case-id>",
		Short: "Show a case's events in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				items, err := e.EventsAfter(ctx, args[0], after)
				if err != nil {
					return err
				}
				if items == nil {
					items = []domain.Event{}
				}
				return printOut(cmd.OutOrStdout(), items, func(w io.Writer) {
					tw := newTable(w, table.Row{"#", "Time", "Type", "Role", "Actor"})
					for _, evt := range items {
						tw.AppendRow(table.Row{evt.Seq, evt.Timestamp.Format(time.RFC3339), evt.Type, evt.Role, evt.ActorID})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this sequence number")
	return cmd
}
