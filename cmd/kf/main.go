package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kravflyt/internal/app"
	"kravflyt/internal/domain"
	"kravflyt/internal/engine"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kf",
		Short: "Kravflyt CLI",
		Long: `Kravflyt follows NS 8407 claims between entreprenør (TE) and byggherre (BH).
- Case: one claim matter. Standard cases carry three tracks; forsering and
  endringsordre cases build on standard cases.
- Tracks: grunnlag (basis), vederlag (compensation) and frist (time extension).
- Event log: every claim, answer and notice is an event; state is always
  recomputed from the log.
- Preclusion: notices sent too late may lose the claim; 'kf notice assess'
  grades the risk.`,
		SilenceUsage: true,
	}
	cobra.OnInitialize(initConfig)
	addPersistentFlags(root)
	root.AddCommand(caseCmd())
	root.AddCommand(eventCmd())
	root.AddCommand(noticeCmd())
	root.AddCommand(forseringCmd())
	root.AddCommand(verdictCmd())
	root.AddCommand(configCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(serveCmd())
	return root
}

func initConfig() {
	viper.SetEnvPrefix("KRAVFLYT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("role", string(domain.RoleTE), "contracting party (TE or BH)")
	flags.String("log-format", "text", "log format (text or json)")
	flags.String("log-level", "warn", "log level")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "log-format", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func role() domain.Role {
	return domain.Role(strings.ToUpper(viper.GetString("role")))
}

func withEngine(cmd *cobra.Command, fn func(context.Context, engine.Engine) error) error {
	logger := app.NewLogger(viper.GetString("log-format"), viper.GetString("log-level"), cmd.ErrOrStderr())
	ws, err := app.Open(viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer ws.Close()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, ws.Engine)
}

// printOut writes v as JSON when --json is set and otherwise calls render.
func printOut(w io.Writer, v any, render func(io.Writer)) error {
	if viper.GetBool("json") || render == nil {
		return printJSON(w, v)
	}
	render(w)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}
