package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	errs "github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/query"
	"github.com/quantfold/timedim/internal/validation"
)

func newReplCommand() *cobra.Command {
	var stores []string

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive SQL session over panel stores",
		Long: `Start an interactive DuckDB session with each named store attached as
a view (one record per panel cell). Statements end with a semicolon;
dot-commands control the session.`,
		Example: `  timedim repl --store prices --store volumes`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRepl(cmd, stores)
		},
	}

	cmd.Flags().StringArrayVar(&stores, "store", nil, "store to attach as a view (repeatable)")

	return cmd
}

func runRepl(cmd *cobra.Command, stores []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errs.NewValidation("repl", "needs an interactive terminal (pipe SQL to 'timedim query' instead)")
	}

	cfg := configFrom(cmd)
	svc, err := query.NewService(cfg.Query)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	views, err := attachStores(cmd.Context(), svc, cfg, stores)
	if err != nil {
		return err
	}

	r := &repl{
		ctx:    cmd.Context(),
		svc:    svc,
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
		views:  views,
	}

	_, _ = fmt.Fprintln(r.out, "timedim SQL session (DuckDB). Type .help for commands, .quit to exit.")
	if len(views) > 0 {
		_, _ = fmt.Fprintf(r.out, "Attached: %s\n", strings.Join(views, ", "))
	}
	_, _ = fmt.Fprintln(r.out)

	p := prompt.New(
		r.execute,
		r.complete,
		prompt.OptionTitle("timedim"),
		prompt.OptionPrefix("timedim> "),
		prompt.OptionLivePrefix(r.livePrefix),
		prompt.OptionSetExitCheckerOnInput(r.exitRequested),
	)
	p.Run()
	return nil
}

// repl holds one interactive session. Statements accumulate in buf
// until a line ends with a semicolon.
type repl struct {
	ctx    context.Context
	svc    *query.Service
	out    io.Writer
	errOut io.Writer
	views  []string

	buf  strings.Builder
	quit bool
}

func (r *repl) livePrefix() (string, bool) {
	if r.buf.Len() > 0 {
		return "    ...> ", true
	}
	return "", false
}

func (r *repl) exitRequested(in string, breakline bool) bool {
	return r.quit
}

func (r *repl) execute(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if r.buf.Len() == 0 && strings.HasPrefix(line, ".") {
		r.dotCommand(line)
		return
	}

	r.buf.WriteString(line)
	if !strings.HasSuffix(line, ";") {
		r.buf.WriteString(" ")
		return
	}

	stmt := r.buf.String()
	r.buf.Reset()
	r.run(stmt)
}

func (r *repl) run(stmt string) {
	res, err := r.svc.Execute(r.ctx, stmt)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "Error: %v\n", err)
		return
	}
	if err := renderResult(r.out, res, "table"); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "Error: %v\n", err)
		return
	}
	_, _ = fmt.Fprintln(r.out)
}

func (r *repl) dotCommand(line string) {
	parts := strings.Fields(line)
	switch strings.ToLower(parts[0]) {
	case ".quit", ".exit":
		r.quit = true

	case ".help":
		r.printHelp()

	case ".stores":
		if len(r.views) == 0 {
			_, _ = fmt.Fprintln(r.out, "no stores attached")
			return
		}
		for _, v := range r.views {
			_, _ = fmt.Fprintln(r.out, v)
		}

	case ".schema":
		if len(parts) < 2 {
			_, _ = fmt.Fprintln(r.errOut, "Usage: .schema <view>")
			return
		}
		if err := validation.ValidateSQLIdentifier(parts[1]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "Error: %v\n", err)
			return
		}
		r.run("DESCRIBE " + parts[1])

	case ".stats":
		st := r.svc.Stats()
		_, _ = fmt.Fprintf(r.out, "queries=%d rows=%d errors=%d\n", st.Queries, st.RowsReturned, st.Errors)

	default:
		_, _ = fmt.Fprintf(r.errOut, "Unknown command: %s (.help for commands)\n", parts[0])
	}
}

func (r *repl) printHelp() {
	help := `Commands:
  .help           Show this help message
  .stores         List attached store views
  .schema <view>  Show columns of a view
  .stats          Show session query counters
  .quit / .exit   Leave the session

Statements end with a semicolon. Attached views carry one record per
panel cell: (row, key, lag, col, feature, value).`
	_, _ = fmt.Fprintln(r.out, help)
}

// cellColumns are completions for the long-format view columns.
var cellColumns = []prompt.Suggest{
	{Text: "row", Description: "row position within its chunk"},
	{Text: "key", Description: "row key"},
	{Text: "lag", Description: "steps back (0 = current)"},
	{Text: "col", Description: "panel column label"},
	{Text: "feature", Description: "feature name"},
	{Text: "value", Description: "cell value"},
}

var sqlKeywords = []prompt.Suggest{
	{Text: "SELECT"}, {Text: "FROM"}, {Text: "WHERE"}, {Text: "GROUP BY"},
	{Text: "ORDER BY"}, {Text: "LIMIT"}, {Text: "JOIN"}, {Text: "PIVOT"},
	{Text: "DISTINCT"}, {Text: "count(*)"}, {Text: "avg(value)"},
	{Text: "min(value)"}, {Text: "max(value)"},
}

var dotCommands = []prompt.Suggest{
	{Text: ".help"}, {Text: ".stores"}, {Text: ".schema"},
	{Text: ".stats"}, {Text: ".quit"}, {Text: ".exit"},
}

func (r *repl) complete(d prompt.Document) []prompt.Suggest {
	word := d.GetWordBeforeCursor()
	if word == "" {
		return nil
	}
	if strings.HasPrefix(word, ".") {
		return prompt.FilterHasPrefix(dotCommands, word, true)
	}

	suggestions := make([]prompt.Suggest, 0, len(r.views)+len(cellColumns)+len(sqlKeywords))
	for _, v := range r.views {
		suggestions = append(suggestions, prompt.Suggest{Text: v, Description: "panel store"})
	}
	suggestions = append(suggestions, cellColumns...)
	suggestions = append(suggestions, sqlKeywords...)
	return prompt.FilterHasPrefix(suggestions, word, true)
}
