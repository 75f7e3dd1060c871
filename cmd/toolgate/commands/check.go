package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/toolgate/internal/policy"
)

var checkCmd = &cobra.Command{
	Use:   "check <tool> [json-arguments]",
	Short: "Show which policy decides a tool call",
	Long: `Evaluate a tool call against the effective policy list without running it.

Examples:
  toolgate check Read
  toolgate check Bash '{"command": "git status"}'
  toolgate --exclude 'Bash(rm*)' check Bash '{"command": "rm -rf build"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	toolArgs := map[string]any{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	ctx := context.Background()
	a, err := startApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Shutdown(ctx)

	store, err := a.Store(ctx)
	if err != nil {
		return err
	}
	cat, err := a.Catalog(ctx)
	if err != nil {
		return err
	}

	name, known := cat.Canonical(args[0])
	res := store.Check(name, toolArgs, cat)

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %s\n", bold.Sprint(name), decisionColor(res.Decision).Sprint(res.Decision))
	if !known {
		fmt.Fprintln(w, yellow.Sprintf("  warning: %q is not a known tool", args[0]))
	}
	if res.Index < 0 {
		fmt.Fprintln(w, dim.Sprint("  no policy matched"))
		return nil
	}
	fmt.Fprintf(w, "  matched #%d %s %s\n", res.Index, res.Matched.Pattern(), dim.Sprintf("(%s: %s)", res.Matched.Origin, res.Matched.Source))
	if res.Decision == policy.Ask {
		fmt.Fprintln(w, dim.Sprintf("  allow-always would grant %s", policy.SuggestPattern(name, toolArgs, cat)))
	}
	return nil
}
