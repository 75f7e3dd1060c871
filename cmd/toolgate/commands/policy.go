package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var policyJSON bool

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Print the effective policy list",
	Long: `Print every policy in evaluation order with the origin it came from.
The first policy matching a tool call decides it.`,
	Args: cobra.NoArgs,
	RunE: runPolicy,
}

var policyPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the path of the persisted policy file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := startApp(ctx, cmd, false)
		if err != nil {
			return err
		}
		defer a.Shutdown(ctx)
		cfg, err := a.Config(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cfg.PolicyFilePath())
		return nil
	},
}

func init() {
	policyCmd.Flags().BoolVar(&policyJSON, "json", false, "Print as JSON")
	policyCmd.AddCommand(policyPathCmd)
}

func runPolicy(cmd *cobra.Command, args []string) error {
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
	list := store.Effective()

	w := cmd.OutOrStdout()
	if policyJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	for i, entry := range list {
		fmt.Fprintf(w, "%3d  %s %s %s\n",
			i,
			decisionColor(entry.Decision()).Sprintf("%-8s", entry.Decision()),
			entry.Pattern(),
			dim.Sprintf("(%s: %s)", entry.Origin, entry.Source))
	}
	return nil
}
