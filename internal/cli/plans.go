package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"auto-trader/internal/config"
	"auto-trader/internal/execution"
	"auto-trader/internal/models"
	"auto-trader/internal/store"
)

func newPlansCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Manage trade plans",
	}

	cmd.AddCommand(newPlansListCmd(app))
	cmd.AddCommand(newPlansImportCmd(app))
	cmd.AddCommand(newPlansShowCmd(app))
	cmd.AddCommand(newPlansDeleteCmd(app))
	cmd.AddCommand(newPlansFunctionsCmd())
	return cmd
}

func openStore(app *App) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(app.Config.Store.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return store.NewSQLiteStore(app.Config.Store.Path)
}

func newPlansListCmd(app *App) *cobra.Command {
	var (
		all    bool
		symbol string
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trade plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			st, err := openStore(app)
			if err != nil {
				return err
			}
			defer st.Close()

			filter := store.PlanFilter{
				Symbol:     strings.ToUpper(symbol),
				Status:     models.PlanStatus(status),
				ActiveOnly: !all && status == "",
			}
			if status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			plans, err := st.GetPlans(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(plans)
			}
			renderPlans(output, plans)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include exited plans")
	cmd.Flags().StringVar(&symbol, "symbol", "", "only plans for this symbol")
	cmd.Flags().StringVar(&status, "status", "", "only plans in this status")
	return cmd
}

func newPlansImportCmd(app *App) *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import plans from a TOML, YAML or JSON file",
		Long: `Imports plan definitions. Plans whose id already exists are skipped, keeping
their progress, unless --replace is given, which resets them to awaiting entry
and clears their execution history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			plans, err := config.LoadPlans(args[0])
			if err != nil {
				return err
			}

			// Build every function now so typos fail the import, not the run.
			registry := execution.NewRegistry()
			for _, p := range plans {
				if _, err := registry.Create(p.EntryFunction); err != nil {
					return fmt.Errorf("plan %s entry: %w", p.ID, err)
				}
				if _, err := registry.Create(p.ExitFunction); err != nil {
					return fmt.Errorf("plan %s exit: %w", p.ID, err)
				}
			}

			st, err := openStore(app)
			if err != nil {
				return err
			}
			defer st.Close()

			result, err := st.ImportPlans(cmd.Context(), plans, replace)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(result)
			}
			for _, id := range result.Added {
				output.Success("✓ Added %s", id)
			}
			for _, id := range result.Replaced {
				output.Warning("↻ Replaced %s", id)
			}
			for _, id := range result.Skipped {
				output.Dim("- Skipped %s (exists, use --replace)", id)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&replace, "replace", false, "replace existing plans and reset their progress")
	return cmd
}

func newPlansShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one plan and its execution history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			st, err := openStore(app)
			if err != nil {
				return err
			}
			defer st.Close()

			plan, err := st.GetPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			execs, err := st.GetExecutions(cmd.Context(), store.ExecutionFilter{PlanID: plan.ID})
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"plan": plan, "executions": execs})
			}

			output.Bold("Plan %s", plan.ID)
			output.Printf("  Symbol:          %s:%s\n", plan.Exchange, plan.Symbol)
			output.Printf("  Side:            %s x %d\n", plan.Side, plan.Quantity)
			output.Printf("  Status:          %s\n", formatStatus(output, plan.Status))
			output.Printf("  Entry:           %s %v\n", plan.EntryFunction.Type, plan.EntryFunction.Params)
			output.Printf("  Exit:            %s %v\n", plan.ExitFunction.Type, plan.ExitFunction.Params)
			if plan.HighWaterMark.Valid {
				output.Printf("  Trailing mark:   %s\n", plan.HighWaterMark.Decimal.StringFixed(2))
			}
			output.Printf("  Last bar:        %s\n", FormatDateTime(plan.LastBarAt))
			output.Printf("  Updated:         %s\n", FormatDateTime(plan.UpdatedAt))
			if len(execs) > 0 {
				output.Println()
				renderExecutions(output, execs)
			}
			return nil
		},
	}
}

func newPlansDeleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a plan and its execution history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			st, err := openStore(app)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeletePlan(cmd.Context(), args[0]); err != nil {
				return err
			}
			output.Success("✓ Deleted %s", args[0])
			return nil
		},
	}
}

func newPlansFunctionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "functions",
		Short:       "List available execution functions",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			types := execution.NewRegistry().Types()
			if output.IsJSON() {
				return output.JSON(types)
			}
			for _, t := range types {
				output.Println(t)
			}
			return nil
		},
	}
}
