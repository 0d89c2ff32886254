package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"auto-trader/internal/models"
	"auto-trader/internal/resilience"
	"auto-trader/internal/store"
)

// statusReport is the JSON shape of the status command.
type statusReport struct {
	Mode       string                         `json:"mode"`
	Circuit    resilience.CircuitBreakerState `json:"circuit"`
	HasState   bool                           `json:"has_state"`
	RetryIn    string                         `json:"retry_in,omitempty"`
	PlanCounts map[models.PlanStatus]int      `json:"plan_counts"`
	Recent     []models.Execution             `json:"recent_executions"`
}

func newStatusCmd(app *App) *cobra.Command {
	var recent int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show circuit breaker state and plan progress",
		Long: `Reads the persisted circuit breaker state and the plan store. It does not
contact the broker, so it is safe to run next to a running trader.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := app.Config

			report := statusReport{
				Mode:       "live",
				PlanCounts: make(map[models.PlanStatus]int),
			}
			if cfg.Broker.Paper {
				report.Mode = "paper"
			}

			state, ok, err := resilience.ReadStateFile(cfg.CircuitBreaker.StateFile)
			if err != nil {
				output.Warning("Circuit breaker state unreadable: %v", err)
			}
			report.Circuit, report.HasState = state, ok
			if !ok {
				report.Circuit.State = resilience.CircuitClosed
			}
			if report.Circuit.State == resilience.CircuitOpen {
				retryAt := report.Circuit.OpenedAt.Add(cfg.CircuitBreaker.ResetTimeout)
				report.RetryIn = FormatDuration(time.Until(retryAt))
			}

			st, err := openStore(app)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			plans, err := st.GetPlans(ctx, store.PlanFilter{})
			if err != nil {
				return err
			}
			for _, p := range plans {
				report.PlanCounts[p.Status]++
			}
			report.Recent, err = st.GetExecutions(ctx, store.ExecutionFilter{Limit: recent})
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(report)
			}
			printStatus(output, report)
			return nil
		},
	}

	cmd.Flags().IntVar(&recent, "recent", 5, "number of recent executions to show")
	return cmd
}

func printStatus(output *Output, r statusReport) {
	output.Bold("Broker")
	output.Printf("  Mode:            %s\n", r.Mode)
	output.Println()

	output.Bold("Circuit Breaker")
	output.Printf("  State:           %s\n", formatCircuitState(output, r.Circuit.State))
	output.Printf("  Failures:        %d\n", r.Circuit.FailureCount)
	output.Printf("  Last failure:    %s\n", FormatDateTime(r.Circuit.LastFailureTimestamp))
	if r.Circuit.State == resilience.CircuitOpen {
		output.Printf("  Opened at:       %s\n", FormatDateTime(r.Circuit.OpenedAt))
		output.Printf("  Trial call in:   %s\n", r.RetryIn)
	}
	if !r.HasState {
		output.Dim("  No state file yet")
	}
	output.Println()

	output.Bold("Plans")
	output.Printf("  Awaiting entry:  %d\n", r.PlanCounts[models.PlanAwaitingEntry])
	output.Printf("  Entered:         %d\n", r.PlanCounts[models.PlanEntered])
	output.Printf("  Exited:          %d\n", r.PlanCounts[models.PlanExited])

	if len(r.Recent) > 0 {
		output.Println()
		output.Bold("Recent Executions")
		renderExecutions(output, r.Recent)
	}
}

func formatCircuitState(output *Output, state resilience.CircuitState) string {
	switch state {
	case resilience.CircuitClosed:
		return output.Green(string(state))
	case resilience.CircuitHalfOpen:
		return output.Yellow(string(state))
	case resilience.CircuitOpen:
		return output.Red(string(state))
	default:
		return string(state)
	}
}

func formatStatus(output *Output, status models.PlanStatus) string {
	switch status {
	case models.PlanEntered:
		return output.Yellow(string(status))
	case models.PlanExited:
		return output.Green(string(status))
	default:
		return string(status)
	}
}

func renderPlans(output *Output, plans []models.TradePlan) {
	if len(plans) == 0 {
		output.Dim("  No plans")
		return
	}
	table := NewTable(output, "ID", "SYMBOL", "SIDE", "QTY", "STATUS", "ENTRY", "EXIT", "ENTRY PX", "EXIT PX", "LAST BAR")
	for _, p := range plans {
		table.AddRow(
			TruncateString(p.ID, 24),
			p.Symbol,
			string(p.Side),
			fmt.Sprintf("%d", p.Quantity),
			formatStatus(output, p.Status),
			p.EntryFunction.Type,
			p.ExitFunction.Type,
			FormatPrice(p.EntryPrice),
			FormatPrice(p.ExitPrice),
			FormatDateTime(p.LastBarAt),
		)
	}
	table.Render()
}

func renderExecutions(output *Output, execs []models.Execution) {
	table := NewTable(output, "TIME", "PLAN", "SYMBOL", "SIGNAL", "QTY", "PRICE", "ORDER")
	for _, e := range execs {
		table.AddRow(
			FormatDateTime(e.Timestamp),
			TruncateString(e.PlanID, 24),
			e.Symbol,
			string(e.Signal),
			fmt.Sprintf("%d", e.Quantity),
			FormatIndianCurrency(e.Price),
			e.OrderID,
		)
	}
	table.Render()
}
