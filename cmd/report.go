package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}

			return cellStyle
		})
}

func u32(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}

func writeSimulationReport(w io.Writer, s *simulation) {
	status := s.dev.Status()

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf(
		"%s %s (%s): %s", status.Name, status.Chip, status.Family, status.State)))
	fmt.Fprintf(w, "global timestamp: queued %d retired %d, interrupts %d\n",
		status.Queued, status.Retired, status.Interrupts)

	t := newTable("client", "context", "flags", "reset", "done",
		"last ts", "queued", "retired", "outcome")

	for _, c := range s.clients {
		ctx, ok := s.dev.Context(c.context)
		if !ok {
			continue
		}

		outcome := "completed"
		if c.outcome != nil {
			outcome = c.outcome.Error()
		}

		t.Row(
			strconv.Itoa(c.index),
			u32(ctx.ID),
			ctx.Flags.String(),
			ctx.ResetStatus.String(),
			strconv.Itoa(c.submitted),
			u32(c.lastTS),
			u32(ctx.Queued),
			u32(ctx.Retired),
			outcome,
		)
	}

	fmt.Fprintln(w, t.Render())

	fmt.Fprintf(w, "recoveries: %d, average %s\n",
		s.recoveryTime.TotalCount(), s.recoveryTime.AverageTime())

	for _, step := range s.recoverySteps.StepNames() {
		fmt.Fprintf(w, "  %-12s %d times in %d recoveries\n", step,
			s.recoverySteps.StepCount(step), s.recoverySteps.TaskCount(step))
	}

	if c := s.dev.LastCapture(); c != nil {
		fmt.Fprintf(w, "last snapshot: %s\n", c)
	}
}
