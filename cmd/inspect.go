package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/sarchlab/cpring/datarecording"
	"github.com/sarchlab/cpring/snapshot"
	"github.com/sarchlab/cpring/tracing"
	"github.com/spf13/cobra"
)

func newInspectCommand() *cobra.Command {
	limit := 0

	inspectCmd := &cobra.Command{
		Use:   "inspect PATH",
		Short: "Print the recoveries and snapshots of a recording.",
		Long: "`inspect PATH` reads a recording written by `simulate --record` " +
			"and prints every recovery and the snapshots taken during them. " +
			"PATH is the .sqlite3 file.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.Context(), args[0], limit, cmd.OutOrStdout())
		},
	}

	inspectCmd.Flags().IntVar(&limit, "limit", 0,
		"print at most this many rows per table, 0 for all")

	return inspectCmd
}

func inspect(ctx context.Context, path string, limit int, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := os.Stat(path); err != nil {
		return err
	}

	reader, err := datarecording.NewReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	tables, err := reader.ListTables(ctx)
	if err != nil {
		return err
	}

	reader.MapTable(tracing.TableRecoveries, tracing.RecoveryRow{})
	reader.MapTable(snapshot.TableSnapshots, snapshot.SnapshotRow{})
	reader.MapTable(snapshot.TableContexts, snapshot.ContextRow{})

	params := datarecording.QueryParams{OrderBy: "rowid", Limit: limit}

	if slices.Contains(tables, tracing.TableRecoveries) {
		if err := printRecoveries(ctx, reader, params, w); err != nil {
			return err
		}
	}

	if slices.Contains(tables, snapshot.TableSnapshots) {
		if err := printSnapshots(ctx, reader, params, w); err != nil {
			return err
		}
	}

	if slices.Contains(tables, snapshot.TableContexts) {
		if err := printSnapshotContexts(ctx, reader, params, w); err != nil {
			return err
		}
	}

	return nil
}

func printRecoveries(
	ctx context.Context,
	reader datarecording.DataReader,
	params datarecording.QueryParams,
	w io.Writer,
) error {
	rows, total, err := reader.Query(ctx, tracing.TableRecoveries, params)
	if err != nil {
		return err
	}

	t := newTable("recovery", "device", "attempts", "faulting",
		"bad replayed", "result", "duration")

	for _, r := range rows {
		row := r.(*tracing.RecoveryRow)

		result := "recovered"
		if !row.Succeeded {
			result = row.Err
		}

		t.Row(
			row.RecoveryID,
			row.Device,
			strconv.Itoa(row.Attempts),
			row.FaultingContexts,
			strconv.FormatBool(row.BadReplayed),
			result,
			time.Duration(row.DurationNs).String(),
		)
	}

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Recoveries (%d)", total)))
	fmt.Fprintln(w, t.Render())

	return nil
}

func printSnapshots(
	ctx context.Context,
	reader datarecording.DataReader,
	params datarecording.QueryParams,
	w io.Writer,
) error {
	rows, total, err := reader.Query(ctx, snapshot.TableSnapshots, params)
	if err != nil {
		return err
	}

	t := newTable("recovery", "attempt", "chip", "context", "ib1",
		"eop", "rptr", "wptr", "status", "good", "bad", "last valid")

	for _, r := range rows {
		row := r.(*snapshot.SnapshotRow)

		t.Row(
			row.RecoveryID,
			strconv.Itoa(row.Attempt),
			row.Chip,
			u32(row.ContextID),
			fmt.Sprintf("0x%08X", row.IB1),
			u32(row.GlobalEOP),
			u32(row.Rptr),
			u32(row.Wptr),
			fmt.Sprintf("0x%08X", row.Status),
			strconv.Itoa(row.GoodWords),
			strconv.Itoa(row.BadWords),
			u32(row.LastValidContext),
		)
	}

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Snapshots (%d)", total)))
	fmt.Fprintln(w, t.Render())

	return nil
}

func printSnapshotContexts(
	ctx context.Context,
	reader datarecording.DataReader,
	params datarecording.QueryParams,
	w io.Writer,
) error {
	rows, total, err := reader.Query(ctx, snapshot.TableContexts, params)
	if err != nil {
		return err
	}

	t := newTable("recovery", "attempt", "context", "flags", "queued", "retired")

	for _, r := range rows {
		row := r.(*snapshot.ContextRow)

		t.Row(
			row.RecoveryID,
			strconv.Itoa(row.Attempt),
			u32(row.ContextID),
			row.Flags,
			u32(row.Queued),
			u32(row.Retired),
		)
	}

	fmt.Fprintln(w, titleStyle.Render(
		fmt.Sprintf("Snapshot contexts (%d)", total)))
	fmt.Fprintln(w, t.Render())

	return nil
}
