package cli

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/edirooss/tinysched/internal/sched"
	"github.com/spf13/cobra"
)

// fmtLoad renders a load average kept in hundredths.
func fmtLoad(l [3]uint32) string {
	return fmt.Sprintf("%d.%02d %d.%02d %d.%02d", l[0]/100, l[0]%100, l[1]/100, l[1]%100, l[2]/100, l[2]%100)
}

func newLoadavgCmd() *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "loadavg",
		Short: "Show the 1, 5 and 15 minute load averages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if history <= 0 {
				var la struct {
					Raw [3]uint32 `json:"raw"`
				}
				if _, err := client.Get(cmd.Context(), "/api/sched/loadavg", &la); err != nil {
					return fmt.Errorf("get load average: %w", err)
				}
				fmt.Fprintln(out, fmtLoad(la.Raw))
				return nil
			}

			var samples []struct {
				At   time.Time `json:"at"`
				Load [3]uint32 `json:"load"`
			}
			if _, err := client.Get(cmd.Context(), "/api/sched/loadavg/history?n="+strconv.Itoa(history), &samples); err != nil {
				return fmt.Errorf("get load average history: %w", err)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tLOAD")
			for _, s := range samples {
				fmt.Fprintf(tw, "%s\t%s\n", humanize.Time(s.At), fmtLoad(s.Load))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&history, "history", 0, "Show the last N published samples instead")
	return cmd
}

type statsView struct {
	sched.Stats
	Ticks       uint64 `json:"ticks"`
	HZ          int    `json:"hz"`
	TimersArmed int    `json:"timers_armed"`
	KStacksUsed int    `json:"kstacks_used"`
	KStacks     int    `json:"kstacks"`
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show scheduler counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st statsView
			if _, err := client.Get(cmd.Context(), "/api/sched/stats", &st); err != nil {
				return fmt.Errorf("get stats: %w", err)
			}
			printStats(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStats(w io.Writer, st statsView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "threads:\t%d / %d (%d ids free)\n", st.NrThreads, st.MaxThreads, st.FreeIDs)
	fmt.Fprintf(tw, "ready:\t%d\n", st.Ready)
	fmt.Fprintf(tw, "pending reap:\t%d\n", st.PendingReap)
	fmt.Fprintf(tw, "current:\t%d\n", st.Current)
	fmt.Fprintf(tw, "switches:\t%s\n", humanize.Comma(int64(st.Switches)))
	fmt.Fprintf(tw, "penalties:\t%s\n", humanize.Comma(int64(st.Penalties)))
	fmt.Fprintf(tw, "reaped:\t%s\n", humanize.Comma(int64(st.Reaped)))
	fmt.Fprintf(tw, "ticks:\t%s @ %d Hz\n", humanize.Comma(int64(st.Ticks)), st.HZ)
	fmt.Fprintf(tw, "wake timers armed:\t%d\n", st.TimersArmed)
	fmt.Fprintf(tw, "kernel stacks:\t%d / %d\n", st.KStacksUsed, st.KStacks)
	fmt.Fprintf(tw, "load average:\t%s\n", fmtLoad(st.LoadAvg))
	tw.Flush()
}

func newTraceCmd() *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show recent scheduler events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var events []struct {
				Seq      uint64    `json:"seq"`
				Kind     string    `json:"kind"`
				TID      int       `json:"tid"`
				Priority string    `json:"priority"`
				At       time.Time `json:"at"`
			}
			if _, err := client.Get(cmd.Context(), "/api/sched/trace?lines="+strconv.Itoa(lines), &events); err != nil {
				return fmt.Errorf("get trace: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tWHEN\tEVENT\tTID\tPRI")
			for _, e := range events {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", e.Seq, humanize.Time(e.At), e.Kind, e.TID, e.Priority)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of events")
	return cmd
}
