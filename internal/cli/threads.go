package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/edirooss/tinysched/internal/proc"
	"github.com/edirooss/tinysched/internal/sched"
	"github.com/spf13/cobra"
)

func threadPath(tid int, suffix string) string {
	return "/api/threads/" + strconv.Itoa(tid) + suffix
}

func parseTID(s string) (int, error) {
	tid, err := strconv.Atoi(s)
	if err != nil || tid < 0 {
		return 0, fmt.Errorf("invalid thread id %q", s)
	}
	return tid, nil
}

func newPsCmd() *cobra.Command {
	var procs, force bool

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List threads (or processes with --procs)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if procs {
				var list []proc.Process
				if _, err := client.Get(cmd.Context(), "/api/procs", &list); err != nil {
					return fmt.Errorf("list processes: %w", err)
				}
				printProcs(out, list)
				return nil
			}

			path := "/api/threads"
			if force {
				path += "?force=1"
			}
			var list []sched.ThreadInfo
			if _, err := client.Get(cmd.Context(), path, &list); err != nil {
				return fmt.Errorf("list threads: %w", err)
			}
			printThreads(out, list)
			return nil
		},
	}
	cmd.Flags().BoolVar(&procs, "procs", false, "List processes instead of threads")
	cmd.Flags().BoolVar(&force, "force", false, "Bypass the server's snapshot cache")
	return cmd
}

func printThreads(w io.Writer, list []sched.ThreadInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TID\tPPID\tPID\tSTATE\tPRI\tBASE\tSLICE\tFLAGS")
	for _, t := range list {
		tid := strconv.Itoa(int(t.ID))
		if t.Running {
			tid += "*"
		}
		ppid := "-"
		if t.Parent != sched.NoThread {
			ppid = strconv.Itoa(int(t.Parent))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			tid, ppid, t.Owner, t.State, t.Priority, t.BasePriority, t.TimeSlice, t.Flags)
	}
	tw.Flush()
}

func printProcs(w io.Writer, list []proc.Process) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tPPID\tMAIN\tSTATE\tTHREADS")
	for _, p := range list {
		tids := make([]string, len(p.Threads))
		for i, t := range p.Threads {
			tids[i] = strconv.Itoa(int(t))
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\n", p.PID, p.PPID, p.Main, p.State, strings.Join(tids, ","))
	}
	tw.Flush()
}

func newCreateCmd() *cobra.Command {
	var (
		priority  string
		parent    int
		entry     uint64
		arg       uint64
		stackSize uint64
		kworker   bool
		spawn     bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a thread (or a process with --spawn)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := sched.ParsePriority(priority)
			if err != nil {
				return err
			}
			body := map[string]any{
				"priority":   p,
				"entry":      entry,
				"arg":        arg,
				"stack_size": stackSize,
				"kworker":    kworker,
			}

			if spawn {
				var pr proc.Process
				if _, err := client.Post(cmd.Context(), "/api/procs", body, &pr); err != nil {
					return fmt.Errorf("spawn process: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "process %d (main thread %d)\n", pr.PID, pr.Main)
				return nil
			}

			if parent >= 0 {
				body["parent"] = parent
			}
			var t sched.ThreadInfo
			if _, err := client.Post(cmd.Context(), "/api/threads", body, &t); err != nil {
				return fmt.Errorf("create thread: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "thread %d (%s)\n", t.ID, t.BasePriority)
			return nil
		},
	}
	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "Base priority (name or -3..3)")
	cmd.Flags().IntVar(&parent, "parent", -1, "Parent thread id (default: none)")
	cmd.Flags().Uint64Var(&entry, "entry", 0, "Entry address")
	cmd.Flags().Uint64Var(&arg, "arg", 0, "Argument passed in r0")
	cmd.Flags().Uint64Var(&stackSize, "stack-size", 0, "User stack size in bytes")
	cmd.Flags().BoolVar(&kworker, "kworker", false, "Create a kernel worker")
	cmd.Flags().BoolVar(&spawn, "spawn", false, "Spawn a new process around the thread")
	return cmd
}

func newKillCmd() *cobra.Command {
	var pid bool

	cmd := &cobra.Command{
		Use:   "kill <tid>",
		Short: "Terminate a thread and its children (or a process with --pid)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pid {
				n, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid pid %q", args[0])
				}
				if _, err := client.Delete(cmd.Context(), "/api/procs/"+args[0]); err != nil {
					return fmt.Errorf("kill process %d: %w", n, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "process %d killed\n", n)
				return nil
			}

			tid, err := parseTID(args[0])
			if err != nil {
				return err
			}
			if _, err := client.Delete(cmd.Context(), threadPath(tid, "")); err != nil {
				return fmt.Errorf("terminate thread %d: %w", tid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "thread %d terminated\n", tid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&pid, "pid", false, "Argument is a process id")
	return cmd
}

func newDetachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach <tid>",
		Short: "Mark a thread as never to be joined",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tid, err := parseTID(args[0])
			if err != nil {
				return err
			}
			if _, err := client.Post(cmd.Context(), threadPath(tid, "/detach"), nil, nil); err != nil {
				return fmt.Errorf("detach thread %d: %w", tid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "thread %d detached\n", tid)
			return nil
		},
	}
}

func newNiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nice <tid> [priority]",
		Short: "Show or set a thread's base priority",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tid, err := parseTID(args[0])
			if err != nil {
				return err
			}

			if len(args) == 2 {
				p, err := sched.ParsePriority(args[1])
				if err != nil {
					return err
				}
				if _, err := client.Put(cmd.Context(), threadPath(tid, "/priority"), map[string]any{"priority": p}); err != nil {
					return fmt.Errorf("set priority of thread %d: %w", tid, err)
				}
			}

			var res struct {
				Priority sched.Priority `json:"priority"`
			}
			if _, err := client.Get(cmd.Context(), threadPath(tid, "/priority"), &res); err != nil {
				return fmt.Errorf("get priority of thread %d: %w", tid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "thread %d: %s (%d)\n", tid, res.Priority, int(res.Priority))
			return nil
		},
	}
}

func newSleepCmd() *cobra.Command {
	var (
		ms        int64
		permanent bool
	)

	cmd := &cobra.Command{
		Use:   "sleep <tid>",
		Short: "Put a thread to sleep and wait until it is woken",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tid, err := parseTID(args[0])
			if err != nil {
				return err
			}
			if ms < 0 {
				return fmt.Errorf("--ms must not be negative")
			}

			var t sched.ThreadInfo
			body := map[string]any{"ms": ms, "permanent": permanent}
			if _, err := client.Post(cmd.Context(), threadPath(tid, "/sleep"), body, &t); err != nil {
				return fmt.Errorf("sleep thread %d: %w", tid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "thread %d woke (%s)\n", tid, t.State)
			return nil
		},
	}
	cmd.Flags().Int64Var(&ms, "ms", 0, "Wake after this many milliseconds (0: until exec)")
	cmd.Flags().BoolVar(&permanent, "permanent", false, "Ignore exec requests (with --ms 0)")
	return cmd
}
