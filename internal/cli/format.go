package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ChuLiYu/stealq/pkg/types"
)

const maxCommandWidth = 40

func printJobs(w io.Writer, jobs []*types.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return
	}
	fmt.Fprintf(w, "%-6s  %-10s  %-16s  %-4s  %-14s  %s\n", "ID", "STATUS", "WORKER", "EXIT", "SUBMITTED", "COMMAND")
	fmt.Fprintf(w, "%-6s  %-10s  %-16s  %-4s  %-14s  %s\n", "--", "------", "------", "----", "---------", "-------")
	for _, j := range jobs {
		worker := j.WorkerID
		if worker == "" {
			worker = "-"
		}
		exit := "-"
		if j.Status == types.StatusFinished && j.Result != nil {
			exit = fmt.Sprintf("%d", j.Result.ExitCode)
		}
		fmt.Fprintf(w, "%-6s  %-10s  %-16s  %-4s  %-14s  %s\n",
			j.ID, j.Status, worker, exit, ago(j.SubmittedAt), truncate(commandLine(j.Spec), maxCommandWidth))
	}
}

func printJob(w io.Writer, j *types.Job) {
	fmt.Fprintf(w, "ID:        %s\n", j.ID)
	fmt.Fprintf(w, "Command:   %s\n", commandLine(j.Spec))
	fmt.Fprintf(w, "Status:    %s\n", j.Status)
	if j.Spec.Label != "" {
		fmt.Fprintf(w, "Label:     %s\n", j.Spec.Label)
	}
	if j.Spec.WorkDir != "" {
		fmt.Fprintf(w, "WorkDir:   %s\n", j.Spec.WorkDir)
	}
	if j.Spec.Timeout > 0 {
		fmt.Fprintf(w, "Timeout:   %s\n", j.Spec.Timeout)
	}
	if j.WorkerID != "" {
		fmt.Fprintf(w, "Worker:    %s\n", j.WorkerID)
	}
	fmt.Fprintf(w, "Attempts:  %d\n", j.Attempts)
	if len(j.DeclinedBy) > 0 {
		fmt.Fprintf(w, "Declined:  %s\n", strings.Join(j.DeclinedBy, ", "))
	}
	fmt.Fprintf(w, "Submitted: %s\n", ago(j.SubmittedAt))
	if j.StartedAt > 0 {
		fmt.Fprintf(w, "Started:   %s\n", ago(j.StartedAt))
	}
	if j.FinishedAt > 0 {
		fmt.Fprintf(w, "Finished:  %s", ago(j.FinishedAt))
		if j.StartedAt > 0 {
			fmt.Fprintf(w, " (ran %s)", time.Duration(j.FinishedAt-j.StartedAt)*time.Millisecond)
		}
		fmt.Fprintln(w)
	}

	r := j.Result
	if r == nil {
		return
	}
	if j.Status == types.StatusFinished {
		fmt.Fprintf(w, "Exit code: %d\n", r.ExitCode)
	}
	if r.Reason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", r.Reason)
	}
	printOutput(w, "stdout", r.Stdout)
	printOutput(w, "stderr", r.Stderr)
}

func printOutput(w io.Writer, name string, b []byte) {
	if len(b) == 0 {
		return
	}
	fmt.Fprintf(w, "--- %s (%s) ---\n", name, humanize.Bytes(uint64(len(b))))
	w.Write(b)
	if b[len(b)-1] != '\n' {
		fmt.Fprintln(w)
	}
}

func printWorkers(w io.Writer, workers []types.WorkerInfo) {
	if len(workers) == 0 {
		fmt.Fprintln(w, "No workers connected.")
		return
	}
	fmt.Fprintf(w, "%-20s  %-12s  %-9s  %-6s  %-8s  %s\n", "ID", "STATUS", "QUEUE", "LOAD", "FREE", "HEARTBEAT")
	fmt.Fprintf(w, "%-20s  %-12s  %-9s  %-6s  %-8s  %s\n", "--", "------", "-----", "----", "----", "---------")
	for _, wi := range workers {
		fmt.Fprintf(w, "%-20s  %-12s  %-9s  %-6.2f  %-8s  %s\n",
			wi.ID, wi.Status,
			fmt.Sprintf("%d/%d", wi.LocalQueueLen, wi.Capacity),
			wi.LoadAvg,
			mebibytes(wi.FreeMemoryMB),
			humanize.Time(wi.LastHeartbeat))
	}
}

func printWorker(w io.Writer, wi types.WorkerInfo) {
	fmt.Fprintf(w, "ID:         %s\n", wi.ID)
	fmt.Fprintf(w, "Hostname:   %s\n", wi.Hostname)
	fmt.Fprintf(w, "Status:     %s\n", wi.Status)
	fmt.Fprintf(w, "Queue:      %d/%d (parallel %d)\n", wi.LocalQueueLen, wi.Capacity, wi.Parallel)
	fmt.Fprintf(w, "Running:    %d\n", wi.Running)
	fmt.Fprintf(w, "Load:       %.2f\n", wi.LoadAvg)
	fmt.Fprintf(w, "Free mem:   %s\n", mebibytes(wi.FreeMemoryMB))
	fmt.Fprintf(w, "Registered: %s\n", humanize.Time(wi.RegisteredAt))
	fmt.Fprintf(w, "Heartbeat:  %s\n", humanize.Time(wi.LastHeartbeat))
}

func commandLine(spec types.JobSpec) string {
	if len(spec.Args) == 0 {
		return spec.Command
	}
	return spec.Command + " " + strings.Join(spec.Args, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func ago(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return humanize.Time(time.UnixMilli(ms))
}

func mebibytes(mb uint64) string {
	if mb == 0 {
		return "-"
	}
	return humanize.IBytes(mb * 1024 * 1024)
}
