package main

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/machpc/jobq/internal/model"
	"github.com/olekukonko/tablewriter"
)

const timeLayout = "2006-01-02 15:04:05"

func borderlessTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetRowLine(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

func printTable(w io.Writer, set model.JobSet, now time.Time) {
	table := borderlessTable(w)
	table.SetHeader([]string{"ID", "STATE", "NAME", "PID", "EXIT", "SUBMITTED", "DURATION"})
	for _, j := range set {
		table.Append([]string{
			j.ID,
			j.State.String(),
			j.Name,
			optInt(j.PID),
			optInt(j.ExitCode),
			j.SubmittedAt.Local().Format(timeLayout),
			runTime(j, now),
		})
	}
	table.Render()
}

func printInfo(w io.Writer, j model.Job, now time.Time) {
	table := borderlessTable(w)
	row := func(key, value string) {
		table.Append([]string{key + ":", value})
	}
	row("id", j.ID)
	row("name", j.Name)
	row("command", j.Command)
	if len(j.Args) > 0 {
		row("args", strconv.Quote(strings.Join(j.Args, " ")))
	}
	if j.Dir != "" {
		row("dir", j.Dir)
	}
	if len(j.Env) > 0 {
		row("env", strings.Join(j.Env, " "))
	}
	row("state", j.State.String())
	if j.CancelRequested && !j.State.Terminal() {
		row("cancel", "requested")
	}
	row("pid", optInt(j.PID))
	row("exit code", optInt(j.ExitCode))
	row("submitted", j.SubmittedAt.Local().Format(timeLayout))
	row("started", optTime(j.StartedAt))
	row("ended", optTime(j.EndedAt))
	row("duration", runTime(j, now))
	if j.Timeout > 0 {
		row("timeout", j.Timeout.String())
	}
	if j.Note != "" {
		row("note", j.Note)
	}
	row("stdout", j.Stdout)
	row("stderr", j.Stderr)
	table.Render()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runTime is the time so far for a running job
func runTime(j model.Job, now time.Time) string {
	switch {
	case j.StartedAt == nil:
		return "-"
	case j.EndedAt == nil:
		return now.Sub(*j.StartedAt).Round(time.Second).String()
	default:
		return j.Duration().Round(time.Second).String()
	}
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func optTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(timeLayout)
}
