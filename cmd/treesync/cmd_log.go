package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/daviddao/treesync/pkg/model"
)

func (a *app) cmdLog(args []string) int {
	flags := flag.NewFlagSet("log", flag.ContinueOnError)
	since := flags.Int64("since", 0, "fetch commands with command_count >= this")
	limit := flags.Int("limit", 50, "max commands to return")
	action := flags.String("action", "", "filter by action (create, update, delete)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	st, err := a.store()
	if err != nil {
		fmt.Fprintf(os.Stderr, "treesync: log: %v\n", err)
		return 1
	}
	entries, err := st.ListHistory(*since, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "treesync: log: %v\n", err)
		return 1
	}

	if *action != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if string(e.Completion.Command.Action) == *action {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"entries": entries, "count": len(entries)})
		return 0
	}
	if len(entries) == 0 {
		fmt.Println("no history")
		return 0
	}
	for _, e := range entries {
		printEntry(e)
	}
	return 0
}

func printEntry(e model.HistoryEntry) {
	cmd := e.Completion.Command
	when := ""
	if !e.RecordedAt.IsZero() {
		when = " (" + humanize.Time(e.RecordedAt) + ")"
	}
	switch cmd.Action {
	case model.ActionCreate:
		fmt.Printf("[#%d] create /%s -> %s%s\n", e.CommandCount, cmd.Path, e.Completion.CreatedID, when)
	case model.ActionUpdate:
		fmt.Printf("[#%d] update /%s %d prop(s)%s\n", e.CommandCount, cmd.Path, len(cmd.Props), when)
	case model.ActionDelete:
		fmt.Printf("[#%d] delete /%s%s\n", e.CommandCount, cmd.Path, when)
	default:
		fmt.Printf("[#%d] %s /%s%s\n", e.CommandCount, cmd.Action, cmd.Path, when)
	}
}
