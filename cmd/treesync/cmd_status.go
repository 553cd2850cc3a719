package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/daviddao/treesync/pkg/frontier"
	"github.com/daviddao/treesync/pkg/model"
)

const defaultActiveWindow = 10 * time.Minute

func (a *app) cmdStatus(args []string) int {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	window := flags.Duration("window", defaultActiveWindow, "replicas seen within this window hold history back")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	st, err := a.store()
	if err != nil {
		fmt.Fprintf(os.Stderr, "treesync: status: %v\n", err)
		return 1
	}
	base, head, err := st.HistoryBounds()
	if err != nil {
		fmt.Fprintf(os.Stderr, "treesync: status: %v\n", err)
		return 1
	}
	replicas, err := st.ListReplicas()
	if err != nil {
		fmt.Fprintf(os.Stderr, "treesync: status: %v\n", err)
		return 1
	}
	ckpt, _ := st.LatestCheckpoint()
	active, _ := st.ActiveCursors(*window)
	horizon := frontier.ComputeHorizon(active, head)

	type replicaInfo struct {
		model.ReplicaCursor
		Presence string `json:"presence"`
		Behind   int64  `json:"behind"`
	}
	infos := make([]replicaInfo, len(replicas))
	for i, r := range replicas {
		infos[i] = replicaInfo{
			ReplicaCursor: r,
			Presence:      replicaPresence(r, *window),
			Behind:        head - r.Baseline,
		}
	}

	if *jsonOut {
		result := map[string]interface{}{
			"history":  map[string]int64{"base": base, "head": head},
			"horizon":  horizon,
			"replicas": infos,
		}
		if ckpt != nil {
			result["checkpoint"] = ckpt.CommandCount
		}
		printJSON(result)
		return 0
	}

	fmt.Printf("history: %s..%s (%s commands retained)\n",
		humanize.Comma(base), humanize.Comma(head), humanize.Comma(head-base))
	if ckpt != nil {
		fmt.Printf("checkpoint: %s\n", humanize.Comma(ckpt.CommandCount))
	} else {
		fmt.Println("checkpoint: none")
	}
	fmt.Printf("horizon: %s", humanize.Comma(horizon))
	if horizon > base {
		fmt.Printf(" (%s commands prunable)", humanize.Comma(horizon-base))
	}
	fmt.Println()

	if len(infos) == 0 {
		fmt.Println("replicas: none")
		return 0
	}
	fmt.Println("replicas:")
	for _, ri := range infos {
		fmt.Printf("  %s %-36s baseline=%-6d behind=%-6d last_seen=%s\n",
			presenceIndicator(ri.Presence), ri.ID, ri.Baseline, ri.Behind,
			humanize.Time(ri.LastSeen))
	}
	return 0
}

// replicaPresence returns a presence string based on last_seen time.
//   - "active": seen within the window, holds history back
//   - "idle": seen within three windows
//   - "gone": older, gets a full sync if it returns
func replicaPresence(r model.ReplicaCursor, window time.Duration) string {
	since := time.Since(r.LastSeen)
	switch {
	case since < window:
		return "active"
	case since < 3*window:
		return "idle"
	default:
		return "gone"
	}
}

// presenceIndicator returns a short text indicator for display.
func presenceIndicator(presence string) string {
	switch presence {
	case "active":
		return "[+]"
	case "idle":
		return "[~]"
	default:
		return "[-]"
	}
}
