package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/daviddao/treesync/pkg/frontier"
	"github.com/daviddao/treesync/pkg/history"
	"github.com/daviddao/treesync/pkg/store"
)

// pruneResult is what one prune did.
type pruneResult struct {
	frontier.Status
	Before      int64 `json:"before"`
	Checkpoint  int64 `json:"checkpoint"`
	Removed     int   `json:"removed"`
	BoltRemoved int   `json:"bolt_removed,omitempty"`
	Checkpoints int   `json:"checkpoints_removed"`
}

func (a *app) cmdPrune(args []string) int {
	flags := flag.NewFlagSet("prune", flag.ContinueOnError)
	before := flags.Int64("before", -1, "drop history below this count (default: the horizon)")
	window := flags.Duration("window", defaultActiveWindow, "replicas seen within this window hold history back")
	keep := flags.Int("keep-checkpoints", 3, "checkpoints to keep")
	force := flags.Bool("force", false, "prune even if active replicas still need the history")
	boltPath := flags.String("bolt", "", "also prune this bolt history file (server must be stopped)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	st, err := a.store()
	if err != nil {
		fmt.Fprintf(os.Stderr, "treesync: prune: %v\n", err)
		return 1
	}
	res, code, err := prune(context.Background(), st, *before, *window, *keep, *force, *boltPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "treesync: prune: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(res)
		return code
	}
	if code != 0 {
		fmt.Printf("NOT SAFE to prune below %d\n", res.Before)
		for _, b := range res.BlockedBy {
			fmt.Printf("  needed by %s at baseline=%d (seen %s)\n", b.ID, b.Baseline, humanize.Time(b.LastSeen))
		}
		fmt.Println("pass --force to prune anyway; those replicas will get a full sync")
		return code
	}
	fmt.Printf("pruned %s command(s) below %d (horizon=%d head=%d)\n",
		humanize.Comma(int64(res.Removed)), res.Before, res.Horizon, res.Head)
	if *boltPath != "" {
		fmt.Printf("pruned %s command(s) from %s\n", humanize.Comma(int64(res.BoltRemoved)), *boltPath)
	}
	if res.Checkpoints > 0 {
		fmt.Printf("dropped %d old checkpoint(s)\n", res.Checkpoints)
	}
	return 0
}

// prune drops history below the cut point. The cut defaults to the horizon
// and never passes the latest checkpoint, which restart recovery replays
// from. It returns exit code 2 when active replicas block the cut and force
// is not set.
func prune(ctx context.Context, st *store.Store, before int64, window time.Duration, keep int, force bool, boltPath string) (pruneResult, int, error) {
	var res pruneResult
	_, head, err := st.HistoryBounds()
	if err != nil {
		return res, 1, err
	}
	var bl *history.BoltLog
	if boltPath != "" {
		if bl, err = history.OpenBolt(boltPath); err != nil {
			return res, 1, err
		}
		defer bl.Close()
		bh, err := bl.Head()
		if err != nil {
			return res, 1, err
		}
		head = max(head, bh)
	}
	active, err := st.ActiveCursors(window)
	if err != nil {
		return res, 1, err
	}
	ckpt, err := st.LatestCheckpoint()
	if err != nil {
		return res, 1, err
	}
	if ckpt != nil {
		res.Checkpoint = ckpt.CommandCount
	}

	cut := before
	if cut < 0 {
		cut = frontier.ComputeHorizon(active, head)
	}
	cut = min(cut, res.Checkpoint)
	res.Before = cut
	res.Status = frontier.ComputeStatus(cut, active, head)
	if !res.SafeToPrune && !force {
		return res, 2, nil
	}

	if res.Removed, err = st.Prune(ctx, cut); err != nil {
		return res, 1, err
	}
	if bl != nil {
		if res.BoltRemoved, err = bl.Prune(ctx, cut); err != nil {
			return res, 1, err
		}
	}
	if res.Checkpoints, err = st.PruneCheckpoints(keep); err != nil {
		return res, 1, err
	}
	return res, 0, nil
}
