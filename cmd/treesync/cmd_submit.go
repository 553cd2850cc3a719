package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/daviddao/treesync/pkg/model"
	"github.com/daviddao/treesync/pkg/replica"
	"github.com/daviddao/treesync/pkg/transport"
)

// submitResult is what submit prints with --json.
type submitResult struct {
	transport.SyncReport
	CreatedIDs   []string `json:"createdIds,omitempty"`
	Rejected     []string `json:"rejected,omitempty"`
	CommandCount int64    `json:"commandCount"`
}

func (a *app) cmdSubmit(args []string) int {
	flags := flag.NewFlagSet("submit", flag.ContinueOnError)
	server := flags.String("server", "", "server URL (default $TREESYNC_SERVER)")
	ws := flags.Bool("ws", false, "use the websocket endpoint")
	seqIDs := flags.Bool("sequential-ids", false, "deterministic local ids (must match the server)")
	timeout := flags.Duration("timeout", 30*time.Second, "give up after this long")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "treesync: submit: want one argument: a JSON command, an array of them, or - for stdin")
		return 1
	}

	raw := []byte(flags.Arg(0))
	if flags.Arg(0) == "-" {
		var err error
		if raw, err = io.ReadAll(os.Stdin); err != nil {
			fmt.Fprintf(os.Stderr, "treesync: submit: read stdin: %v\n", err)
			return 1
		}
	}
	cmds, err := parseCommands(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "treesync: submit: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	t, release, err := a.connect(ctx, *server, *ws)
	if err != nil {
		fmt.Fprintf(os.Stderr, "treesync: submit: %v\n", err)
		return 1
	}
	defer release()

	var replicaOpts []replica.Option
	if *seqIDs {
		replicaOpts = append(replicaOpts, replica.WithSequentialIDs())
	}
	res, err := submit(ctx, t, cmds, replicaOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "treesync: submit: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(res)
	} else {
		for _, id := range res.CreatedIDs {
			fmt.Printf("created %s\n", id)
		}
		for _, msg := range res.Rejected {
			fmt.Printf("rejected locally: %s\n", msg)
		}
		for _, e := range res.Errors {
			fmt.Printf("rejected by server: %s /%s: %s\n", e.Action, e.Path, e.ErrorMessage)
		}
		fmt.Printf("sent %d command(s), now at %d", res.Sent, res.CommandCount)
		if res.IDsChanged {
			fmt.Print(" (ids changed by the server)")
		}
		fmt.Println()
	}
	if len(res.Rejected) > 0 || len(res.Errors) > 0 {
		return 1
	}
	return 0
}

// parseCommands accepts one JSON command or an array of them.
func parseCommands(raw []byte) ([]model.Command, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("no command given")
	}
	var cmds []model.Command
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &cmds); err != nil {
			return nil, fmt.Errorf("parse commands: %w", err)
		}
	} else {
		var c model.Command
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("parse command: %w", err)
		}
		cmds = []model.Command{c}
	}
	for i, c := range cmds {
		if !c.Action.Valid() {
			return nil, fmt.Errorf("command %d: unknown action %q", i, c.Action)
		}
	}
	return cmds, nil
}

// submit applies cmds on a fresh replica of the server's document and
// flushes them in one batch.
func submit(ctx context.Context, t transport.Transport, cmds []model.Command, opts ...replica.Option) (submitResult, error) {
	var res submitResult
	s, err := transport.NewSession(ctx, t, transport.WithReplicaOptions(opts...))
	if err != nil {
		return res, err
	}
	for _, c := range cmds {
		id, err := s.Apply(ctx, c)
		if err != nil {
			res.Rejected = append(res.Rejected, err.Error())
			continue
		}
		if id != "" {
			res.CreatedIDs = append(res.CreatedIDs, id)
		}
	}
	if res.SyncReport, err = s.Sync(ctx); err != nil {
		return res, err
	}
	res.CommandCount = s.Proxy().CommandCount()
	return res, nil
}
