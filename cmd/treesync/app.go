package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/daviddao/treesync/pkg/store"
	"github.com/daviddao/treesync/pkg/transport"
)

const (
	defaultDir    = ".treesync"
	defaultDB     = defaultDir + "/treesync.db"
	defaultServer = "http://localhost:7420"
)

// app holds shared state for all CLI subcommands.
type app struct {
	dbPath    string
	serverURL string
	replicaID string // empty means a random id per run

	st *store.Store
}

func newApp() *app {
	return &app{
		dbPath:    envOr("TREESYNC_DB", defaultDB),
		serverURL: envOr("TREESYNC_SERVER", defaultServer),
		replicaID: envOr("TREESYNC_REPLICA", ""),
	}
}

// store opens the database on first use. Replica commands never touch it.
// Creates the .treesync/ directory if using the default DB path.
func (a *app) store() (*store.Store, error) {
	if a.st != nil {
		return a.st, nil
	}
	if a.dbPath == defaultDB {
		if err := os.MkdirAll(defaultDir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", defaultDir, err)
		}
	}
	s, err := store.New(a.dbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", a.dbPath, err)
	}
	a.st = s
	return s, nil
}

// Close releases the database connection, if one was opened.
func (a *app) Close() {
	if a.st != nil {
		a.st.Close()
	}
}

// connect returns a transport to the server: plain HTTP by default, a
// websocket when ws is set. The returned func releases it.
func (a *app) connect(ctx context.Context, server string, ws bool) (transport.Transport, func(), error) {
	if server == "" {
		server = a.serverURL
	}
	opts := []transport.ClientOption{transport.WithReplicaID(a.replicaID)}
	if !ws {
		return transport.NewClient(server, opts...), func() {}, nil
	}
	conn, err := transport.Dial(ctx, server, opts...)
	if err != nil {
		return nil, nil, err
	}
	return conn, func() { conn.Close() }, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
