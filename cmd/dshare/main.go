// Program dshare is a command-line tool for sharing data with datashare peers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/datashare"
	"github.com/creachadair/datashare/client"
	"github.com/creachadair/datashare/peers"
	"github.com/creachadair/flax"
	"github.com/oklog/ulid/v2"
)

var flags struct {
	Config  string `flag:"config,Configuration file (YAML)"`
	Host    string `flag:"host,Host ID announced to peers (default: random)"`
	Verbose bool   `flag:"v,Enable verbose logging"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Share data with datashare peers.

Peer addresses are "host:port" for TCP, a file path for a Unix-domain
socket, or "ws://host:port/peer" for websocket connections.

Settings are read from the --config file and from DSHARE_* environment
variables; see the serve command for details.`,

		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			serveCommand,
			addCommand,
			removeCommand,
			getCommand,
			listCommand,
			watchCommand,
			pushCommand,
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// newLogger returns a text logger writing to stderr at the given level, or
// at debug level if --v is set.
func newLogger(level slog.Level) *slog.Logger {
	if flags.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// hostID returns the host ID to announce: id if non-empty, otherwise a fresh
// random ULID.
func hostID(id string) datashare.HostID {
	if id != "" {
		return datashare.HostID(id)
	}
	return datashare.HostID(ulid.Make().String())
}

// signalContext returns a context that ends on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// dial connects node to addr, using a websocket for ws:// and wss:// URLs.
func dial(ctx context.Context, node *datashare.Node, addr string) (datashare.HostID, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return peers.DialWebSocket(ctx, node, addr)
	}
	return peers.Dial(ctx, node, addr)
}

// session is a client connection to one remote server.
type session struct {
	node   *datashare.Node
	cli    *client.Client
	remote datashare.HostID
	log    *slog.Logger
}

// connect dials addr and returns a session with a client for the remote host.
func connect(ctx context.Context, addr string) (*session, error) {
	log := newLogger(slog.LevelWarn)
	node := datashare.NewNode(hostID(flags.Host)).WithLogger(log)
	cli := client.New(node, &client.Options{Logger: log})
	node.Handle(cli, datashare.ClientPackets...)
	if flags.Verbose {
		node.LogPackets(func(pkt datashare.PacketInfo) { log.Debug("packet", "info", pkt) })
	}

	remote, err := dial(ctx, node, addr)
	if err != nil {
		cli.Close()
		node.Stop()
		return nil, err
	}
	log.Debug("connected", "addr", addr, "remote", remote, "self", node.Self())
	return &session{node: node, cli: cli, remote: remote, log: log}, nil
}

func (s *session) Close() {
	s.cli.Close()
	s.node.Stop()
}

func usageArgs(env *command.Env, n int, what string) error {
	if len(env.Args) != n {
		return env.Usagef("Expected %s", what)
	}
	return nil
}

func printf(format string, args ...any) { fmt.Fprintf(os.Stdout, format, args...) }
