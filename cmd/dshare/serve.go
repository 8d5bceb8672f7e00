package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/datashare"
	"github.com/creachadair/datashare/catalog"
	"github.com/creachadair/datashare/handler"
	"github.com/creachadair/datashare/internal/config"
	"github.com/creachadair/datashare/internal/metrics"
	"github.com/creachadair/datashare/peers"
	"github.com/creachadair/datashare/server"
	"github.com/creachadair/datashare/source"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var serveFlags struct {
	Listen string `flag:"listen,TCP address for peer connections"`
	HTTP   string `flag:"http,HTTP address for websocket peers and metrics"`
	Inbox  string `flag:"inbox,Directory for data pushed by peers"`
}

var serveCommand = &command.C{
	Name:  "serve",
	Usage: "[--listen addr] [--http addr]",
	Help: `Run a daemon sharing the files listed in the catalog.

The daemon shares each catalog entry under its name, and the catalog listing
itself under "_catalog". When a shared file changes, subscribers are notified.

Configuration keys (YAML, or environment as DSHARE_KEY with "__" between
sections, e.g. DSHARE_SERVER__CHUNK_SIZE):

  host, listen, http, catalog, watch, peers, inbox,
  log.level, server.chunk_size, server.idle_timeout, server.poll_interval,
  server.rate_limit, server.allow, client.request_timeout, client.follow_timeout`,

	SetFlags: command.Flags(flax.MustBind, &serveFlags),
	Run:      runServe,
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("Extra arguments: %q", env.Args)
	}
	overrides := make(map[string]any)
	for key, val := range map[string]string{
		"host":   flags.Host,
		"listen": serveFlags.Listen,
		"http":   serveFlags.HTTP,
		"inbox":  serveFlags.Inbox,
	} {
		if val != "" {
			overrides[key] = val
		}
	}
	cfg, err := config.Load(flags.Config, overrides)
	if err != nil {
		return err
	}
	lvl, _ := cfg.Level() // checked by Load
	log := newLogger(lvl)

	ctx, cancel := signalContext()
	defer cancel()

	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Run(ctx)
}

// peersPath is the share listing the hosts linked to the daemon.
const peersPath datashare.Path = "_peers"

var textPlain = datashare.Description{Mime: "text/plain", Storage: "memory"}

// A daemon shares catalog files with its peers.
type daemon struct {
	cfg  config.Config
	log  *slog.Logger
	node *datashare.Node
	srv  *server.Server
	cat  *catalog.Catalog

	watch *fsnotify.Watcher // nil if not watching

	μ     sync.Mutex
	files map[string]catalog.Entry // cleaned file path → entry
}

func newDaemon(cfg config.Config, log *slog.Logger) (*daemon, error) {
	cat, err := catalog.Open(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	node := datashare.NewNode(hostID(cfg.Host)).WithLogger(log)
	node.OnPeerExit(func(host datashare.HostID, err error) {
		log.Info("peer disconnected", "host", host, "err", err)
	})
	if cfg.Log.Level == "debug" {
		node.LogPackets(func(pkt datashare.PacketInfo) { log.Debug("packet", "info", pkt) })
	}

	d := &daemon{cfg: cfg, log: log, node: node, cat: cat, files: make(map[string]catalog.Entry)}
	opts := cfg.ServerOptions(log)
	if cfg.Inbox != "" {
		if err := os.MkdirAll(cfg.Inbox, 0700); err != nil {
			cat.Close()
			return nil, fmt.Errorf("create inbox: %w", err)
		}
		opts.Pusher = handler.Push(d.storePush)
	}
	d.srv = server.New(node, opts)
	node.Handle(d.srv, datashare.ServerPackets...)

	if cfg.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			cat.Close()
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		d.watch = w
	}
	return d, nil
}

// Close releases the resources held by d.
func (d *daemon) Close() error {
	d.srv.Close()
	d.node.Stop()
	if d.watch != nil {
		d.watch.Close()
	}
	return d.cat.Close()
}

// Run shares the catalog and serves peers until ctx ends.
func (d *daemon) Run(ctx context.Context) error {
	if err := d.srv.Share(catalog.ListingPath, d.cat.Resource()); err != nil {
		return err
	}
	if err := d.srv.Share(peersPath, handler.Func(textPlain, d.peerList)); err != nil {
		return err
	}
	entries, err := d.cat.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := d.publish(e); err != nil {
			d.log.Warn("cannot share catalog entry", "name", e.Name, "file", e.File, "err", err)
		}
	}
	d.log.Info("daemon starting", "host", d.node.Self(), "shares", len(entries))

	g := taskgroup.New(nil)
	if d.cfg.Listen != "" {
		lst, err := net.Listen(datashare.SplitAddress(d.cfg.Listen))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		d.log.Info("accepting peers", "addr", lst.Addr())
		g.Go(func() error { return peers.Loop(ctx, peers.NetAccepter(lst), d.node) })
	}
	if d.cfg.HTTP != "" {
		if err := d.serveHTTP(ctx, g); err != nil {
			return err
		}
	}
	if d.watch != nil {
		g.Go(func() error { d.watchFiles(ctx); return nil })
	}
	for _, addr := range d.cfg.Peers {
		g.Go(func() error {
			host, err := dial(ctx, d.node, addr)
			if err != nil {
				d.log.Warn("dial peer failed", "addr", addr, "err", err)
			} else {
				d.log.Info("connected to peer", "addr", addr, "host", host)
			}
			return nil
		})
	}

	<-ctx.Done()
	d.log.Info("daemon stopping")
	d.srv.Shutdown()
	return g.Wait()
}

// serveHTTP starts an HTTP server for websocket peers and metrics.
func (d *daemon) serveHTTP(ctx context.Context, g *taskgroup.Group) error {
	lst, err := net.Listen("tcp", d.cfg.HTTP)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	acc := peers.NewWebSocketAccepter(nil)
	reg := metrics.NewRegistry("dshare", map[string]*expvar.Map{
		"node":   d.node.Metrics(),
		"server": d.srv.Metrics(),
	})
	mux := http.NewServeMux()
	mux.Handle("/peer", acc)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	d.log.Info("serving http", "addr", lst.Addr())
	g.Go(func() error {
		err := hs.Serve(lst)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error { return peers.Loop(ctx, acc, d.node) })
	g.Go(func() error {
		<-ctx.Done()
		acc.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(sctx)
	})
	return nil
}

// publish shares the file of e under its name, or updates the share if it
// already exists, and watches the file for changes.
func (d *daemon) publish(e catalog.Entry) error {
	src, err := source.NewFile(e.File, datashare.Description{Mime: e.Mime})
	if err != nil {
		return err
	}
	err = d.srv.ShareSource(e.Name, src)
	if errors.Is(err, datashare.ExistsAlready) {
		err = d.srv.UpdateSource(e.Name, src)
	}
	if err != nil {
		return err
	}

	file := filepath.Clean(e.File)
	d.μ.Lock()
	_, known := d.files[file]
	d.files[file] = e
	d.μ.Unlock()

	// Watch the directory, so that files replaced by rename are seen.
	if d.watch != nil && !known {
		if err := d.watch.Add(filepath.Dir(file)); err != nil {
			d.log.Warn("cannot watch file", "file", file, "err", err)
		}
	}
	return nil
}

// watchFiles updates shares when their files change, until ctx ends.
func (d *daemon) watchFiles(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watch.Events:
			if !ok {
				return
			}
			d.μ.Lock()
			e, ok := d.files[filepath.Clean(ev.Name)]
			d.μ.Unlock()
			if !ok {
				continue
			}
			switch {
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				d.log.Debug("shared file changed", "name", e.Name, "file", ev.Name, "op", ev.Op.String())
				if err := d.publish(e); err != nil {
					d.log.Warn("update failed", "name", e.Name, "err", err)
				}
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				// The file may come back; keep the catalog entry and the mapping.
				d.log.Info("shared file removed", "name", e.Name, "file", ev.Name)
				if err := d.srv.UnShare(e.Name); err != nil {
					d.log.Debug("unshare", "name", e.Name, "err", err)
				}
			}
		case err, ok := <-d.watch.Errors:
			if !ok {
				return
			}
			d.log.Error("file watcher error", "err", err)
		}
	}
}

// storePush writes pushed data to a file in the inbox, adds the file to the
// catalog, and shares it.
func (d *daemon) storePush(ctx context.Context, from datashare.HostID, data []byte) error {
	p := handler.ContextPush(ctx)
	name := p.Path.Clean()
	e := catalog.Entry{
		Name: name,
		File: filepath.Join(d.cfg.Inbox, string(name)),
		Mime: http.DetectContentType(data),
	}
	if err := d.cat.Put(e); err != nil {
		d.log.Warn("push refused", "from", from, "path", p.Path, "err", err)
		return err
	}
	if err := os.WriteFile(e.File, data, 0600); err != nil {
		d.log.Error("push not stored", "from", from, "path", p.Path, "err", err)
		d.cat.Delete(name)
		return err
	}
	if err := d.publish(e); err != nil {
		d.log.Error("push not shared", "from", from, "path", p.Path, "err", err)
		return err
	}
	d.srv.Update(catalog.ListingPath, d.cat.Resource())
	d.log.Info("push stored", "from", from, "name", name, "bytes", len(data))
	return nil
}

// peerList reports the hosts linked to the daemon, one per line.
func (d *daemon) peerList(context.Context) (string, error) {
	var sb strings.Builder
	for _, h := range d.node.Hosts() {
		fmt.Fprintln(&sb, h)
	}
	return sb.String(), nil
}
