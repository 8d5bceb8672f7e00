package main

import (
	"bufio"
	"cmp"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/datashare"
	"github.com/creachadair/datashare/catalog"
	"github.com/creachadair/datashare/client"
	"github.com/creachadair/datashare/internal/config"
	"github.com/creachadair/flax"
)

var addFlags struct {
	Mime string `flag:"mime,Media type of the file (default: by extension)"`
}

var addCommand = &command.C{
	Name:  "add",
	Usage: "<name> <file>",
	Help: `Add a file to the catalog under the given share name.

The catalog can only be modified while the daemon is not running.`,

	SetFlags: command.Flags(flax.MustBind, &addFlags),
	Run: func(env *command.Env) error {
		if err := usageArgs(env, 2, "a name and a file"); err != nil {
			return err
		}
		file, err := filepath.Abs(env.Args[1])
		if err != nil {
			return err
		}
		if fi, err := os.Stat(file); err != nil {
			return err
		} else if !fi.Mode().IsRegular() {
			return fmt.Errorf("%s is not a regular file", file)
		}
		return withCatalog(func(cat *catalog.Catalog) error {
			return cat.Put(catalog.Entry{
				Name: datashare.Path(env.Args[0]),
				File: file,
				Mime: cmp.Or(addFlags.Mime, mime.TypeByExtension(filepath.Ext(file)), "application/octet-stream"),
			})
		})
	},
}

var removeCommand = &command.C{
	Name:  "remove",
	Usage: "<name>",
	Help: `Remove a share name from the catalog.

The catalog can only be modified while the daemon is not running.`,

	Run: func(env *command.Env) error {
		if err := usageArgs(env, 1, "a name"); err != nil {
			return err
		}
		return withCatalog(func(cat *catalog.Catalog) error {
			return cat.Delete(datashare.Path(env.Args[0]))
		})
	},
}

func withCatalog(f func(*catalog.Catalog) error) error {
	cfg, err := config.Load(flags.Config, nil)
	if err != nil {
		return err
	}
	cat, err := catalog.Open(cfg.Catalog)
	if err != nil {
		return err
	}
	defer cat.Close()
	return f(cat)
}

var getFlags struct {
	Out          string `flag:"out,Write output to this file (default: stdout)"`
	Transmission bool   `flag:"t,Fetch as a transmission in chunks"`
	Revision     int64  `flag:"revision,Fetch this revision (default: current)"`
	User         string `flag:"user,Expected data subtype"`
}

var getCommand = &command.C{
	Name:  "get",
	Usage: "<addr> <path>",
	Help:  "Fetch a shared resource from a peer.",

	SetFlags: command.Flags(flax.MustBind, &getFlags),
	Run: func(env *command.Env) error {
		if err := usageArgs(env, 2, "an address and a path"); err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		s, err := connect(ctx, env.Args[0])
		if err != nil {
			return err
		}
		defer s.Close()

		var w io.Writer = os.Stdout
		if getFlags.Out != "" {
			f, err := os.Create(getFlags.Out)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		bw := bufio.NewWriter(w)
		defer bw.Flush()

		req := &datashare.Request{
			Path:     datashare.Path(env.Args[1]),
			User:     getFlags.User,
			Revision: getFlags.Revision,
		}
		if getFlags.Transmission {
			start, n, err := s.cli.Download(ctx, s.remote, req, bw)
			if err != nil {
				return err
			}
			s.log.Info("download complete", "path", req.Path, "bytes", n,
				"revision", start.Revision, "mime", start.Description.Mime)
			return nil
		}

		call, err := s.cli.Request(s.remote, req, 0)
		if err != nil {
			return err
		}
		r, err := call.Next(ctx)
		if err != nil {
			return err
		} else if r.Err != datashare.OK {
			return fmt.Errorf("get %q: %w", req.Path, r.Err)
		}
		s.log.Info("fetched", "path", req.Path, "bytes", len(r.Data),
			"revision", r.Revision, "mime", r.Description.Mime)
		_, err = bw.Write(r.Data)
		return err
	},
}

var listCommand = &command.C{
	Name:  "list",
	Usage: "<addr>",
	Help:  "List the catalog of a peer running the daemon.",

	Run: func(env *command.Env) error {
		if err := usageArgs(env, 1, "an address"); err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		s, err := connect(ctx, env.Args[0])
		if err != nil {
			return err
		}
		defer s.Close()

		data, _, err := s.cli.Get(ctx, s.remote, catalog.ListingPath)
		if err != nil {
			return err
		}
		entries, err := catalog.Decode(data)
		if err != nil {
			return fmt.Errorf("invalid listing: %w", err)
		}
		for _, e := range entries {
			printf("%s\t%s\n", e.Name, e.Mime)
		}
		return nil
	},
}

var watchCommand = &command.C{
	Name:  "watch",
	Usage: "<addr> <path>",
	Help: `Subscribe to a shared resource and print its change notifications.

Watch runs until interrupted, or until the subscription is canceled.`,

	Run: func(env *command.Env) error {
		if err := usageArgs(env, 2, "an address and a path"); err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		s, err := connect(ctx, env.Args[0])
		if err != nil {
			return err
		}
		defer s.Close()

		path := datashare.Path(env.Args[1])
		ended := make(chan error, 1)
		fut, err := s.cli.Subscribe(s.remote, path, client.NotifyFunc(func(n client.Notification) {
			if n.Mark == datashare.SubscriptionCancel {
				var err error = datashare.Canceled
				if n.Err != nil {
					err = n.Err
				}
				select {
				case ended <- err:
				default:
				}
				return
			}
			printf("%s\trevision %d\tsize %d\n", n.Path, n.Revision, n.Size)
		}), 0)
		if err != nil {
			return err
		}
		sr, err := fut.Wait(ctx)
		if err != nil {
			return fmt.Errorf("subscribe %q: %w", path, err)
		}
		s.log.Info("subscribed", "path", path, "mime", sr.Description.Mime)

		select {
		case <-ctx.Done():
			return nil
		case err := <-ended:
			return fmt.Errorf("subscription ended: %w", err)
		}
	},
}

var pushCommand = &command.C{
	Name:  "push",
	Usage: "<addr> <path> <file>",
	Help:  "Send the contents of a file to be stored by a peer.",

	Run: func(env *command.Env) error {
		if err := usageArgs(env, 3, "an address, a path, and a file"); err != nil {
			return err
		}
		data, err := os.ReadFile(env.Args[2])
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		s, err := connect(ctx, env.Args[0])
		if err != nil {
			return err
		}
		defer s.Close()

		fut, err := s.cli.Push(s.remote, &datashare.Push{Path: datashare.Path(env.Args[1])}, data, 0)
		if err != nil {
			return err
		}
		if _, err := fut.Wait(ctx); err != nil {
			return fmt.Errorf("push: %w", err)
		}
		s.log.Info("pushed", "path", env.Args[1], "bytes", len(data))
		return nil
	},
}
