// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package catalog_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/creachadair/datashare"
	"github.com/creachadair/datashare/catalog"
	"github.com/creachadair/datashare/client"
	"github.com/creachadair/datashare/peers"
	"github.com/creachadair/datashare/server"
	"github.com/google/go-cmp/cmp"
)

var testEntries = []catalog.Entry{
	{Name: "minsc", File: "/srv/minsc.txt", Mime: "text/plain"},
	{Name: "boo", File: "/srv/boo.png", Mime: "image/png"},
	{Name: "dynaheir", File: "/srv/dynaheir.json", Mime: "application/json"},
}

func openTestCatalog(t *testing.T, path string) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return cat
}

func TestCatalogUsage(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shares.db")
	cat := openTestCatalog(t, dbPath)

	for _, e := range testEntries {
		if err := cat.Put(e); err != nil {
			t.Fatalf("Put %q: unexpected error: %v", e.Name, err)
		}
	}

	t.Run("Get", func(t *testing.T) {
		got, err := cat.Get("/boo/")
		if err != nil {
			t.Fatalf("Get: unexpected error: %v", err)
		}
		if diff := cmp.Diff(testEntries[1], got); diff != "" {
			t.Errorf("Get (-want, +got):\n%s", diff)
		}
		if got, err := cat.Get("nonesuch"); !errors.Is(err, datashare.NotFound) {
			t.Errorf("Get nonesuch: got (%v, %v), want %v", got, err, datashare.NotFound)
		}
	})

	t.Run("PutInvalid", func(t *testing.T) {
		for _, e := range []catalog.Entry{
			{Name: "", File: "x"},
			{Name: "a/b", File: "x"},
			{Name: "nofile"},
			{Name: "_catalog", File: "x"},
		} {
			if err := cat.Put(e); !errors.Is(err, datashare.InvalidArgument) {
				t.Errorf("Put %+v: got %v, want %v", e, err, datashare.InvalidArgument)
			}
		}
	})

	t.Run("Replace", func(t *testing.T) {
		e := catalog.Entry{Name: "minsc", File: "/srv/minsc.md", Mime: "text/markdown"}
		if err := cat.Put(e); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if got, err := cat.Get("minsc"); err != nil || got != e {
			t.Errorf("Get: got (%+v, %v), want %+v", got, err, e)
		}
		cat.Put(testEntries[0])
	})

	t.Run("Delete", func(t *testing.T) {
		if err := cat.Delete("dynaheir"); err != nil {
			t.Errorf("Delete: unexpected error: %v", err)
		}
		if err := cat.Delete("dynaheir"); !errors.Is(err, datashare.NotFound) {
			t.Errorf("Delete again: got %v, want %v", err, datashare.NotFound)
		}
	})

	if err := cat.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The surviving entries are persistent.
	cat = openTestCatalog(t, dbPath)
	defer cat.Close()
	got, err := cat.List()
	if err != nil {
		t.Fatalf("List: unexpected error: %v", err)
	}
	want := []catalog.Entry{testEntries[1], testEntries[0]} // by name
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List (-want, +got):\n%s", diff)
	}
}

func TestCatalogEncoding(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		enc := catalog.Encode(testEntries)
		t.Logf("Encoded listing: %q", enc)
		got, err := catalog.Decode(enc)
		if err != nil {
			t.Fatalf("Decode: unexpected error: %v", err)
		}
		want := []catalog.Entry{
			{Name: "boo", Mime: "image/png"},
			{Name: "dynaheir", Mime: "application/json"},
			{Name: "minsc", Mime: "text/plain"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Decode (-want, +got):\n%s", diff)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		got, err := catalog.Decode(catalog.Encode(nil))
		if err != nil {
			t.Fatalf("Decode: unexpected error: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("Decode: got %+v, want empty", got)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		enc := catalog.Encode(testEntries)
		for _, bad := range [][]byte{
			nil,
			enc[:len(enc)-1],
			append(enc, 0),
		} {
			if got, err := catalog.Decode(bad); err == nil {
				t.Errorf("Decode %q: got %+v, want error", bad, got)
			} else {
				t.Logf("Error OK: %v", err)
			}
		}
	})
}

func TestResource(t *testing.T) {
	cat := openTestCatalog(t, filepath.Join(t.TempDir(), "shares.db"))
	defer cat.Close()

	loc := peers.NewLocal("srv", "cli")
	srv := server.New(loc.A, &server.Options{Permissions: server.AllowAll})
	loc.A.Handle(srv, datashare.ServerPackets...)
	cli := client.New(loc.B, nil)
	loc.B.Handle(cli, datashare.ClientPackets...)
	defer func() { cli.Close(); srv.Close(); loc.Stop() }()

	if err := srv.Share(catalog.ListingPath, cat.Resource()); err != nil {
		t.Fatalf("Share: %v", err)
	}

	fetch := func(t *testing.T) []catalog.Entry {
		t.Helper()
		data, rr, err := cli.Get(t.Context(), "srv", catalog.ListingPath)
		if err != nil {
			t.Fatalf("Get: unexpected error: %v", err)
		}
		if rr.Description.Mime != catalog.ListingMime {
			t.Errorf("Mime: got %q, want %q", rr.Description.Mime, catalog.ListingMime)
		}
		got, err := catalog.Decode(data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		return got
	}

	if got := fetch(t); len(got) != 0 {
		t.Errorf("Initial listing: got %+v, want empty", got)
	}

	cat.Put(testEntries[0])
	want := []catalog.Entry{{Name: "minsc", Mime: "text/plain"}}
	if diff := cmp.Diff(want, fetch(t)); diff != "" {
		t.Errorf("Listing (-want, +got):\n%s", diff)
	}
}
