// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog maintains a persistent list of files published by a
// datashare daemon. Each entry maps a share name to a local file and its media
// type. Entries are stored in a bbolt database so that a restarted daemon can
// publish the same files again.
//
// # Usage
//
// Open or create a catalog and add entries to it:
//
//	cat, err := catalog.Open("shares.db")
//	...
//	err = cat.Put(catalog.Entry{Name: "report", File: "/tmp/report.txt", Mime: "text/plain"})
//
// The listing of a catalog has a compact binary encoding that omits the local
// file names. A daemon shares it as a resource, so that peers can discover
// what is available:
//
//	srv.Share(catalog.ListingPath, cat.Resource())
//
// A peer that fetched the listing uses Decode to recover the entries:
//
//	entries, err := catalog.Decode(data)
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/creachadair/datashare"
	"github.com/creachadair/datashare/packet"
	"github.com/creachadair/datashare/source"
	bolt "go.etcd.io/bbolt"
)

// ListingPath is the share name conventionally used for a catalog listing.
const ListingPath datashare.Path = "_catalog"

// ListingMime is the media type of an encoded listing.
const ListingMime = "application/x-datashare-catalog"

var bucketName = []byte("shares")

// An Entry describes one published file.
type Entry struct {
	Name datashare.Path // the share name, a single path segment
	File string         // the local file name; not included in listings
	Mime string         // the media type of the content
}

func (e Entry) check() error {
	switch {
	case e.Name.IsEmpty():
		return fmt.Errorf("empty share name: %w", datashare.InvalidArgument)
	case e.Name.HasSubPath():
		return fmt.Errorf("share name %q has a sub-path: %w", e.Name, datashare.InvalidArgument)
	case e.File == "":
		return fmt.Errorf("share %q has no file: %w", e.Name, datashare.InvalidArgument)
	case e.Name.Clean() == "." || e.Name.Clean() == "..":
		return fmt.Errorf("invalid share name %q: %w", e.Name, datashare.InvalidArgument)
	case strings.HasPrefix(string(e.Name.Clean()), "_"):
		return fmt.Errorf("share name %q is reserved: %w", e.Name, datashare.InvalidArgument)
	}
	return nil
}

// A Catalog is a persistent collection of entries. It is safe for concurrent
// use by multiple goroutines.
type Catalog struct {
	db *bolt.DB
}

// Open opens or creates the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the database. The catalog must not be used after Close.
func (c *Catalog) Close() error { return c.db.Close() }

// Put adds or replaces the entry for e.Name. Names beginning with "_" are
// reserved and cannot be added.
func (c *Catalog) Put(e Entry) error {
	if err := e.check(); err != nil {
		return err
	}
	e.Name = e.Name.Clean()
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(e.Name), encodeValue(e))
	})
}

// Get returns the entry for name. If there is none, it reports an error
// wrapping NotFound.
func (c *Catalog) Get(name datashare.Path) (Entry, error) {
	name = name.Clean()
	var out Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("entry %q: %w", name, datashare.NotFound)
		}
		var err error
		out, err = decodeValue(name, v)
		return err
	})
	return out, err
}

// Delete removes the entry for name. If there is none, it reports an error
// wrapping NotFound.
func (c *Catalog) Delete(name datashare.Path) error {
	name = name.Clean()
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("entry %q: %w", name, datashare.NotFound)
		}
		return b.Delete([]byte(name))
	})
}

// List returns all the entries in the catalog, ordered by name.
func (c *Catalog) List() ([]Entry, error) {
	var out []Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			e, err := decodeValue(datashare.Path(k), v)
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Resource returns a resource serving the current listing of c. Each request
// reads the catalog afresh, so the owner of the share only needs to call
// Update to announce a change.
func (c *Catalog) Resource() source.Resource {
	return source.ResourceFunc(func(sub datashare.Path, _ string) source.Source {
		if !sub.IsEmpty() {
			return nil
		}
		entries, err := c.List()
		if err != nil {
			d := source.NewDeferred(listingDesc)
			d.Fail(err)
			return d
		}
		return source.NewBytes(Encode(entries), listingDesc)
	})
}

var listingDesc = datashare.Description{Mime: ListingMime, Storage: "catalog"}

// Each stored value is the file name followed by the media type, each as a
// length-prefixed string.
func encodeValue(e Entry) []byte {
	var w packet.Writer
	w.String(e.File)
	w.String(e.Mime)
	return w.Data()
}

func decodeValue(name datashare.Path, v []byte) (Entry, error) {
	r := packet.NewReader(v)
	e := Entry{Name: name, File: r.String(), Mime: r.String()}
	if err := r.Err(); err != nil {
		return Entry{}, fmt.Errorf("entry %q: %w", name, err)
	}
	return e, nil
}

// Encode encodes a listing of entries in binary format.
//
// The wire format of a listing is the number of entries as a Vint30, followed
// by the name and media type of each entry in lexicographic order by name.
// Each is a Vint30 length followed by that many bytes. File names are omitted.
func Encode(entries []Entry) []byte {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) int { return strings.Compare(string(a.Name), string(b.Name)) })

	var w packet.Writer
	w.Vint30(len(sorted))
	for _, e := range sorted {
		w.String(string(e.Name))
		w.String(e.Mime)
	}
	return w.Data()
}

// Decode decodes data as a listing payload. The File fields of the resulting
// entries are empty.
func Decode(data []byte) ([]Entry, error) {
	if len(data) == 0 {
		return nil, errors.New("empty catalog listing")
	}
	r := packet.NewReader(data)
	n := r.Vint30()
	var out []Entry
	for i := 0; i < n && r.Err() == nil; i++ {
		e := Entry{Name: datashare.Path(r.String()), Mime: r.String()}
		out = append(out, e)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("catalog listing: %w", err)
	} else if r.Len() != 0 {
		return nil, fmt.Errorf("%d extra bytes after listing", r.Len())
	}
	return out, nil
}
