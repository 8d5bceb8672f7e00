// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package datashare

import (
	"fmt"
	"strings"
)

// A HostID identifies a remote peer.
type HostID string

// A Path names a shared resource. Paths are slash-separated; only the first
// segment (the head) is registered with a server, and the remainder is
// resolved by the resource itself. Leading and trailing slashes are ignored.
type Path string

// Clean returns p without leading or trailing slashes.
func (p Path) Clean() Path { return Path(strings.Trim(string(p), "/")) }

// Head returns the first segment of p.
func (p Path) Head() Path {
	head, _, _ := strings.Cut(string(p.Clean()), "/")
	return Path(head)
}

// Rest returns the portion of p following its head, or "" if there is none.
func (p Path) Rest() Path {
	_, rest, _ := strings.Cut(string(p.Clean()), "/")
	return Path(rest)
}

// HasSubPath reports whether p has any segments beyond its head.
func (p Path) HasSubPath() bool { return p.Rest() != "" }

// IsEmpty reports whether p names nothing.
func (p Path) IsEmpty() bool { return p.Clean() == "" }

// Join returns p extended by the given sub-path.
func (p Path) Join(sub Path) Path {
	if sub.IsEmpty() {
		return p.Clean()
	}
	return Path(string(p.Clean()) + "/" + string(sub.Clean()))
}

// A Range is a half-open window [From, To) of byte offsets.
// The zero Range means "the default range", usually the whole object.
// A To value of -1 in a negotiated range means the end is not yet known.
type Range struct {
	From int64
	To   int64
}

// IsDefault reports whether r is the zero (default) range.
func (r Range) IsDefault() bool { return r == Range{} }

// Valid reports whether r is a well-formed range.
func (r Range) Valid() bool { return r.From >= 0 && r.To >= r.From }

// Len reports the length of r, or -1 if r is not valid.
func (r Range) Len() int64 {
	if !r.Valid() {
		return -1
	}
	return r.To - r.From
}

// Within reports whether r is valid and lies inside [0, size].
func (r Range) Within(size int64) bool { return r.Valid() && r.To <= size }

// Clip returns r restricted to [0, size].
func (r Range) Clip(size int64) Range {
	out := Range{From: min(max(r.From, 0), size), To: min(r.To, size)}
	if out.To < out.From {
		out.To = out.From
	}
	return out
}

func (r Range) String() string { return fmt.Sprintf("%d..%d", r.From, r.To) }

// A Description describes the content of a data source.
type Description struct {
	Mime    string // media type, e.g. "text/plain"
	Storage string // storage class, e.g. "file" or "memory"
	User    string // application-defined subtype
}

func (d Description) String() string {
	return fmt.Sprintf("Description(mime=%q, storage=%q, user=%q)", d.Mime, d.Storage, d.User)
}
