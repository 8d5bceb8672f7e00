// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package source defines the data sources served by a datashare server.
//
// A [Source] produces bytes for a requested range. It may be immediately
// available, like [Bytes], or become ready later, like [Deferred] and [Pipe].
// A [Resource] is what a server publishes under a path: it resolves the
// remainder of a request path to a Source.
package source

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/creachadair/datashare"
	"github.com/creachadair/taskgroup"
)

// A Source is a byte-range addressable data source.
type Source interface {
	// Ready reports whether the source has settled, either with data or with
	// an error reported by Err. A source that is not ready may become ready
	// later.
	Ready() bool

	// Size reports the size of the source in bytes, or -1 if it is unknown.
	Size() int64

	// Err reports the error that the source settled with, if any.
	Err() error

	// Description reports the description of the source content.
	Description() datashare.Description

	// ReadRange reads the intersection of r with what the source can produce.
	// When the source is exhausted, ReadRange reports io.EOF along with any
	// final data. A result with no data and no error means the data are not
	// available yet.
	ReadRange(r datashare.Range) ([]byte, error)
}

// Progress describes the state of a transmission reading from a source.
type Progress struct {
	Mark        datashare.Mark
	Path        datashare.Path
	Destination datashare.HostID
	Transferred int64   // bytes sent so far
	Speed       float64 // bytes per second, averaged over the last second
	Err         datashare.Code
}

// A ProgressReporter is an optional interface that a Source may implement to
// be told about the progress of transmissions reading from it.
type ProgressReporter interface {
	TransmissionUpdate(id uint64, p Progress)
}

// WithProgress returns a Source that behaves as src, and reports transmission
// progress to f.
func WithProgress(src Source, f func(id uint64, p Progress)) Source {
	return observed{Source: src, f: f}
}

type observed struct {
	Source
	f func(uint64, Progress)
}

func (o observed) TransmissionUpdate(id uint64, p Progress) { o.f(id, p) }

// A Resource is the unit a server publishes under a path. It resolves the
// remainder of a request path (possibly empty) to a source.
type Resource interface {
	// Data returns the source for sub, or nil if there is none. The user
	// argument is the subtype the caller expects, if any.
	Data(sub datashare.Path, user string) Source
}

// ResourceFunc adapts a function to the [Resource] interface.
type ResourceFunc func(sub datashare.Path, user string) Source

// Data implements the [Resource] interface.
func (f ResourceFunc) Data(sub datashare.Path, user string) Source { return f(sub, user) }

// Single returns a Resource that serves src for the empty sub-path only.
func Single(src Source) Resource { return single{src} }

type single struct{ src Source }

func (s single) Data(sub datashare.Path, _ string) Source {
	if sub.IsEmpty() {
		return s.src
	}
	return nil
}

// Dir is a Resource that maps sub-paths to sources. The empty path names the
// resource itself.
type Dir map[datashare.Path]Source

// Data implements the [Resource] interface.
func (d Dir) Data(sub datashare.Path, _ string) Source { return d[sub.Clean()] }

// readSlice implements ReadRange for a source whose available content is buf,
// and which is complete if done is true.
func readSlice(buf []byte, done bool, r datashare.Range) ([]byte, error) {
	if !r.Valid() {
		return nil, datashare.InvalidArgument
	}
	size := int64(len(buf))
	c := r.Clip(size)
	out := buf[c.From:c.To]
	if done && r.To >= size {
		return out, io.EOF
	}
	return out, nil
}

// Bytes is an in-memory source that is always ready.
type Bytes struct {
	data []byte
	desc datashare.Description
}

// NewBytes constructs a ready source serving data with the given description.
// The caller must not modify data while the source is in use.
func NewBytes(data []byte, desc datashare.Description) *Bytes {
	return &Bytes{data: data, desc: desc}
}

func (b *Bytes) Ready() bool                        { return true }
func (b *Bytes) Size() int64                        { return int64(len(b.data)) }
func (b *Bytes) Err() error                         { return nil }
func (b *Bytes) Description() datashare.Description { return b.desc }

// ReadRange implements part of the [Source] interface. A range that reaches
// the end of the data reports io.EOF.
func (b *Bytes) ReadRange(r datashare.Range) ([]byte, error) {
	if r.To > int64(len(b.data)) {
		return readSlice(b.data, true, r)
	}
	// A range ending inside the data is not the end of the source, even if
	// it is the last byte.
	return readSlice(b.data, false, r)
}

// Deferred is a source that is not ready until its content is resolved.
// Its size is unknown until then.
type Deferred struct {
	desc datashare.Description

	μ    sync.Mutex
	done bool
	data []byte
	err  error
}

// NewDeferred constructs an unresolved source with the given description.
func NewDeferred(desc datashare.Description) *Deferred { return &Deferred{desc: desc} }

// Resolve settles d with the given content. It has no effect if d is already
// settled.
func (d *Deferred) Resolve(data []byte) {
	d.μ.Lock()
	defer d.μ.Unlock()
	if !d.done {
		d.done, d.data = true, data
	}
}

// Fail settles d with an error. It has no effect if d is already settled.
func (d *Deferred) Fail(err error) {
	d.μ.Lock()
	defer d.μ.Unlock()
	if !d.done {
		d.done, d.err = true, err
	}
}

func (d *Deferred) Ready() bool {
	d.μ.Lock()
	defer d.μ.Unlock()
	return d.done
}

func (d *Deferred) Size() int64 {
	d.μ.Lock()
	defer d.μ.Unlock()
	if !d.done || d.err != nil {
		return -1
	}
	return int64(len(d.data))
}

func (d *Deferred) Err() error {
	d.μ.Lock()
	defer d.μ.Unlock()
	return d.err
}

func (d *Deferred) Description() datashare.Description { return d.desc }

// ReadRange implements part of the [Source] interface. Reading past the end of
// the resolved content reports io.EOF together with the available data.
func (d *Deferred) ReadRange(r datashare.Range) ([]byte, error) {
	d.μ.Lock()
	defer d.μ.Unlock()
	if !d.done {
		return nil, nil
	} else if d.err != nil {
		return nil, d.err
	}
	return readSlice(d.data, r.To > int64(len(d.data)), r)
}

// Pipe is a source filled from a reader in the background. It is ready at
// once, and data become readable as they arrive. Its size is unknown until the
// reader is exhausted.
type Pipe struct {
	desc  datashare.Description
	tasks *taskgroup.Group

	μ    sync.Mutex
	buf  []byte
	done bool
	err  error
}

// NewPipe constructs a Pipe that copies from r until it reports an error or
// io.EOF. If r is an io.Closer it is closed when the copy ends.
func NewPipe(r io.Reader, desc datashare.Description) *Pipe {
	p := &Pipe{desc: desc, tasks: taskgroup.New(nil)}
	p.tasks.Go(func() error {
		var chunk [32 << 10]byte
		for {
			n, err := r.Read(chunk[:])
			p.μ.Lock()
			p.buf = append(p.buf, chunk[:n]...)
			if err != nil {
				p.done = true
				if !errors.Is(err, io.EOF) {
					p.err = err
				}
			}
			p.μ.Unlock()
			if err != nil {
				if c, ok := r.(io.Closer); ok {
					c.Close()
				}
				return nil
			}
		}
	})
	return p
}

// Wait blocks until the reader feeding p is exhausted, and reports the error
// it ended with, if any.
func (p *Pipe) Wait() error {
	p.tasks.Wait()
	return p.Err()
}

func (p *Pipe) Ready() bool { return true }

func (p *Pipe) Size() int64 {
	p.μ.Lock()
	defer p.μ.Unlock()
	if !p.done {
		return -1
	}
	return int64(len(p.buf))
}

func (p *Pipe) Err() error {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.err
}

func (p *Pipe) Description() datashare.Description { return p.desc }

// ReadRange implements part of the [Source] interface. Before the reader is
// exhausted it reports whatever portion of r has arrived, possibly nothing.
func (p *Pipe) ReadRange(r datashare.Range) ([]byte, error) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return readSlice(p.buf, p.done && r.To > int64(len(p.buf)), r)
}

// File is a source that reads from a file on disk. The size is captured when
// the File is constructed; each read opens the file afresh, so a File holds no
// descriptor between reads.
type File struct {
	path string
	size int64
	desc datashare.Description
}

// NewFile constructs a File source for the file at path.
func NewFile(path string, desc datashare.Description) (*File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	} else if fi.IsDir() {
		return nil, &os.PathError{Op: "open", Path: path, Err: datashare.NotSupported}
	}
	if desc.Storage == "" {
		desc.Storage = "file"
	}
	return &File{path: path, size: fi.Size(), desc: desc}, nil
}

func (f *File) Ready() bool                        { return true }
func (f *File) Size() int64                        { return f.size }
func (f *File) Err() error                         { return nil }
func (f *File) Description() datashare.Description { return f.desc }

// ReadRange implements part of the [Source] interface. If the file has
// shrunk since f was constructed, the read stops early with io.EOF.
func (f *File) ReadRange(r datashare.Range) ([]byte, error) {
	if !r.Valid() {
		return nil, datashare.InvalidArgument
	}
	c := r.Clip(f.size)
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	buf := make([]byte, c.Len())
	n, err := fh.ReadAt(buf, c.From)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n < len(buf) || r.To > f.size {
		return buf[:n], io.EOF
	}
	return buf[:n], nil
}
