// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/creachadair/datashare"
	"github.com/creachadair/datashare/asyncop"
	"github.com/creachadair/datashare/source"
)

// errRemoteCancel is the reason recorded when the client itself asked to stop
// a transmission. No reply is sent for it.
var errRemoteCancel = fmt.Errorf("canceled by peer: %w", datashare.Canceled)

// A transmission streams one source to one host in chunks. It is registered
// in the server's operation registry, keyed by the destination host, and
// driven by its own goroutine.
type transmission struct {
	id        asyncop.ID
	requestID uint64
	host      datashare.HostID
	path      datashare.Path
	src       source.Source
	rng       datashare.Range // negotiated; To == -1 if the end is unknown
	revision  int64
	count     int64 // number of chunks, or -1 if unknown
	next      int64 // index of the next chunk
	seen      int   // bytes of the next chunk available at the last poll

	ctx    context.Context
	cancel context.CancelFunc

	μ            sync.Mutex
	transferred  int64
	meter        speedMeter
	lastProgress time.Time
	reason       error // why the transmission was canceled, if it was
}

// Cancel implements the [asyncop.Op] interface.
func (t *transmission) Cancel(reason error) {
	t.μ.Lock()
	if t.reason == nil {
		t.reason = reason
	}
	t.μ.Unlock()
	t.cancel()
}

func (t *transmission) canceledBy() error {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.reason == nil {
		return datashare.Canceled
	}
	return t.reason
}

// report tells the source about the progress of t, if it wants to know.
func (t *transmission) report(mark datashare.Mark, code datashare.Code) {
	pr, ok := t.src.(source.ProgressReporter)
	if !ok {
		return
	}
	t.μ.Lock()
	p := source.Progress{
		Mark:        mark,
		Path:        t.path,
		Destination: t.host,
		Transferred: t.transferred,
		Speed:       t.meter.rate(time.Now()),
		Err:         code,
	}
	t.μ.Unlock()
	pr.TransmissionUpdate(uint64(t.id), p)
}

// TransmissionInfo describes a transmission in progress.
type TransmissionInfo struct {
	ID          uint64 // assigned by the server
	RequestID   uint64 // assigned by the client
	Host        datashare.HostID
	Path        datashare.Path
	Range       datashare.Range
	Revision    int64
	Transferred int64
	Speed       float64 // bytes per second
}

func (t *transmission) info() TransmissionInfo {
	t.μ.Lock()
	defer t.μ.Unlock()
	return TransmissionInfo{
		ID:          uint64(t.id),
		RequestID:   t.requestID,
		Host:        t.host,
		Path:        t.path,
		Range:       t.rng,
		Revision:    t.revision,
		Transferred: t.transferred,
		Speed:       t.meter.rate(time.Now()),
	}
}

// Transmissions reports the transmissions currently in progress.
func (s *Server) Transmissions() []TransmissionInfo {
	var out []TransmissionInfo
	s.ops.Find(func(_ asyncop.ID, op asyncop.Op) bool {
		if t, ok := op.(*transmission); ok {
			out = append(out, t.info())
		}
		return false
	})
	return out
}

// CancelTransfer stops the transmission with the given server-assigned id.
// The client is sent a cancellation with the Canceled error code. It reports
// NotFound if id is unknown, and InvalidArgument if id is not a transmission.
func (s *Server) CancelTransfer(id uint64) error {
	var found, isTransmission bool
	s.ops.Find(func(oid asyncop.ID, op asyncop.Op) bool {
		if oid == asyncop.ID(id) {
			_, isTransmission = op.(*transmission)
			found = true
		}
		return false
	})
	if !found {
		return fmt.Errorf("transmission %d: %w", id, datashare.NotFound)
	} else if !isTransmission {
		return fmt.Errorf("operation %d is not a transmission: %w", id, datashare.InvalidArgument)
	} else if !s.ops.Cancel(asyncop.ID(id), datashare.Canceled) {
		return fmt.Errorf("transmission %d: %w", id, datashare.NotFound)
	}
	return nil
}

// cancelRequest stops every transmission from that host for the request id of
// req. The client asked for this, so it is not sent a reply.
func (s *Server) cancelRequest(from datashare.HostID, req *datashare.Request) {
	ids := s.ops.Find(func(_ asyncop.ID, op asyncop.Op) bool {
		t, ok := op.(*transmission)
		return ok && t.requestID == req.ID && t.host == from
	})
	for _, id := range ids {
		s.ops.Cancel(id, errRemoteCancel)
	}
	s.log.Debug("transmission canceled by client", "from", from, "request", req.ID, "path", req.Path, "n", len(ids))
}

// startTransmission negotiates a transmission of src to the sender of req,
// replies with the start of transmission, and starts the chunk loop.
func (s *Server) startTransmission(ctx context.Context, from datashare.HostID, req *datashare.Request, src source.Source, rev int64) {
	reply := &datashare.RequestReply{ID: req.ID, Path: req.Path, Range: req.Range, Mark: datashare.TransmissionCancel}
	if err := src.Err(); err != nil {
		s.log.Warn("source failed", "path", req.Path, "err", err)
		s.fail(ctx, from, reply, datashare.ReadError)
		return
	}

	size := src.Size()
	rng := req.Range
	if rng.IsDefault() {
		rng = datashare.Range{From: 0, To: size} // To is -1 if size is unknown
	} else if !rng.Valid() || size >= 0 && !rng.Within(size) {
		s.fail(ctx, from, reply, datashare.InvalidArgument)
		return
	}

	var count int64 = -1
	if rng.To >= 0 {
		chunk := int64(s.chunk)
		count = max(1, (rng.Len()+chunk-1)/chunk)
	}

	tctx, cancel := context.WithCancel(s.ctx)
	t := &transmission{
		id:           s.ops.NextID(),
		requestID:    req.ID,
		host:         from,
		path:         req.Path,
		src:          src,
		rng:          rng,
		revision:     rev,
		count:        count,
		ctx:          tctx,
		cancel:       cancel,
		lastProgress: time.Now(),
	}
	if err := s.ops.Add(t.id, t, from, s.idle); err != nil {
		cancel()
		s.fail(ctx, from, reply, datashare.NotSupported)
		return
	}

	start := &datashare.RequestReply{
		ID:          req.ID,
		Path:        req.Path,
		Description: describe(src, req),
		Revision:    rev,
		Range:       rng,
		Mark:        datashare.TransmissionStart,
	}
	if err := s.sendTo(ctx, from, start, nil); err != nil {
		s.ops.Remove(t.id)
		cancel()
		return
	}
	s.log.Debug("transmission started", "to", from, "path", req.Path, "id", t.id, "range", rng, "chunks", count)
	serverMetrics.transmissions.Add(1)
	t.report(datashare.TransmissionStart, datashare.OK)
	s.tasks.Go(func() error {
		defer serverMetrics.transmissions.Add(-1)
		s.runTransmission(t)
		return nil
	})
}

// An outcome is the result of a single step of a transmission.
type outcome int

const (
	sent    outcome = iota // a chunk was sent
	waiting                // no data is available yet
	done                   // the transmission is over
)

// runTransmission drives t until it finishes or is canceled. Between steps t
// is Pending in the registry, where it may be canceled or expire.
//
// The idle deadline is refreshed when a chunk is sent and on each poll of a
// source that is not ready yet. A ready source that stops producing data is
// canceled with TimeOut once the idle timeout passes.
func (s *Server) runTransmission(t *transmission) {
	defer t.cancel()
	last := sent
	for {
		if last == waiting {
			t.sleep(s.poll)
		} else if s.limiter != nil {
			s.limiter.WaitN(t.ctx, s.chunk) // an error means t was canceled
		}
		if _, err := asyncop.TakeAs[*transmission](s.ops, t.id); err != nil {
			s.finishCanceled(t)
			return
		}

		last = s.step(t)
		if last == done {
			s.ops.Done(t.id)
			return
		}

		t.μ.Lock()
		remaining := s.idle - time.Since(t.lastProgress)
		t.μ.Unlock()
		if remaining <= 0 {
			s.ops.Done(t.id)
			t.Cancel(datashare.TimeOut)
			s.finishCanceled(t)
			return
		}
		if !s.ops.Rearm(t.id, remaining) {
			s.finishCanceled(t)
			return
		}
	}
}

// touch records progress on t at the given time.
func (t *transmission) touch(now time.Time) {
	t.μ.Lock()
	defer t.μ.Unlock()
	t.lastProgress = now
}

// await reports that t is waiting for more of the next chunk, of which n bytes
// are available now. Growth of the chunk counts as progress.
func (t *transmission) await(n int) outcome {
	if n > t.seen {
		t.seen = n
		t.touch(time.Now())
	}
	return waiting
}

// sleep waits for d or until t is canceled.
func (t *transmission) sleep(d time.Duration) {
	tick := time.NewTimer(d)
	defer tick.Stop()
	select {
	case <-t.ctx.Done():
	case <-tick.C:
	}
}

// step sends the next chunk of t, if it is available.
func (s *Server) step(t *transmission) outcome {
	if err := t.src.Err(); err != nil {
		s.log.Warn("source failed", "path", t.path, "id", t.id, "err", err)
		s.abort(t, datashare.ReadError)
		return done
	} else if !t.src.Ready() {
		t.touch(time.Now()) // the source is still preparing
		return waiting
	}

	t.μ.Lock()
	start := t.rng.From + t.transferred
	t.μ.Unlock()
	want := datashare.Range{From: start, To: start + int64(s.chunk)}
	if t.rng.To >= 0 {
		want.To = min(want.To, t.rng.To)
	}

	data, err := t.src.ReadRange(want)
	finish := false
	switch {
	case errors.Is(err, io.EOF):
		finish = true
	case err != nil:
		s.log.Warn("read failed", "path", t.path, "id", t.id, "range", want, "err", err)
		s.abort(t, datashare.ReadError)
		return done
	case len(data) == 0 && t.rng.To >= 0 && start >= t.rng.To:
		finish = true // empty range
	case len(data) == 0, t.rng.To < 0 && len(data) < s.chunk:
		// Only a partial chunk of a source still being written.
		return t.await(len(data))
	}
	end := start + int64(len(data))
	if t.next == t.count-1 || t.rng.To >= 0 && end >= t.rng.To {
		finish = true
	}

	mark := datashare.Transmission
	if finish {
		mark = datashare.TransmissionFinish
	}
	reply := &datashare.RequestReply{
		ID:       t.requestID,
		Path:     t.path,
		Revision: t.revision,
		Range:    datashare.Range{From: start, To: end},
		Mark:     mark,
	}
	t.next++
	if err := s.send.Send(t.ctx, t.host, reply, data); err != nil {
		s.log.Debug("chunk send failed", "to", t.host, "id", t.id, "err", err)
		t.report(datashare.TransmissionCancel, datashare.ConnectionError)
		return done
	}

	now := time.Now()
	t.μ.Lock()
	t.transferred += int64(len(data))
	t.meter.add(now, len(data))
	t.lastProgress = now
	t.μ.Unlock()
	t.seen = 0
	serverMetrics.chunksSent.Add(1)
	serverMetrics.bytesSent.Add(int64(len(data)))
	t.report(mark, datashare.OK)

	if finish {
		s.log.Debug("transmission finished", "to", t.host, "id", t.id, "chunks", t.next)
		return done
	}
	return sent
}

// abort ends t with an error reply to the client.
func (s *Server) abort(t *transmission, code datashare.Code) {
	t.report(datashare.TransmissionCancel, code)
	s.sendTo(t.ctx, t.host, &datashare.RequestReply{
		ID:   t.requestID,
		Path: t.path,
		Err:  code,
		Mark: datashare.TransmissionCancel,
	}, nil)
}

// finishCanceled cleans up after t has been canceled. The client is told
// unless it asked for the cancellation itself or is no longer reachable.
func (s *Server) finishCanceled(t *transmission) {
	reason := t.canceledBy()
	code := datashare.CodeOf(reason)
	t.report(datashare.TransmissionCancel, code)
	s.log.Debug("transmission canceled", "to", t.host, "id", t.id, "reason", reason)
	if reason == errRemoteCancel || code == datashare.TargetOffline {
		return
	}
	s.sendTo(s.ctx, t.host, &datashare.RequestReply{
		ID:   t.requestID,
		Path: t.path,
		Err:  code,
		Mark: datashare.TransmissionCancel,
	}, nil)
}

// speedMeter computes a rolling average of bytes per second over the last
// second of samples.
type speedMeter struct {
	samples []sample
}

type sample struct {
	at time.Time
	n  int
}

const speedWindow = time.Second

func (m *speedMeter) add(now time.Time, n int) {
	m.samples = append(m.prune(now), sample{at: now, n: n})
}

func (m *speedMeter) prune(now time.Time) []sample {
	i := 0
	for i < len(m.samples) && now.Sub(m.samples[i].at) > speedWindow {
		i++
	}
	return m.samples[i:]
}

func (m *speedMeter) rate(now time.Time) float64 {
	var sum int
	for _, s := range m.prune(now) {
		sum += s.n
	}
	return float64(sum) / speedWindow.Seconds()
}
