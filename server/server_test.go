// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package server_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/datashare"
	"github.com/creachadair/datashare/server"
	"github.com/creachadair/datashare/source"
	"github.com/google/go-cmp/cmp"
)

// recorder is a datashare.Sender that remembers what it was asked to send.
type recorder struct {
	μ    sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	To   datashare.HostID
	Msg  datashare.Message
	Data string
}

func (r *recorder) Send(_ context.Context, to datashare.HostID, msg datashare.Message, data []byte) error {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.sent = append(r.sent, sentMsg{To: to, Msg: msg, Data: string(data)})
	return nil
}

func (r *recorder) reset() []sentMsg {
	r.μ.Lock()
	defer r.μ.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

// chunk is a condensed RequestReply for comparisons.
type chunk struct {
	Mark  datashare.Mark
	Err   datashare.Code
	Range datashare.Range
	Data  string
}

func chunksOf(msgs []sentMsg) []chunk {
	var out []chunk
	for _, m := range msgs {
		if rr, ok := m.Msg.(*datashare.RequestReply); ok {
			out = append(out, chunk{Mark: rr.Mark, Err: rr.Err, Range: rr.Range, Data: m.Data})
		}
	}
	return out
}

func only[T datashare.Message](msgs []sentMsg) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.Msg.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

var textPlain = datashare.Description{Mime: "text/plain", Storage: "memory"}

var errBadDisk = errors.New("bad disk")

// fakeSource is a ready source whose reads are scripted.
type fakeSource struct {
	data   string
	size   int64 // the size reported, which need not match data
	failAt int64 // if positive, reads that extend past this offset fail
	stall  bool  // if true, no data are ever available
}

func (f *fakeSource) Ready() bool                        { return true }
func (f *fakeSource) Size() int64                        { return f.size }
func (f *fakeSource) Err() error                         { return nil }
func (f *fakeSource) Description() datashare.Description { return textPlain }

func (f *fakeSource) ReadRange(r datashare.Range) ([]byte, error) {
	switch {
	case f.stall:
		return nil, nil
	case f.failAt > 0 && r.To > f.failAt:
		return nil, errBadDisk
	case r.To > int64(len(f.data)):
		return []byte(f.data[min(r.From, int64(len(f.data))):]), io.EOF
	}
	return []byte(f.data[r.From:r.To]), nil
}

func newServer(t *testing.T, opts *server.Options) (*server.Server, *recorder) {
	t.Helper()
	rec := new(recorder)
	if opts == nil {
		opts = &server.Options{Permissions: server.AllowAll}
	}
	return server.New(rec, opts), rec
}

func TestShareErrors(t *testing.T) {
	srv, _ := newServer(t, nil)
	defer srv.Close()

	if err := srv.ShareBytes("report", []byte("x"), textPlain); err != nil {
		t.Fatalf("ShareBytes: unexpected error: %v", err)
	}
	tests := []struct {
		name string
		err  error
		want datashare.Code
	}{
		{"Duplicate", srv.ShareBytes("report", nil, textPlain), datashare.ExistsAlready},
		{"Nested", srv.ShareBytes("a/b", nil, textPlain), datashare.NotSupported},
		{"Empty", srv.ShareBytes("/", nil, textPlain), datashare.InvalidArgument},
		{"UpdateUnknown", srv.UpdateBytes("nonesuch", nil, textPlain), datashare.NotFound},
		{"UnShareUnknown", srv.UnShare("nonesuch"), datashare.NotFound},
		{"SharedPathUnknown", func() error { _, err := srv.SharedPath("nonesuch"); return err }(), datashare.NotFound},
		{"CancelUnknown", srv.CancelTransfer(999), datashare.NotFound},
	}
	for _, tc := range tests {
		if !errors.Is(tc.err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, tc.err, tc.want)
		}
	}

	// A resource shared without content starts at revision 0.
	if err := srv.Share("later", nil); err != nil {
		t.Fatalf("Share nil: unexpected error: %v", err)
	}
	info, err := srv.SharedPath("later")
	if err != nil {
		t.Fatalf("SharedPath: unexpected error: %v", err)
	}
	if diff := cmp.Diff(server.Info{Revision: 0, Size: -1}, info); diff != "" {
		t.Errorf("Info (-want, +got):\n%s", diff)
	}
}

func TestPlainRequest(t *testing.T) {
	srv, rec := newServer(t, nil)
	defer srv.Close()
	if err := srv.ShareBytes("report", []byte("HelloWorld"), textPlain); err != nil {
		t.Fatalf("ShareBytes: unexpected error: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name string
		req  datashare.Request
		want datashare.RequestReply
		data string
	}{
		{"Whole", datashare.Request{ID: 1, Path: "report"},
			datashare.RequestReply{ID: 1, Path: "report", Description: textPlain, Revision: 1}, "HelloWorld"},
		{"Range", datashare.Request{ID: 2, Path: "report", Range: datashare.Range{From: 2, To: 5}},
			datashare.RequestReply{ID: 2, Path: "report", Description: textPlain, Revision: 1,
				Range: datashare.Range{From: 2, To: 5}}, "llo"},
		{"User", datashare.Request{ID: 3, Path: "report", User: "memo"},
			datashare.RequestReply{ID: 3, Path: "report", Revision: 1,
				Description: datashare.Description{Mime: "text/plain", Storage: "memory", User: "memo"}}, "HelloWorld"},
		{"Revision", datashare.Request{ID: 4, Path: "report", Revision: 1},
			datashare.RequestReply{ID: 4, Path: "report", Description: textPlain, Revision: 1}, "HelloWorld"},
		{"BadRange", datashare.Request{ID: 5, Path: "report", Range: datashare.Range{From: 5, To: 20}},
			datashare.RequestReply{ID: 5, Path: "report", Err: datashare.InvalidArgument,
				Range: datashare.Range{From: 5, To: 20}}, ""},
		{"BadRevision", datashare.Request{ID: 6, Path: "report", Revision: 7},
			datashare.RequestReply{ID: 6, Path: "report", Err: datashare.RevisionNotFound}, ""},
		{"NotFound", datashare.Request{ID: 7, Path: "nonesuch"},
			datashare.RequestReply{ID: 7, Path: "nonesuch", Err: datashare.NotFound}, ""},
		{"SubPath", datashare.Request{ID: 8, Path: "report/x"},
			datashare.RequestReply{ID: 8, Path: "report/x", Err: datashare.NotFound}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			srv.HandleMessage(ctx, "B", &req, nil)
			got := rec.reset()
			if len(got) != 1 {
				t.Fatalf("Got %d messages, want 1: %+v", len(got), got)
			}
			if got[0].To != "B" {
				t.Errorf("Reply to %q, want B", got[0].To)
			}
			if diff := cmp.Diff(&tc.want, got[0].Msg); diff != "" {
				t.Errorf("Reply (-want, +got):\n%s", diff)
			}
			if got[0].Data != tc.data {
				t.Errorf("Data: got %q, want %q", got[0].Data, tc.data)
			}
		})
	}
}

func TestNoPermission(t *testing.T) {
	srv, rec := newServer(t, &server.Options{
		Permissions: server.PermissionFunc(func(host datashare.HostID, _ datashare.Path) bool {
			return host == "friend"
		}),
	})
	defer srv.Close()
	srv.ShareBytes("report", []byte("secret"), textPlain)

	ctx := context.Background()
	srv.HandleMessage(ctx, "stranger", &datashare.Request{ID: 1, Path: "report", Mark: datashare.Transmission}, nil)
	srv.HandleMessage(ctx, "stranger", &datashare.Subscribe{ID: 2, Path: "report"}, nil)

	got := rec.reset()
	if rr := only[*datashare.RequestReply](got); len(rr) != 1 || rr[0].Err != datashare.NoPerm {
		t.Errorf("Request reply: got %+v, want NoPerm", rr)
	}
	if sr := only[*datashare.SubscribeReply](got); len(sr) != 1 || sr[0].Err != datashare.NoPerm {
		t.Errorf("Subscribe reply: got %+v, want NoPerm", sr)
	}
	if ts := srv.Transmissions(); len(ts) != 0 {
		t.Errorf("Transmissions: got %+v, want none", ts)
	}
	if info, _ := srv.SharedPath("report"); len(info.Subscribers) != 0 {
		t.Errorf("Subscribers: got %v, want none", info.Subscribers)
	}

	// With no permission checker at all, everything is denied.
	def, rec2 := newServer(t, &server.Options{})
	defer def.Close()
	def.ShareBytes("report", []byte("x"), textPlain)
	def.HandleMessage(ctx, "friend", &datashare.Request{ID: 1, Path: "report"}, nil)
	if rr := only[*datashare.RequestReply](rec2.reset()); len(rr) != 1 || rr[0].Err != datashare.NoPerm {
		t.Errorf("Default permissions: got %+v, want NoPerm", rr)
	}
}

func TestTransmission(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		srv, rec := newServer(t, &server.Options{Permissions: server.AllowAll, ChunkSize: 4})
		defer srv.Close()

		var μ sync.Mutex
		var marks []datashare.Mark
		src := source.WithProgress(source.NewBytes([]byte("HelloWorld"), textPlain), func(_ uint64, p source.Progress) {
			μ.Lock()
			defer μ.Unlock()
			marks = append(marks, p.Mark)
		})
		srv.ShareSource("report", src)

		srv.HandleMessage(t.Context(), "B", &datashare.Request{ID: 5, Path: "report", Mark: datashare.Transmission}, nil)
		synctest.Wait()

		want := []chunk{
			{Mark: datashare.TransmissionStart, Range: datashare.Range{From: 0, To: 10}},
			{Mark: datashare.Transmission, Range: datashare.Range{From: 0, To: 4}, Data: "Hell"},
			{Mark: datashare.Transmission, Range: datashare.Range{From: 4, To: 8}, Data: "oWor"},
			{Mark: datashare.TransmissionFinish, Range: datashare.Range{From: 8, To: 10}, Data: "ld"},
		}
		if diff := cmp.Diff(want, chunksOf(rec.reset())); diff != "" {
			t.Errorf("Replies (-want, +got):\n%s", diff)
		}
		if ts := srv.Transmissions(); len(ts) != 0 {
			t.Errorf("Transmissions after finish: %+v", ts)
		}

		μ.Lock()
		defer μ.Unlock()
		wantMarks := []datashare.Mark{
			datashare.TransmissionStart, datashare.Transmission, datashare.Transmission, datashare.TransmissionFinish,
		}
		if diff := cmp.Diff(wantMarks, marks); diff != "" {
			t.Errorf("Progress marks (-want, +got):\n%s", diff)
		}
	})
}

func TestTransmissionRange(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		srv, rec := newServer(t, &server.Options{Permissions: server.AllowAll, ChunkSize: 4})
		defer srv.Close()
		srv.ShareBytes("report", []byte("HelloWorld"), textPlain)
		srv.ShareBytes("empty", nil, textPlain)

		ctx := t.Context()
		srv.HandleMessage(ctx, "B", &datashare.Request{
			ID: 1, Path: "report", Mark: datashare.Transmission, Range: datashare.Range{From: 3, To: 8},
		}, nil)
		synctest.Wait()
		want := []chunk{
			{Mark: datashare.TransmissionStart, Range: datashare.Range{From: 3, To: 8}},
			{Mark: datashare.Transmission, Range: datashare.Range{From: 3, To: 7}, Data: "loWo"},
			{Mark: datashare.TransmissionFinish, Range: datashare.Range{From: 7, To: 8}, Data: "r"},
		}
		if diff := cmp.Diff(want, chunksOf(rec.reset())); diff != "" {
			t.Errorf("Ranged replies (-want, +got):\n%s", diff)
		}

		srv.HandleMessage(ctx, "B", &datashare.Request{
			ID: 2, Path: "report", Mark: datashare.Transmission, Range: datashare.Range{From: 3, To: 80},
		}, nil)
		synctest.Wait()
		want = []chunk{{Mark: datashare.TransmissionCancel, Err: datashare.InvalidArgument, Range: datashare.Range{From: 3, To: 80}}}
		if diff := cmp.Diff(want, chunksOf(rec.reset())); diff != "" {
			t.Errorf("Invalid range (-want, +got):\n%s", diff)
		}

		// An empty source is sent as a single empty chunk.
		srv.HandleMessage(ctx, "B", &datashare.Request{ID: 3, Path: "empty", Mark: datashare.Transmission}, nil)
		synctest.Wait()
		want = []chunk{
			{Mark: datashare.TransmissionStart},
			{Mark: datashare.TransmissionFinish},
		}
		if diff := cmp.Diff(want, chunksOf(rec.reset())); diff != "" {
			t.Errorf("Empty source (-want, +got):\n%s", diff)
		}
	})
}

func TestTransmissionDeferred(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		srv, rec := newServer(t, &server.Options{
			Permissions: server.AllowAll, ChunkSize: 4, IdleTimeout: 2 * time.Second,
		})
		defer srv.Close()
		src := source.NewDeferred(textPlain)
		srv.ShareSource("later", src)

		// Waiting on a source that is not ready does not count as idle, so the
		// transmission outlives the idle timeout.
		srv.HandleMessage(t.Context(), "B", &datashare.Request{ID: 1, Path: "later", Mark: datashare.Transmission}, nil)
		time.Sleep(3 * time.Second)
		synctest.Wait()

		// Until the source resolves, only the start is sent, with an unknown end.
		want := []chunk{{Mark: datashare.TransmissionStart, Range: datashare.Range{From: 0, To: -1}}}
		if diff := cmp.Diff(want, chunksOf(rec.reset())); diff != "" {
			t.Errorf("Before resolve (-want, +got):\n%s", diff)
		}
		if ts := srv.Transmissions(); len(ts) != 1 {
			t.Errorf("Transmissions: got %d, want 1", len(ts))
		}

		src.Resolve([]byte("abcdef"))
		time.Sleep(time.Second)
		synctest.Wait()

		want = []chunk{
			{Mark: datashare.Transmission, Range: datashare.Range{From: 0, To: 4}, Data: "abcd"},
			{Mark: datashare.TransmissionFinish, Range: datashare.Range{From: 4, To: 6}, Data: "ef"},
		}
		if diff := cmp.Diff(want, chunksOf(rec.reset())); diff != "" {
			t.Errorf("After resolve (-want, +got):\n%s", diff)
		}
		if ts := srv.Transmissions(); len(ts) != 0 {
			t.Errorf("Transmissions after finish: %+v", ts)
		}
	})
}

func TestTransmissionPipe(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		srv, rec := newServer(t, &server.Options{Permissions: server.AllowAll, ChunkSize: 4})
		defer srv.Close()
		pr, pw := io.Pipe()
		defer pw.Close()
		srv.ShareSource("feed", source.NewPipe(pr, textPlain))

		srv.HandleMessage(t.Context(), "B", &datashare.Request{ID: 1, Path: "feed", Mark: datashare.Transmission}, nil)
		pw.Write([]byte("ab"))
		time.Sleep(time.Second)
		synctest.Wait()

		// A partial chunk is held back while the pipe is open.
		want := []chunk{{Mark: datashare.TransmissionStart, Range: datashare.Range{From: 0, To: -1}}}
		if diff := cmp.Diff(want, chunksOf(rec.reset())); diff != "" {
			t.Errorf("Partial (-want, +got):\n%s", diff)
		}

		pw.Write([]byte("cdef"))
		time.Sleep(time.Second)
		synctest.Wait()
		want = []chunk{{Mark: datashare.Transmission, Range: datashare.Range{From: 0, To: 4}, Data: "abcd"}}
		if diff := cmp.Diff(want, chunksOf(rec.reset())); diff != "" {
			t.Errorf("Full chunk (-want, +got):\n%s", diff)
		}

		pw.Close()
		time.Sleep(time.Second)
		synctest.Wait()
		want = []chunk{{Mark: datashare.TransmissionFinish, Range: datashare.Range{From: 4, To: 6}, Data: "ef"}}
		if diff := cmp.Diff(want, chunksOf(rec.reset())); diff != "" {
			t.Errorf("After close (-want, +got):\n%s", diff)
		}
	})
}

func TestTransmissionShortSource(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		srv, rec := newServer(t, &server.Options{Permissions: server.AllowAll, ChunkSize: 4})
		defer srv.Close()

		// The source claims more data than it has, and ends early.
		srv.ShareSource("short", &fakeSource{data: "HelloWorld", size: 100})
		srv.HandleMessage(t.Context(), "B", &datashare.Request{ID: 1, Path: "short", Mark: datashare.Transmission}, nil)
		synctest.Wait()
		want := []chunk{
			{Mark: datashare.TransmissionStart, Range: datashare.Range{From: 0, To: 100}},
			{Mark: datashare.Transmission, Range: datashare.Range{From: 0, To: 4}, Data: "Hell"},
			{Mark: datashare.Transmission, Range: datashare.Range{From: 4, To: 8}, Data: "oWor"},
			{Mark: datashare.TransmissionFinish, Range: datashare.Range{From: 8, To: 10}, Data: "ld"},
		}
		if diff := cmp.Diff(want, chunksOf(rec.reset())); diff != "" {
			t.Errorf("Short source (-want, +got):\n%s", diff)
		}
		if ts := srv.Transmissions(); len(ts) != 0 {
			t.Errorf("Transmissions after finish: %+v", ts)
		}
	})
}

func TestTransmissionReadError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		srv, rec := newServer(t, &server.Options{Permissions: server.AllowAll, ChunkSize: 4})
		defer srv.Close()

		srv.ShareSource("flaky", &fakeSource{data: "HelloWorld", size: 10, failAt: 4})
		srv.HandleMessage(t.Context(), "B", &datashare.Request{ID: 1, Path: "flaky", Mark: datashare.Transmission}, nil)
		synctest.Wait()
		want := []chunk{
			{Mark: datashare.TransmissionStart, Range: datashare.Range{From: 0, To: 10}},
			{Mark: datashare.Transmission, Range: datashare.Range{From: 0, To: 4}, Data: "Hell"},
			{Mark: datashare.TransmissionCancel, Err: datashare.ReadError},
		}
		if diff := cmp.Diff(want, chunksOf(rec.reset())); diff != "" {
			t.Errorf("Read error (-want, +got):\n%s", diff)
		}
		if ts := srv.Transmissions(); len(ts) != 0 {
			t.Errorf("Transmissions after read error: %+v", ts)
		}
	})
}

func TestTransmissionCancel(t *testing.T) {
	start := func(t *testing.T, opts *server.Options) (*server.Server, *recorder) {
		t.Helper()
		srv, rec := newServer(t, opts)
		srv.ShareSource("later", source.NewDeferred(textPlain))
		srv.HandleMessage(t.Context(), "B", &datashare.Request{ID: 9, Path: "later", Mark: datashare.Transmission}, nil)
		synctest.Wait()
		if ts := srv.Transmissions(); len(ts) != 1 {
			t.Fatalf("Transmissions: got %d, want 1", len(ts))
		}
		rec.reset()
		return srv, rec
	}
	check := func(t *testing.T, srv *server.Server, rec *recorder, want []chunk) {
		t.Helper()
		synctest.Wait()
		if diff := cmp.Diff(want, chunksOf(rec.reset())); diff != "" {
			t.Errorf("Replies (-want, +got):\n%s", diff)
		}
		if ts := srv.Transmissions(); len(ts) != 0 {
			t.Errorf("Transmissions after cancel: %+v", ts)
		}
	}

	t.Run("Remote", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			srv, rec := start(t, nil)
			defer srv.Close()

			// A cancel from another host does not match.
			srv.HandleMessage(t.Context(), "C", &datashare.Request{ID: 9, Path: "later", Mark: datashare.TransmissionCancel}, nil)
			synctest.Wait()
			if ts := srv.Transmissions(); len(ts) != 1 {
				t.Errorf("Transmissions after foreign cancel: got %d, want 1", len(ts))
			}

			srv.HandleMessage(t.Context(), "B", &datashare.Request{ID: 9, Path: "later", Mark: datashare.TransmissionCancel}, nil)
			check(t, srv, rec, nil)
		})
	})
	t.Run("Admin", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			srv, rec := start(t, nil)
			defer srv.Close()
			if err := srv.CancelTransfer(srv.Transmissions()[0].ID); err != nil {
				t.Fatalf("CancelTransfer: unexpected error: %v", err)
			}
			check(t, srv, rec, []chunk{{Mark: datashare.TransmissionCancel, Err: datashare.Canceled}})
		})
	})
	t.Run("Offline", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			srv, rec := start(t, nil)
			defer srv.Close()
			srv.PeerOffline("B")
			check(t, srv, rec, nil)
		})
	})
	t.Run("Idle", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			srv, rec := newServer(t, &server.Options{Permissions: server.AllowAll, IdleTimeout: 2 * time.Second})
			defer srv.Close()

			// The source is ready but never produces anything.
			srv.ShareSource("stuck", &fakeSource{stall: true, size: -1})
			srv.HandleMessage(t.Context(), "B", &datashare.Request{ID: 9, Path: "stuck", Mark: datashare.Transmission}, nil)
			synctest.Wait()
			if ts := srv.Transmissions(); len(ts) != 1 {
				t.Fatalf("Transmissions: got %d, want 1", len(ts))
			}
			rec.reset()
			time.Sleep(3 * time.Second)
			check(t, srv, rec, []chunk{{Mark: datashare.TransmissionCancel, Err: datashare.TimeOut}})
		})
	})
	t.Run("Close", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			srv, rec := start(t, nil)
			srv.Close()
			check(t, srv, rec, []chunk{{Mark: datashare.TransmissionCancel, Err: datashare.Canceled}})
		})
	})
}

func TestSubscribe(t *testing.T) {
	srv, rec := newServer(t, nil)
	defer srv.Close()
	srv.ShareBytes("report", []byte("v1"), textPlain)
	ctx := context.Background()

	srv.HandleMessage(ctx, "B", &datashare.Subscribe{ID: 1, Path: "report"}, nil)
	srv.HandleMessage(ctx, "C", &datashare.Subscribe{ID: 1, Path: "report"}, nil)
	srv.HandleMessage(ctx, "B", &datashare.Subscribe{ID: 2, Path: "nonesuch"}, nil)

	wantReplies := []*datashare.SubscribeReply{
		{ID: 1, Path: "report", Description: textPlain},
		{ID: 1, Path: "report", Description: textPlain},
		{ID: 2, Path: "nonesuch", Err: datashare.NotFound},
	}
	if diff := cmp.Diff(wantReplies, only[*datashare.SubscribeReply](rec.reset())); diff != "" {
		t.Errorf("Subscribe replies (-want, +got):\n%s", diff)
	}
	info, err := srv.SharedPath("report")
	if err != nil {
		t.Fatalf("SharedPath: unexpected error: %v", err)
	}
	if diff := cmp.Diff(server.Info{Revision: 1, Size: 2, Subscribers: []datashare.HostID{"B", "C"}}, info); diff != "" {
		t.Errorf("Info (-want, +got):\n%s", diff)
	}

	// An update notifies every subscriber with the new revision.
	if err := srv.UpdateBytes("report", []byte("version2"), textPlain); err != nil {
		t.Fatalf("UpdateBytes: unexpected error: %v", err)
	}
	got := rec.reset()
	for _, m := range got {
		want := &datashare.Notify{Path: "report", Revision: 2, Size: 8}
		if diff := cmp.Diff(want, m.Msg); diff != "" {
			t.Errorf("Notify to %q (-want, +got):\n%s", m.To, diff)
		}
	}
	if len(got) != 2 {
		t.Errorf("Got %d notifications, want 2", len(got))
	}

	// A cancel mark unsubscribes without a reply.
	srv.HandleMessage(ctx, "C", &datashare.Subscribe{ID: 3, Path: "report", Mark: datashare.SubscriptionCancel}, nil)
	if got := rec.reset(); len(got) != 0 {
		t.Errorf("Unsubscribe sent %+v, want nothing", got)
	}

	// Withdrawing the share cancels the remaining subscriptions.
	if err := srv.UnShare("report"); err != nil {
		t.Fatalf("UnShare: unexpected error: %v", err)
	}
	got = rec.reset()
	if len(got) != 1 || got[0].To != "B" {
		t.Fatalf("UnShare sent %+v, want one message to B", got)
	}
	if n, ok := got[0].Msg.(*datashare.Notify); !ok || n.Mark != datashare.SubscriptionCancel {
		t.Errorf("UnShare sent %v, want subscription cancel", got[0].Msg)
	}
	if s := srv.Shared(); len(s) != 0 {
		t.Errorf("Shared after UnShare: %v", s)
	}

	// The withdrawn path is no longer served.
	srv.HandleMessage(ctx, "B", &datashare.Request{ID: 9, Path: "report"}, nil)
	wantReply := []*datashare.RequestReply{{ID: 9, Path: "report", Err: datashare.NotFound}}
	if diff := cmp.Diff(wantReply, only[*datashare.RequestReply](rec.reset())); diff != "" {
		t.Errorf("Request after UnShare (-want, +got):\n%s", diff)
	}
}

func TestPeerOfflineSubscribers(t *testing.T) {
	srv, _ := newServer(t, nil)
	defer srv.Close()
	srv.ShareBytes("a", nil, textPlain)
	srv.ShareBytes("b", nil, textPlain)
	ctx := context.Background()
	for _, host := range []datashare.HostID{"B", "C"} {
		srv.HandleMessage(ctx, host, &datashare.Subscribe{ID: 1, Path: "a"}, nil)
		srv.HandleMessage(ctx, host, &datashare.Subscribe{ID: 2, Path: "b"}, nil)
	}

	srv.PeerOffline("B")
	for path, info := range srv.Shared() {
		if diff := cmp.Diff([]datashare.HostID{"C"}, info.Subscribers); diff != "" {
			t.Errorf("Subscribers of %q (-want, +got):\n%s", path, diff)
		}
	}
}

type pushFunc func(*datashare.Push, []byte) datashare.Code

func (f pushFunc) HandlePush(_ context.Context, _ datashare.HostID, p *datashare.Push, data []byte) datashare.Code {
	return f(p, data)
}

func TestPush(t *testing.T) {
	ctx := context.Background()
	push := &datashare.Push{ID: 4, Path: "inbox", Revision: 1}

	t.Run("Default", func(t *testing.T) {
		srv, rec := newServer(t, nil)
		defer srv.Close()
		srv.HandleMessage(ctx, "B", push, []byte("data"))
		want := []*datashare.PushReply{{ID: 4, Path: "inbox", Err: datashare.NotSupported}}
		if diff := cmp.Diff(want, only[*datashare.PushReply](rec.reset())); diff != "" {
			t.Errorf("Reply (-want, +got):\n%s", diff)
		}
	})
	t.Run("Handler", func(t *testing.T) {
		var got string
		srv, rec := newServer(t, &server.Options{
			Pusher: pushFunc(func(_ *datashare.Push, data []byte) datashare.Code {
				got = string(data)
				return datashare.OK
			}),
		})
		defer srv.Close()
		srv.HandleMessage(ctx, "B", push, []byte("data"))
		want := []*datashare.PushReply{{ID: 4, Path: "inbox"}}
		if diff := cmp.Diff(want, only[*datashare.PushReply](rec.reset())); diff != "" {
			t.Errorf("Reply (-want, +got):\n%s", diff)
		}
		if got != "data" {
			t.Errorf("Pushed data: got %q, want data", got)
		}
	})
}

func TestShutdown(t *testing.T) {
	srv, rec := newServer(t, nil)
	defer srv.Close()
	srv.ShareBytes("a", nil, textPlain)
	srv.ShareBytes("b", nil, textPlain)
	srv.HandleMessage(context.Background(), "B", &datashare.Subscribe{ID: 1, Path: "a"}, nil)
	rec.reset()

	srv.Shutdown()
	if s := srv.Shared(); len(s) != 0 {
		t.Errorf("Shared after Shutdown: %v", s)
	}
	notes := only[*datashare.Notify](rec.reset())
	if len(notes) != 1 || notes[0].Mark != datashare.SubscriptionCancel || notes[0].Path != "a" {
		t.Errorf("Shutdown notifications: got %+v, want one cancel for a", notes)
	}

	// The server is still usable after Shutdown.
	if err := srv.ShareBytes("a", nil, textPlain); err != nil {
		t.Errorf("ShareBytes after Shutdown: %v", err)
	}
}
