package realtime

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/room4-2/voicetasks/audio"
	"github.com/room4-2/voicetasks/messages"
	"github.com/room4-2/voicetasks/server"
)

const testKey = "test-key"

func testLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: pslog.DebugLevel,
	})
}

type harness struct {
	srv    *server.Server
	ts     *httptest.Server
	client *Client
	conn   *server.Conn
	ctx    context.Context
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	srv := server.New(server.Options{APIKey: testKey, Log: testLogger()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	opts.Log = testLogger()
	return &harness{srv: srv, ts: ts, client: NewClient(opts), ctx: ctx}
}

func (h *harness) config() SessionConfig {
	return SessionConfig{Endpoint: h.ts.URL, APIKey: testKey, Deployment: "gpt-4o-realtime-preview"}
}

func (h *harness) connect(t *testing.T, snippet string) {
	t.Helper()
	if err := h.client.Connect(h.ctx, h.config(), snippet); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(h.client.Disconnect)
	conn, err := h.srv.Accept(h.ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	h.conn = conn
}

func (h *harness) next(t *testing.T) server.ClientEvent {
	t.Helper()
	ev, err := h.conn.Next(h.ctx)
	if err != nil {
		t.Fatalf("next client event: %v", err)
	}
	return ev
}

func TestConnectSendsSessionUpdateFirst(t *testing.T) {
	h := newHarness(t, Options{Tools: []messages.Tool{{Type: "function", Name: "listTasks", Parameters: &messages.Schema{Type: "object"}}}})
	h.connect(t, "The user currently has no tasks.")

	if h.client.State() != StateOpen {
		t.Fatalf("state = %v, want open", h.client.State())
	}
	if h.conn.Deployment != "gpt-4o-realtime-preview" || h.conn.APIVersion != DefaultAPIVersion {
		t.Fatalf("query = %q %q", h.conn.Deployment, h.conn.APIVersion)
	}

	ev := h.next(t)
	if ev.Type != messages.TypeSessionUpdate {
		t.Fatalf("first event = %q, want session.update", ev.Type)
	}
	var su messages.SessionUpdate
	if err := ev.Decode(&su); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasSuffix(su.Session.Instructions, "CURRENT CONTEXT:\nThe user currently has no tasks.") {
		t.Fatalf("instructions do not end with snippet: %q", su.Session.Instructions)
	}
	if su.Session.Voice != DefaultVoice {
		t.Fatalf("voice = %q, want %q", su.Session.Voice, DefaultVoice)
	}
	if len(su.Session.Tools) != 1 || su.Session.Tools[0].Name != "listTasks" {
		t.Fatalf("tools = %+v", su.Session.Tools)
	}
	if su.EventID == "" {
		t.Fatalf("missing event_id")
	}
}

func TestConnectGreetRequestsResponse(t *testing.T) {
	h := newHarness(t, Options{Greet: true})
	h.connect(t, "")

	if ev := h.next(t); ev.Type != messages.TypeSessionUpdate {
		t.Fatalf("first = %q", ev.Type)
	}
	if ev := h.next(t); ev.Type != messages.TypeResponseCreate {
		t.Fatalf("second = %q, want response.create", ev.Type)
	}
}

func TestConnectFailureClosesClient(t *testing.T) {
	h := newHarness(t, Options{})
	cfg := h.config()
	cfg.APIKey = "wrong"

	err := h.client.Connect(h.ctx, cfg, "")
	var cerr *ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConnectionError", err)
	}
	if cerr.Status != 401 {
		t.Fatalf("status = %d, want 401", cerr.Status)
	}
	if h.client.State() != StateClosed {
		t.Fatalf("state = %v, want closed", h.client.State())
	}
	if err := h.client.Connect(h.ctx, h.config(), ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("reconnect err = %v, want ErrClosed", err)
	}
	select {
	case <-h.client.Done():
	default:
		t.Fatalf("done not closed after failed connect")
	}
}

func TestConnectTwice(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t, "")
	if err := h.client.Connect(h.ctx, h.config(), ""); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err = %v, want ErrAlreadyConnected", err)
	}
}

func TestSendAudioBeforeOpenIsNoop(t *testing.T) {
	c := NewClient(Options{Log: testLogger()})
	c.SendAudio(audio.Frame{1, 2, 3})
	if err := c.CommitAudio(); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("commit err = %v, want ErrNotOpen", err)
	}
	if err := c.SendToolResult("c1", "x"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("tool result err = %v, want ErrNotOpen", err)
	}
	c.Disconnect()
	c.Disconnect()
	if c.State() != StateClosed {
		t.Fatalf("state = %v, want closed", c.State())
	}
}

func TestOutboundOrdering(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t, "")
	h.next(t) // session.update

	frame := audio.Frame{-32768, 0, 32767, 42}
	h.client.SendAudio(frame)
	if err := h.client.CommitAudio(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := h.client.SendToolResult("call_7", "Task deleted successfully"); err != nil {
		t.Fatalf("tool result: %v", err)
	}

	ev := h.next(t)
	if ev.Type != messages.TypeInputAudioAppend {
		t.Fatalf("got %q, want append", ev.Type)
	}
	var app messages.InputAudioAppend
	if err := ev.Decode(&app); err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, err := messages.DecodePCM(app.Audio)
	if err != nil {
		t.Fatalf("decode pcm: %v", err)
	}
	got := audio.FrameFromBytes(raw)
	for i := range frame {
		if got[i] != frame[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], frame[i])
		}
	}

	want := []string{
		messages.TypeInputAudioCommit,
		messages.TypeResponseCreate,
		messages.TypeConversationItemCreate,
		messages.TypeResponseCreate,
	}
	for _, w := range want {
		ev := h.next(t)
		if ev.Type != w {
			t.Fatalf("got %q, want %q", ev.Type, w)
		}
		if w == messages.TypeConversationItemCreate {
			var item messages.ConversationItemCreate
			ev.Decode(&item)
			if item.Item.CallID != "call_7" || item.Item.Output != "Task deleted successfully" {
				t.Fatalf("item = %+v", item.Item)
			}
		}
	}
}

type recorder struct {
	mu  sync.Mutex
	log []string
	pcm []int16
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.log = append(r.log, s)
	r.mu.Unlock()
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func TestInboundDispatchInArrivalOrder(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{}
	ev := h.client.Events()
	done := make(chan struct{})

	ev.Audio.Subscribe(func(f audio.Frame) {
		rec.mu.Lock()
		rec.pcm = append(rec.pcm, f...)
		rec.mu.Unlock()
		rec.add("audio")
	})
	ev.TranscriptDelta.Subscribe(func(d messages.TranscriptDelta) { rec.add("delta:" + d.Delta) })
	ev.UserTranscript.Subscribe(func(u messages.UserTranscript) { rec.add("user:" + u.Text) })
	ev.FunctionCall.Subscribe(func(fc messages.FunctionCall) { rec.add("call:" + fc.Name + ":" + fc.CallID) })
	ev.Interrupted.Subscribe(func(messages.SpeechStarted) { rec.add("interrupted") })
	ev.Error.Subscribe(func(e messages.ServerError) { rec.add("error:" + e.Code) })
	ev.ResponseDone.Subscribe(func(messages.ResponseDone) {
		rec.add("done")
		close(done)
	})

	h.connect(t, "")

	// 3 samples split over an odd byte boundary
	pcm := audio.Frame{100, -200, 300}.Bytes()
	h.conn.SendUserTranscript("add milk")
	h.conn.SendAudioBytes("r1", pcm[:3])
	h.conn.SendRaw([]byte(`{"type":"session.created"}`))
	h.conn.SendRaw([]byte(`not json`))
	h.conn.SendAudioBytes("r1", pcm[3:])
	h.conn.SendTranscriptDelta("r1", "Sure")
	h.conn.SendMessageItemDone("r1")
	h.conn.SendFunctionCall("r1", "call_1", "createTask", `{"title":"milk"}`)
	h.conn.SendError("rate_limited", "slow down")
	h.conn.SendSpeechStarted(10)
	h.conn.SendResponseDone("r1")

	select {
	case <-done:
	case <-h.ctx.Done():
		t.Fatalf("response.done never delivered; got %v", rec.entries())
	}

	want := []string{
		"user:add milk",
		"audio",
		"audio",
		"delta:Sure",
		"call:createTask:call_1",
		"error:rate_limited",
		"interrupted",
		"done",
	}
	got := rec.entries()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("events = %v, want %v", got, want)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.pcm) != 3 || rec.pcm[0] != 100 || rec.pcm[1] != -200 || rec.pcm[2] != 300 {
		t.Fatalf("pcm = %v, want [100 -200 300]", rec.pcm)
	}
}

func TestDisconnectPublishesCleanClose(t *testing.T) {
	h := newHarness(t, Options{})
	closes := make(chan CloseEvent, 2)
	h.client.Events().Close.Subscribe(func(e CloseEvent) { closes <- e })
	h.connect(t, "")

	h.client.Disconnect()
	h.client.Disconnect()

	select {
	case e := <-closes:
		if e.Err != nil {
			t.Fatalf("close err = %v, want nil", e.Err)
		}
	case <-h.ctx.Done():
		t.Fatalf("close event not published")
	}
	<-h.client.Done()
	if len(closes) != 0 {
		t.Fatalf("close published more than once")
	}
	if h.client.State() != StateClosed {
		t.Fatalf("state = %v", h.client.State())
	}
	h.client.SendAudio(audio.Frame{1})
}

func TestServerDropSurfacesConnectionError(t *testing.T) {
	h := newHarness(t, Options{})
	closes := make(chan CloseEvent, 1)
	h.client.Events().Close.Subscribe(func(e CloseEvent) { closes <- e })
	h.connect(t, "")

	h.conn.Drop()

	select {
	case e := <-closes:
		var cerr *ConnectionError
		if !errors.As(e.Err, &cerr) {
			t.Fatalf("close err = %v, want *ConnectionError", e.Err)
		}
	case <-h.ctx.Done():
		t.Fatalf("close event not published")
	}
}

func TestServerNormalCloseIsClean(t *testing.T) {
	h := newHarness(t, Options{})
	closes := make(chan CloseEvent, 1)
	h.client.Events().Close.Subscribe(func(e CloseEvent) { closes <- e })
	h.connect(t, "")

	h.conn.Close()

	select {
	case e := <-closes:
		if e.Err != nil {
			t.Fatalf("close err = %v, want nil", e.Err)
		}
	case <-h.ctx.Done():
		t.Fatalf("close event not published")
	}
}
