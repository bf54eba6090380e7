package session

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/room4-2/voicetasks/audio"
	"github.com/room4-2/voicetasks/messages"
	"github.com/room4-2/voicetasks/realtime"
	"github.com/room4-2/voicetasks/server"
	"github.com/room4-2/voicetasks/tasks"
	"github.com/room4-2/voicetasks/transcript"
)

const testKey = "test-key"

func testLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: pslog.DebugLevel,
	})
}

type fakeVoice struct {
	mu      sync.Mutex
	stopped bool
}

func (v *fakeVoice) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return audio.ErrAlreadyStopped
	}
	v.stopped = true
	return nil
}

// fakeDevice never finishes a buffer on its own
type fakeDevice struct {
	mu     sync.Mutex
	voices []*fakeVoice
}

func (d *fakeDevice) Now() time.Duration { return 0 }

func (d *fakeDevice) Start(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := &fakeVoice{}
	d.voices = append(d.voices, v)
	return v, nil
}

func (d *fakeDevice) Close() error { return nil }

func (d *fakeDevice) started() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.voices)
}

func (d *fakeDevice) stopped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, v := range d.voices {
		v.mu.Lock()
		if v.stopped {
			n++
		}
		v.mu.Unlock()
	}
	return n
}

type pipeSource struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeSource) Open(context.Context) (io.ReadCloser, error) {
	return p.r, nil
}

type failingCredentials struct{}

func (failingCredentials) Credentials(context.Context) (realtime.SessionConfig, error) {
	return realtime.SessionConfig{}, errors.New("token endpoint returned 500")
}

type harness struct {
	srv     *server.Server
	ts      *httptest.Server
	store   *tasks.MemoryStore
	device  *fakeDevice
	capture *pipeSource
	session *Session
	conn    *server.Conn
	ctx     context.Context
}

func newHarness(t *testing.T, seed ...tasks.Fields) *harness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	srv := server.New(server.Options{APIKey: testKey, Log: testLogger()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	h := &harness{
		srv:    srv,
		ts:     ts,
		store:  tasks.NewMemoryStore(seed...),
		device: &fakeDevice{},
		ctx:    ctx,
	}
	r, w := io.Pipe()
	h.capture = &pipeSource{r: r, w: w}

	s, err := New(Deps{
		Credentials: realtime.StaticCredentials{
			Endpoint:   ts.URL,
			APIKey:     testKey,
			Deployment: "gpt-4o-realtime-preview",
		},
		Store:    h.store,
		Capture:  h.capture,
		Playback: func() (audio.Device, error) { return h.device, nil },
		Log:      testLogger(),
	}, Options{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	h.session = s
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.session.Connect(h.ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(h.session.Disconnect)
	conn, err := h.srv.Accept(h.ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	h.conn = conn
	if _, err := conn.Expect(h.ctx, messages.TypeSessionUpdate); err != nil {
		t.Fatalf("session.update: %v", err)
	}
}

func (h *harness) expect(t *testing.T, typ string) server.ClientEvent {
	t.Helper()
	ev, err := h.conn.Expect(h.ctx, typ)
	if err != nil {
		t.Fatalf("expect %s: %v", typ, err)
	}
	return ev
}

func watch[T any](topic *realtime.Topic[T]) <-chan T {
	ch := make(chan T, 16)
	topic.Subscribe(func(v T) { ch <- v })
	return ch
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func TestConnectSendsTaskContext(t *testing.T) {
	h := newHarness(t, tasks.Fields{Title: "Buy milk", Priority: tasks.PriorityHigh})
	if err := h.session.Connect(h.ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(h.session.Disconnect)
	conn, err := h.srv.Accept(h.ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	ev, err := conn.Next(h.ctx)
	if err != nil || ev.Type != messages.TypeSessionUpdate {
		t.Fatalf("first event = %q, %v", ev.Type, err)
	}
	var su messages.SessionUpdate
	if err := ev.Decode(&su); err != nil {
		t.Fatalf("decode: %v", err)
	}
	task := h.session.Tasks()[0]
	want := "CURRENT CONTEXT:\nThe user currently has 1 tasks. Here is a summary:\n- [PENDING] Buy milk (ID: " + task.ID + ", Priority: HIGH)"
	if !strings.HasSuffix(su.Session.Instructions, want) {
		t.Fatalf("instructions = %q", su.Session.Instructions)
	}
	if len(su.Session.Tools) != 7 {
		t.Fatalf("tools = %d, want 7", len(su.Session.Tools))
	}
	if h.session.ID() == "" || !h.session.Connected() {
		t.Fatalf("session not connected")
	}
}

func TestConnectTwiceFails(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	if err := h.session.Connect(h.ctx); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnectCredentialFailure(t *testing.T) {
	s, err := New(Deps{
		Credentials: failingCredentials{},
		Store:       tasks.NewMemoryStore(),
		Log:         testLogger(),
	}, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Connect(context.Background()); err == nil {
		t.Fatalf("connect succeeded without credentials")
	}
	if s.Connected() || s.ID() != "" {
		t.Fatalf("session left connected after failure")
	}
	// a failed attempt does not block the next one
	if err := s.Connect(context.Background()); errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second attempt reported already connected")
	}
}

func TestBargeInStopsPlaybackAndDiscardsTranscript(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	interrupted := watch(&h.session.Events().Interrupted)
	done := watch(&h.session.Events().ResponseDone)
	turns := watch(h.session.Turns())

	h.conn.SendTranscriptDelta("resp_1", "Sure, here are ")
	h.conn.SendAudio("resp_1", server.Tone(440, 100))
	h.conn.SendAudio("resp_1", server.Tone(440, 100))
	h.conn.SendSpeechStarted(1200)

	receive(t, interrupted)
	if got := h.device.started(); got != 2 {
		t.Fatalf("scheduled buffers = %d, want 2", got)
	}
	if got := h.session.scheduler.Active(); got != 0 {
		t.Fatalf("active after barge-in = %d, want 0", got)
	}
	if got := h.device.stopped(); got != 2 {
		t.Fatalf("stopped buffers = %d, want 2", got)
	}
	if p := h.session.assembler.Pending(); p != "" {
		t.Fatalf("pending transcript = %q, want discarded", p)
	}

	h.conn.SendResponseDone("resp_1")
	receive(t, done)
	select {
	case turn := <-turns:
		t.Fatalf("interrupted response produced a turn: %+v", turn)
	default:
	}
}

func TestTranscriptTurns(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	turns := watch(h.session.Turns())

	h.conn.SendUserTranscript("what's on my list")
	h.conn.SendTranscriptDelta("resp_1", "You have ")
	h.conn.SendTranscriptDelta("resp_1", "no tasks.")
	h.conn.SendResponseDone("resp_1")

	user := receive(t, turns)
	assistant := receive(t, turns)
	if user.Role != transcript.RoleUser || user.Text != "what's on my list" {
		t.Fatalf("user turn = %+v", user)
	}
	if assistant.Role != transcript.RoleAssistant || assistant.Text != "You have no tasks." {
		t.Fatalf("assistant turn = %+v", assistant)
	}
	if n := len(h.session.Transcript()); n != 2 {
		t.Fatalf("transcript len = %d, want 2", n)
	}
}

func TestToolCallResultIsSent(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	calls := watch(&h.session.Events().FunctionCall)

	h.conn.SendFunctionCall("resp_1", "call_1", "createTask", `{"title":"Buy milk","priority":"LOW"}`)
	if call := receive(t, calls); call.CallID != "call_1" {
		t.Fatalf("call = %+v", call)
	}

	ev := h.expect(t, messages.TypeConversationItemCreate)
	var item messages.ConversationItemCreate
	if err := ev.Decode(&item); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if item.Item.Type != messages.ItemFunctionCallOutput || item.Item.CallID != "call_1" {
		t.Fatalf("item = %+v", item.Item)
	}
	if !strings.HasPrefix(item.Item.Output, "Created task with ID ") {
		t.Fatalf("output = %q", item.Item.Output)
	}
	h.expect(t, messages.TypeResponseCreate)

	list, _ := h.store.List(h.ctx, tasks.Filter{})
	if len(list) != 1 || list[0].Title != "Buy milk" || list[0].Priority != tasks.PriorityLow {
		t.Fatalf("store = %+v", list)
	}
	if len(h.session.Tasks()) != 1 {
		t.Fatalf("cache not refreshed")
	}
}

func TestToolCallsRunInOrder(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.conn.SendFunctionCall("resp_1", "call_1", "createTask", `{"title":"a"}`)
	h.conn.SendFunctionCall("resp_1", "call_2", "undo", `{}`)

	var outputs []string
	for len(outputs) < 2 {
		ev := h.expect(t, messages.TypeConversationItemCreate)
		var item messages.ConversationItemCreate
		if err := ev.Decode(&item); err != nil {
			t.Fatalf("decode: %v", err)
		}
		outputs = append(outputs, item.Item.CallID+"="+item.Item.Output)
	}
	if !strings.HasPrefix(outputs[0], "call_1=Created task") {
		t.Fatalf("first output = %q", outputs[0])
	}
	if outputs[1] != `call_2=Undid creation of "a".` {
		t.Fatalf("second output = %q", outputs[1])
	}
}

func floatBlock(value float32) []byte {
	out := make([]byte, audio.FrameSamples*4)
	for i := 0; i < audio.FrameSamples; i++ {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(value))
	}
	return out
}

func TestRecordingStreamsAndCommits(t *testing.T) {
	h := newHarness(t)
	if err := h.session.StartRecording(h.ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	h.connect(t)

	go h.capture.w.Write(floatBlock(0.5))
	recording, err := h.session.ToggleRecording(h.ctx)
	if err != nil || !recording {
		t.Fatalf("toggle on = %v, %v", recording, err)
	}

	ev := h.expect(t, messages.TypeInputAudioAppend)
	var m messages.InputAudioAppend
	if err := ev.Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	pcm, err := messages.DecodePCM(m.Audio)
	if err != nil {
		t.Fatalf("pcm: %v", err)
	}
	if len(pcm) != audio.FrameSamples*audio.BytesPerSample {
		t.Fatalf("appended %d bytes, want one frame", len(pcm))
	}

	recording, err = h.session.ToggleRecording(h.ctx)
	if err != nil || recording {
		t.Fatalf("toggle off = %v, %v", recording, err)
	}
	h.expect(t, messages.TypeInputAudioCommit)
	h.expect(t, messages.TypeResponseCreate)
	if h.session.Recording() {
		t.Fatalf("still recording")
	}
}

func TestServerCloseTearsDownAndAllowsReconnect(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	closed := watch(&h.session.Events().Close)
	first := h.session.ID()

	h.conn.SendAudio("resp_1", server.Tone(440, 50))
	h.conn.Close()

	ev := receive(t, closed)
	if ev.Err != nil {
		t.Fatalf("close err = %v, want clean", ev.Err)
	}
	select {
	case <-h.session.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session not torn down")
	}
	if h.session.Connected() || h.session.ID() != "" {
		t.Fatalf("session still connected")
	}
	if h.session.scheduler.Active() != 0 {
		t.Fatalf("playback not released")
	}

	h.connect(t)
	if h.session.ID() == first {
		t.Fatalf("reconnect reused session id")
	}
}

func TestDisconnectPublishesClose(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	closed := watch(&h.session.Events().Close)
	done := h.session.Done()

	h.session.Disconnect()
	if ev := receive(t, closed); ev.Err != nil {
		t.Fatalf("close err = %v", ev.Err)
	}
	<-done
	h.session.Disconnect()
}
