package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/room4-2/voicetasks/audio"
	"github.com/room4-2/voicetasks/functions"
	"github.com/room4-2/voicetasks/messages"
	"github.com/room4-2/voicetasks/ranking"
	"github.com/room4-2/voicetasks/realtime"
	"github.com/room4-2/voicetasks/tasks"
	"github.com/room4-2/voicetasks/transcript"
)

const (
	loopBufferSize = 256
	callBufferSize = 16
)

var (
	ErrNotConnected     = errors.New("session is not connected")
	ErrAlreadyConnected = errors.New("session already connected")
)

// Deps are the collaborators a session drives
type Deps struct {
	Credentials realtime.CredentialSource
	Store       tasks.Store
	// Ranker backs semanticSearch. Nil means keyword matching.
	Ranker ranking.Ranker
	// Capture is the microphone. Nil disables recording.
	Capture audio.Source
	// Playback opens the speaker on first use. Nil discards assistant audio.
	Playback audio.DeviceOpener
	// Registry is optional
	Registry *Registry
	Log      pslog.Logger
}

// Options tune a session
type Options struct {
	Voice string
	// Greet makes the assistant speak first after connecting
	Greet bool
	// StoreTimeout bounds each task store call. Zero means no deadline.
	StoreTimeout time.Duration
	Dialer       *websocket.Dialer
}

// Session coordinates one voice conversation: the realtime connection, the
// microphone, the speaker, the transcript and tool execution.
type Session struct {
	deps Deps
	opts Options
	log  pslog.Logger

	cache      *tasks.Cache
	dispatcher *functions.Dispatcher
	assembler  *transcript.Assembler
	scheduler  *audio.Scheduler
	recorder   *audio.Recorder

	events realtime.Events
	turns  realtime.Topic[transcript.Turn]

	mu   sync.Mutex
	link *link
}

// link is the state of one connection. Its loop goroutine owns transcript
// and playback routing; its worker runs tool calls one at a time.
type link struct {
	id     string
	client *realtime.Client
	log    pslog.Logger
	unsubs []func()

	loop  chan func()
	calls chan messages.FunctionCall
	stop  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a disconnected session
func New(deps Deps, opts Options) (*Session, error) {
	if deps.Credentials == nil {
		return nil, errors.New("session: credentials are required")
	}
	if deps.Store == nil {
		return nil, errors.New("session: task store is required")
	}
	log := deps.Log
	if log == nil {
		log = pslog.Ctx(context.Background())
	}

	cache := tasks.NewCache()
	dispatcher, err := functions.NewDispatcher(deps.Store, cache, deps.Ranker, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	s := &Session{
		deps:       deps,
		opts:       opts,
		log:        log,
		cache:      cache,
		dispatcher: dispatcher,
	}
	s.assembler = transcript.NewAssembler(s.turns.Publish)

	open := deps.Playback
	if open == nil {
		open = audio.FFPlayOptions{Silent: true, Log: log}.Opener()
	}
	s.scheduler = audio.NewScheduler(open, log)

	if deps.Capture != nil {
		s.recorder = audio.NewRecorder(deps.Capture, s.sendFrame, log)
	}
	return s, nil
}

// Events returns the session-level event topics. Subscriptions survive
// reconnects.
func (s *Session) Events() *realtime.Events {
	return &s.events
}

// Turns publishes every finalized transcript turn
func (s *Session) Turns() *realtime.Topic[transcript.Turn] {
	return &s.turns
}

// Transcript returns the finalized turns so far
func (s *Session) Transcript() []transcript.Turn {
	return s.assembler.Turns()
}

// Tasks returns the locally cached task list
func (s *Session) Tasks() []tasks.Task {
	return s.cache.Snapshot()
}

// ID returns the current connection's session id, or "" when disconnected
func (s *Session) ID() string {
	if l := s.current(); l != nil {
		return l.id
	}
	return ""
}

// Connected reports whether a connection is live
func (s *Session) Connected() bool {
	l := s.current()
	return l != nil && l.client.State() == realtime.StateOpen
}

func (s *Session) current() *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Connect fetches credentials, loads the task list, and opens the realtime
// session with the task summary as context.
func (s *Session) Connect(ctx context.Context) error {
	id := uuid.New().String()
	log := s.log.With("session", id[:8])

	l := &link{
		id:    id,
		log:   log,
		loop:  make(chan func(), loopBufferSize),
		calls: make(chan messages.FunctionCall, callBufferSize),
		stop:  make(chan struct{}),
	}
	l.client = realtime.NewClient(realtime.Options{
		Voice:  s.opts.Voice,
		Greet:  s.opts.Greet,
		Tools:  functions.Declarations(),
		Dialer: s.opts.Dialer,
		Log:    log,
	})

	s.mu.Lock()
	if s.link != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.link = l
	s.mu.Unlock()

	fail := func(err error) error {
		s.release(l)
		close(l.stop)
		return err
	}

	cfg, err := s.deps.Credentials.Credentials(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to get realtime credentials: %w", err))
	}

	s.refreshCache(ctx, log)
	snippet := ContextSnippet(s.cache.Snapshot())

	s.subscribe(l)

	log.Info("connecting session", "tasks", s.cache.Len())
	if err := l.client.Connect(ctx, cfg, snippet); err != nil {
		for _, unsub := range l.unsubs {
			unsub()
		}
		return fail(err)
	}

	l.ctx, l.cancel = context.WithCancel(context.Background())
	go s.runLoop(l)
	go s.runWorker(l)

	s.deps.Registry.Open(ctx, id, Record{Deployment: cfg.Deployment, Voice: s.opts.Voice})
	log.Info("session established")
	return nil
}

func (s *Session) refreshCache(ctx context.Context, log pslog.Logger) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	list, err := s.deps.Store.List(ctx, tasks.Filter{})
	if err != nil {
		log.Warn("failed to load tasks, connecting without context", "err", err)
		return
	}
	s.cache.Replace(list)
}

func (s *Session) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.StoreTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.StoreTimeout)
	}
	return context.WithCancel(ctx)
}

// release clears l as the current link
func (s *Session) release(l *link) {
	s.mu.Lock()
	if s.link == l {
		s.link = nil
	}
	s.mu.Unlock()
}

// subscribe routes client events onto the link's loop in arrival order
func (s *Session) subscribe(l *link) {
	ev := l.client.Events()
	l.unsubs = []func(){
		ev.Audio.Subscribe(func(f audio.Frame) {
			l.post(func() { s.onAudio(l, f) })
		}),
		ev.TranscriptDelta.Subscribe(func(d messages.TranscriptDelta) {
			l.post(func() {
				s.assembler.AppendDelta(d.Delta)
				s.events.TranscriptDelta.Publish(d)
			})
		}),
		ev.UserTranscript.Subscribe(func(u messages.UserTranscript) {
			l.post(func() {
				s.assembler.FinalizeUser(u.Text)
				s.deps.Registry.Touch(l.ctx, l.id)
				s.events.UserTranscript.Publish(u)
			})
		}),
		ev.ResponseDone.Subscribe(func(r messages.ResponseDone) {
			l.post(func() {
				s.assembler.Complete()
				s.events.ResponseDone.Publish(r)
			})
		}),
		ev.Interrupted.Subscribe(func(sp messages.SpeechStarted) {
			l.post(func() { s.onInterrupted(l, sp) })
		}),
		ev.FunctionCall.Subscribe(func(call messages.FunctionCall) {
			l.post(func() {
				s.events.FunctionCall.Publish(call)
				select {
				case l.calls <- call:
				case <-l.stop:
				}
			})
		}),
		ev.Error.Subscribe(func(e messages.ServerError) {
			l.post(func() { s.events.Error.Publish(e) })
		}),
		ev.Close.Subscribe(func(c realtime.CloseEvent) {
			l.post(func() { s.teardown(l, c) })
		}),
	}
}

func (l *link) post(fn func()) {
	select {
	case l.loop <- fn:
	case <-l.stop:
	}
}

func (s *Session) runLoop(l *link) {
	for {
		select {
		case fn := <-l.loop:
			fn()
		case <-l.stop:
			return
		}
	}
}

// runWorker executes tool calls serially. A barge-in does not cancel a call
// in flight; its result is still sent.
func (s *Session) runWorker(l *link) {
	for {
		select {
		case call := <-l.calls:
			ctx, cancel := s.storeContext(l.ctx)
			result := s.dispatcher.Dispatch(ctx, call)
			cancel()
			if err := l.client.SendToolResult(call.CallID, result); err != nil {
				l.log.Warn("tool result not sent", "call_id", call.CallID, "err", err)
			}
		case <-l.stop:
			return
		}
	}
}

func (s *Session) onAudio(l *link, frame audio.Frame) {
	if _, err := s.scheduler.Play(frame); err != nil {
		l.log.Warn("playback failed", "err", err)
	}
	s.events.Audio.Publish(frame)
}

func (s *Session) onInterrupted(l *link, sp messages.SpeechStarted) {
	l.log.Debug("user interrupted", "active", s.scheduler.Active())
	s.scheduler.Stop()
	s.assembler.Discard()
	s.events.Interrupted.Publish(sp)
}

// teardown runs on the loop once the connection has closed
func (s *Session) teardown(l *link, c realtime.CloseEvent) {
	for _, unsub := range l.unsubs {
		unsub()
	}
	if s.recorder != nil {
		s.recorder.Stop()
	}
	s.scheduler.Reset()
	s.assembler.Discard()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.deps.Registry.Close(ctx, l.id)
	cancel()

	l.cancel()
	s.release(l)
	close(l.stop)

	if c.Err != nil {
		l.log.Warn("session closed", "err", c.Err)
	} else {
		l.log.Info("session closed")
	}
	s.events.Close.Publish(c)
}

// Done is closed when the current connection has been torn down. It returns
// a closed channel when disconnected.
func (s *Session) Done() <-chan struct{} {
	if l := s.current(); l != nil {
		return l.stop
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Disconnect closes the connection. Teardown completes asynchronously;
// wait on Done to observe it.
func (s *Session) Disconnect() {
	l := s.current()
	if l == nil {
		return
	}
	if s.recorder != nil {
		s.recorder.Stop()
	}
	l.client.Disconnect()
}

func (s *Session) sendFrame(frame audio.Frame) {
	if l := s.current(); l != nil {
		l.client.SendAudio(frame)
	}
}

// StartRecording opens the microphone and streams it to the service
func (s *Session) StartRecording(ctx context.Context) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	if s.recorder == nil {
		return fmt.Errorf("%w: no input configured", audio.ErrCaptureUnavailable)
	}
	return s.recorder.Start(ctx)
}

// StopRecording releases the microphone and commits the utterance so the
// assistant responds
func (s *Session) StopRecording() error {
	if s.recorder == nil || !s.recorder.Recording() {
		return nil
	}
	s.recorder.Stop()
	l := s.current()
	if l == nil {
		return ErrNotConnected
	}
	return l.client.CommitAudio()
}

// Recording reports whether the microphone is open
func (s *Session) Recording() bool {
	return s.recorder != nil && s.recorder.Recording()
}

// ToggleRecording starts or stops recording and returns the new state
func (s *Session) ToggleRecording(ctx context.Context) (bool, error) {
	if s.Recording() {
		return false, s.StopRecording()
	}
	if err := s.StartRecording(ctx); err != nil {
		return false, err
	}
	return true, nil
}
