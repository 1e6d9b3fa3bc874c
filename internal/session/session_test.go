package session

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/luciancaetano/bizsocket"
	"github.com/luciancaetano/bizsocket/internal/testutil/testlog"
)

func newTestSession(t *testing.T, ff *fakeFactory, mutate func(*Options)) *Session {
	t.Helper()
	logger := testlog.Logger(t)
	opts := Options{
		Base:         "http://localhost:8080",
		ProjectID:    "p1",
		Token:        "tok",
		Transport:    bizsocket.DefaultTransportOptions(),
		NewTransport: ff.New,
		Logger:       &logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := New(opts)
	t.Cleanup(s.Disconnect)
	return s
}

// stateRecorder collects every notification an observer receives.
type stateRecorder struct {
	mu     sync.Mutex
	states []bizsocket.ConnectionState
}

func (r *stateRecorder) record(state bizsocket.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) get() []bizsocket.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bizsocket.ConnectionState(nil), r.states...)
}

// finishRecorder collects every call to the connect completion callback.
type finishRecorder struct {
	mu   sync.Mutex
	errs []error
	done chan struct{}
	once sync.Once
}

func newFinishRecorder() *finishRecorder {
	return &finishRecorder{done: make(chan struct{})}
}

func (r *finishRecorder) record(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.once.Do(func() { close(r.done) })
}

func (r *finishRecorder) get() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func waitForState(t *testing.T, s *Session, want bizsocket.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("State() = %v, want %v", s.State(), want)
}

// connectAndAuth drives a session to CONNECTED on a fresh fake transport.
func connectAndAuth(t *testing.T, s *Session, ff *fakeFactory, onFinished bizsocket.FinishFunc) *fakeTransport {
	t.Helper()
	if err := s.Connect(onFinished); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	ft := ff.last(t)
	ft.Fire(bizsocket.EventConnect, "")
	ft.lastEmit(t, bizsocket.EventAuth).reply(string(bizsocket.AuthOK))
	if got := s.State(); got != bizsocket.StateConnected {
		t.Fatalf("State() = %v, want CONNECTED", got)
	}
	return ft
}

func TestConnectStaysConnectingUntilAuthOK(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	s := newTestSession(t, ff, nil)
	rec := &stateRecorder{}
	s.OnStateChange(rec.record)
	fin := newFinishRecorder()

	if err := s.Connect(fin.record); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	ft := ff.last(t)

	if ft.url != "ws://localhost:8080/ws?projectId=p1" {
		t.Errorf("transport url = %q", ft.url)
	}

	ft.Fire(bizsocket.EventConnecting, "")
	ft.Fire(bizsocket.EventConnect, "")

	if got := s.State(); got != bizsocket.StateConnecting {
		t.Fatalf("State() before ack = %v, want CONNECTING", got)
	}
	if got := rec.get(); !reflect.DeepEqual(got, []bizsocket.ConnectionState{bizsocket.StateConnecting}) {
		t.Fatalf("states before ack = %v", got)
	}

	auth := ft.lastEmit(t, bizsocket.EventAuth)
	payload, ok := auth.payload.(bizsocket.AuthPayload)
	if !ok || payload.ProjectID != "p1" || payload.Token != "tok" {
		t.Fatalf("auth payload = %#v", auth.payload)
	}

	auth.reply(string(bizsocket.AuthOK))

	want := []bizsocket.ConnectionState{bizsocket.StateConnecting, bizsocket.StateConnected}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if errs := fin.get(); len(errs) != 1 || errs[0] != nil {
		t.Errorf("finish calls = %v, want one nil", errs)
	}
}

func TestConnectWhileLive(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	s := newTestSession(t, ff, nil)
	connectAndAuth(t, s, ff, nil)

	err := s.Connect(nil)
	if !errors.Is(err, bizsocket.ErrAlreadyConnected) {
		t.Fatalf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
	if ff.count() != 1 {
		t.Errorf("transports created = %d, want 1", ff.count())
	}
	if s.State() != bizsocket.StateConnected {
		t.Errorf("State() = %v, want CONNECTED", s.State())
	}
}

func TestConnectRejectsBadOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{
			name:   "multiplex",
			mutate: func(o *Options) { o.Transport.Multiplex = true },
		},
		{
			name:   "polling transport",
			mutate: func(o *Options) { o.Transport.Transports = []string{"polling"} },
		},
		{
			name:   "unsupported scheme",
			mutate: func(o *Options) { o.Base = "ftp://localhost" },
		},
		{
			name:   "missing host",
			mutate: func(o *Options) { o.Base = "https://" },
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ff := &fakeFactory{}
			s := newTestSession(t, ff, tt.mutate)

			err := s.Connect(nil)
			if !errors.Is(err, bizsocket.ErrInvalidOptions) {
				t.Fatalf("Connect() error = %v, want ErrInvalidOptions", err)
			}
			if ff.count() != 0 {
				t.Errorf("transports created = %d, want 0", ff.count())
			}
			if s.State() != bizsocket.StateDisconnected {
				t.Errorf("State() = %v, want DISCONNECTED", s.State())
			}
		})
	}
}

func TestConnectTransportFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	ff := &fakeFactory{connectErr: boom}
	s := newTestSession(t, ff, nil)
	rec := &stateRecorder{}
	s.OnStateChange(rec.record)

	if err := s.Connect(nil); !errors.Is(err, boom) {
		t.Fatalf("Connect() error = %v, want %v", err, boom)
	}

	want := []bizsocket.ConnectionState{bizsocket.StateConnecting, bizsocket.StateDisconnected}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	ff.mu.Lock()
	ff.connectErr = nil
	ff.mu.Unlock()
	if err := s.Connect(nil); err != nil {
		t.Errorf("Connect() after failure = %v, want nil", err)
	}
}

func TestAuthRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		reply    string
		wantCode bizsocket.AuthCode
	}{
		{name: "auth failed", reply: "AUTH_FAILED", wantCode: bizsocket.AuthFailed},
		{name: "unknown", reply: "UNKNOWN", wantCode: bizsocket.AuthUnknown},
		{name: "unrecognised code", reply: "AUTH_MAYBE", wantCode: bizsocket.AuthUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ff := &fakeFactory{}
			s := newTestSession(t, ff, nil)
			rec := &stateRecorder{}
			s.OnStateChange(rec.record)
			fin := newFinishRecorder()

			if _, err := s.Subscribe("t1", "order", func(bizsocket.EventMessage) {}); err != nil {
				t.Fatalf("Subscribe() failed: %v", err)
			}
			if err := s.Connect(fin.record); err != nil {
				t.Fatalf("Connect() failed: %v", err)
			}
			ft := ff.last(t)
			ft.Fire(bizsocket.EventConnect, "")
			ft.lastEmit(t, bizsocket.EventAuth).reply(tt.reply)

			errs := fin.get()
			if len(errs) != 1 {
				t.Fatalf("finish calls = %d, want 1", len(errs))
			}
			var authErr *bizsocket.AuthError
			if !errors.As(errs[0], &authErr) || authErr.Code != tt.wantCode {
				t.Fatalf("finish error = %v, want AuthError %s", errs[0], tt.wantCode)
			}

			want := []bizsocket.ConnectionState{bizsocket.StateConnecting, bizsocket.StateDisconnected}
			if got := rec.get(); !reflect.DeepEqual(got, want) {
				t.Errorf("states = %v, want %v", got, want)
			}
			if ft.closeCount() != 1 {
				t.Errorf("transport closes = %d, want 1", ft.closeCount())
			}
			if n := len(ft.emitsFor(bizsocket.EventSubscribe)); n != 0 {
				t.Errorf("subscribe emits = %d, want 0", n)
			}

			s.mu.Lock()
			entries := len(s.registry.entries)
			s.mu.Unlock()
			if entries != 0 {
				t.Errorf("registry entries = %d, want 0", entries)
			}
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	s := newTestSession(t, ff, func(o *Options) { o.HandshakeTimeout = 20 * time.Millisecond })
	fin := newFinishRecorder()

	if err := s.Connect(fin.record); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	ft := ff.last(t)
	ft.Fire(bizsocket.EventConnect, "")
	auth := ft.lastEmit(t, bizsocket.EventAuth)

	select {
	case <-fin.done:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not time out")
	}

	if errs := fin.get(); len(errs) != 1 || !errors.Is(errs[0], bizsocket.ErrHandshakeTimeout) {
		t.Fatalf("finish calls = %v, want one ErrHandshakeTimeout", errs)
	}
	waitForState(t, s, bizsocket.StateDisconnected)

	// a late ack changes nothing
	auth.reply(string(bizsocket.AuthOK))
	if s.State() != bizsocket.StateDisconnected {
		t.Errorf("State() after late ack = %v, want DISCONNECTED", s.State())
	}
	if n := len(fin.get()); n != 1 {
		t.Errorf("finish calls after late ack = %d, want 1", n)
	}
}

func TestStaleAuthAck(t *testing.T) {
	t.Parallel()

	t.Run("after disconnect", func(t *testing.T) {
		t.Parallel()

		ff := &fakeFactory{}
		s := newTestSession(t, ff, nil)
		fin := newFinishRecorder()

		if err := s.Connect(fin.record); err != nil {
			t.Fatalf("Connect() failed: %v", err)
		}
		ft := ff.last(t)
		ft.Fire(bizsocket.EventConnect, "")
		auth := ft.lastEmit(t, bizsocket.EventAuth)

		s.Disconnect()
		rec := &stateRecorder{}
		s.OnStateChange(rec.record)
		auth.reply(string(bizsocket.AuthOK))

		if s.State() != bizsocket.StateDisconnected {
			t.Errorf("State() = %v, want DISCONNECTED", s.State())
		}
		if got := rec.get(); len(got) != 0 {
			t.Errorf("notifications = %v, want none", got)
		}
		if n := len(fin.get()); n != 0 {
			t.Errorf("finish calls = %d, want 0", n)
		}
	})

	t.Run("from an older transport", func(t *testing.T) {
		t.Parallel()

		ff := &fakeFactory{}
		s := newTestSession(t, ff, nil)

		if err := s.Connect(nil); err != nil {
			t.Fatalf("Connect() failed: %v", err)
		}
		old := ff.last(t)
		old.Fire(bizsocket.EventConnect, "")
		oldAuth := old.lastEmit(t, bizsocket.EventAuth)
		s.Disconnect()

		if err := s.Connect(nil); err != nil {
			t.Fatalf("Connect() failed: %v", err)
		}
		oldAuth.reply(string(bizsocket.AuthOK))

		if s.State() != bizsocket.StateConnecting {
			t.Errorf("State() = %v, want CONNECTING", s.State())
		}
	})

	t.Run("from an earlier physical connection", func(t *testing.T) {
		t.Parallel()

		ff := &fakeFactory{}
		s := newTestSession(t, ff, nil)

		if err := s.Connect(nil); err != nil {
			t.Fatalf("Connect() failed: %v", err)
		}
		ft := ff.last(t)
		ft.Fire(bizsocket.EventConnect, "")
		first := ft.lastEmit(t, bizsocket.EventAuth)
		ft.Fire(bizsocket.EventDisconnect, `"transport close"`)
		ft.Fire(bizsocket.EventConnect, "")

		first.reply(string(bizsocket.AuthOK))
		if s.State() != bizsocket.StateConnecting {
			t.Errorf("State() = %v, want CONNECTING", s.State())
		}

		ft.lastEmit(t, bizsocket.EventAuth).reply(string(bizsocket.AuthOK))
		if s.State() != bizsocket.StateConnected {
			t.Errorf("State() = %v, want CONNECTED", s.State())
		}
	})
}

func TestPreAuthErrorReachesFinish(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	s := newTestSession(t, ff, nil)
	fin := newFinishRecorder()

	if err := s.Connect(fin.record); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	ft := ff.last(t)
	ft.Fire(bizsocket.EventConnectError, `"dial tcp: refused"`)
	ft.Fire(bizsocket.EventError, `"dial tcp: refused"`)

	errs := fin.get()
	if len(errs) != 1 {
		t.Fatalf("finish calls = %d, want 1", len(errs))
	}
	var terr *bizsocket.TransportError
	if !errors.As(errs[0], &terr) || terr.Event != bizsocket.EventConnectError || terr.Reason != "dial tcp: refused" {
		t.Fatalf("finish error = %v", errs[0])
	}

	// the transport keeps retrying, so the handle stays live
	if err := s.Connect(nil); !errors.Is(err, bizsocket.ErrAlreadyConnected) {
		t.Errorf("Connect() = %v, want ErrAlreadyConnected", err)
	}
	if s.State() != bizsocket.StateConnecting {
		t.Errorf("State() = %v, want CONNECTING", s.State())
	}
}

func TestTransportGivesUp(t *testing.T) {
	t.Parallel()

	t.Run("before authentication", func(t *testing.T) {
		t.Parallel()

		ff := &fakeFactory{}
		s := newTestSession(t, ff, nil)
		fin := newFinishRecorder()

		if err := s.Connect(fin.record); err != nil {
			t.Fatalf("Connect() failed: %v", err)
		}
		ft := ff.last(t)
		ft.Fire(bizsocket.EventReconnectFailed, "")

		if errs := fin.get(); len(errs) != 1 || errs[0] == nil {
			t.Fatalf("finish calls = %v, want one error", errs)
		}
		if s.State() != bizsocket.StateDisconnected {
			t.Errorf("State() = %v, want DISCONNECTED", s.State())
		}
		if ft.closeCount() != 1 {
			t.Errorf("transport closes = %d, want 1", ft.closeCount())
		}
		if err := s.Connect(nil); err != nil {
			t.Errorf("Connect() after give up = %v, want nil", err)
		}
	})

	t.Run("after authentication keeps subscriptions", func(t *testing.T) {
		t.Parallel()

		ff := &fakeFactory{}
		s := newTestSession(t, ff, nil)
		if _, err := s.Subscribe("t1", "order", func(bizsocket.EventMessage) {}); err != nil {
			t.Fatalf("Subscribe() failed: %v", err)
		}

		ft := connectAndAuth(t, s, ff, nil)
		ft.lastEmit(t, bizsocket.EventSubscribe).reply(string(bizsocket.SubscribeOK))
		ft.Fire(bizsocket.EventReconnectFailed, "")

		if s.State() != bizsocket.StateDisconnected {
			t.Errorf("State() = %v, want DISCONNECTED", s.State())
		}
		if n := ft.listenerCount("order"); n != 0 {
			t.Errorf("order listeners = %d, want 0", n)
		}

		next := connectAndAuth(t, s, ff, nil)
		sub := next.lastEmit(t, bizsocket.EventSubscribe)
		if got := sub.payload.([]string); !reflect.DeepEqual(got, []string{"order"}) {
			t.Errorf("re-declared events = %v", got)
		}
	})

	t.Run("reconnection disabled", func(t *testing.T) {
		t.Parallel()

		ff := &fakeFactory{}
		s := newTestSession(t, ff, func(o *Options) { o.Transport.Reconnection = false })
		ft := connectAndAuth(t, s, ff, nil)

		ft.Fire(bizsocket.EventDisconnect, `"io timeout"`)

		if s.State() != bizsocket.StateDisconnected {
			t.Errorf("State() = %v, want DISCONNECTED", s.State())
		}
		if err := s.Connect(nil); err != nil {
			t.Errorf("Connect() = %v, want nil", err)
		}
	})
}

func TestDisconnectIdempotent(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	s := newTestSession(t, ff, nil)
	rec := &stateRecorder{}
	s.OnStateChange(rec.record)

	// never connected: nothing to report
	s.Disconnect()
	if got := rec.get(); len(got) != 0 {
		t.Fatalf("notifications = %v, want none", got)
	}

	s.OnStateChange(rec.record)
	ft := connectAndAuth(t, s, ff, nil)
	s.Disconnect()
	s.Disconnect()

	want := []bizsocket.ConnectionState{
		bizsocket.StateConnecting,
		bizsocket.StateConnected,
		bizsocket.StateDisconnected,
	}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if ft.closeCount() != 1 {
		t.Errorf("transport closes = %d, want 1", ft.closeCount())
	}

	// observers were discarded
	if err := s.Connect(nil); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if got := rec.get(); len(got) != len(want) {
		t.Errorf("notifications after Disconnect = %v", got[len(want):])
	}
}

func TestObservers(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	s := newTestSession(t, ff, nil)

	var mu sync.Mutex
	var order []string
	observe := func(name string) bizsocket.StateChangeFunc {
		return func(bizsocket.ConnectionState) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}

	first := s.OnStateChange(observe("first"))
	s.OnStateChange(observe("second"))
	shared := observe("shared")
	s.OnStateChange(shared)
	again := s.OnStateChange(shared)
	s.OnStateChange(nil).Dispose()

	if err := s.Connect(nil); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	mu.Lock()
	got := append([]string(nil), order...)
	order = nil
	mu.Unlock()
	if want := []string{"first", "second", "shared", "shared"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("notify order = %v, want %v", got, want)
	}

	first.Dispose()
	first.Dispose()
	again.Dispose()
	ft := ff.last(t)
	ft.Fire(bizsocket.EventConnect, "")
	ft.lastEmit(t, bizsocket.EventAuth).reply(string(bizsocket.AuthOK))

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"second", "shared"}; !reflect.DeepEqual(order, want) {
		t.Errorf("notify order after dispose = %v, want %v", order, want)
	}
}

func TestReconnectReauthenticates(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	s := newTestSession(t, ff, nil)
	rec := &stateRecorder{}
	s.OnStateChange(rec.record)
	fin := newFinishRecorder()

	var got []string
	if _, err := s.Subscribe("t1", "order", func(msg bizsocket.EventMessage) { got = append(got, msg.Payload) }); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	ft := connectAndAuth(t, s, ff, fin.record)
	ft.lastEmit(t, bizsocket.EventSubscribe).reply(string(bizsocket.SubscribeOK))

	ft.Fire(bizsocket.EventDisconnect, `"transport close"`)
	if s.State() != bizsocket.StateDisconnected {
		t.Fatalf("State() after disconnect = %v", s.State())
	}
	if n := ft.listenerCount("order"); n != 0 {
		t.Fatalf("order listeners after disconnect = %d, want 0", n)
	}
	// terminal handling runs once per authenticated connection
	ft.Fire(bizsocket.EventError, `"late"`)

	ft.Fire(bizsocket.EventReconnecting, "")
	ft.Fire(bizsocket.EventConnect, "")
	ft.Fire(bizsocket.EventReconnect, "")
	if s.State() != bizsocket.StateConnecting {
		t.Fatalf("State() before re-auth = %v, want CONNECTING", s.State())
	}

	if n := len(ft.emitsFor(bizsocket.EventAuth)); n != 2 {
		t.Fatalf("auth emits = %d, want 2", n)
	}
	ft.lastEmit(t, bizsocket.EventAuth).reply(string(bizsocket.AuthOK))

	subs := ft.emitsFor(bizsocket.EventSubscribe)
	if len(subs) != 2 {
		t.Fatalf("subscribe emits = %d, want 2", len(subs))
	}
	subs[1].reply(string(bizsocket.SubscribeOK))
	ft.Fire(bizsocket.EventReconnect, "")

	ft.Fire("order", `{"projectId":"p1","topic":"t1","event":"order","payload":"again"}`)
	if !reflect.DeepEqual(got, []string{"again"}) {
		t.Errorf("payloads = %v", got)
	}

	want := []bizsocket.ConnectionState{
		bizsocket.StateConnecting,
		bizsocket.StateConnected,
		bizsocket.StateDisconnected,
		bizsocket.StateConnecting,
		bizsocket.StateConnected,
	}
	if states := rec.get(); !reflect.DeepEqual(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	if errs := fin.get(); len(errs) != 1 || errs[0] != nil {
		t.Errorf("finish calls = %v, want one nil", errs)
	}
}
