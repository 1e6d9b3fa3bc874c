package session

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/luciancaetano/bizsocket"
)

// fakeTransport records what the session asks of it and lets tests play the
// transport's event loop through Fire.
type fakeTransport struct {
	mu sync.Mutex

	url  string
	opts bizsocket.TransportOptions

	nextID    bizsocket.ListenerID
	listeners map[string][]fakeListener
	emits     []fakeEmit

	connectErr error
	connects   int
	closes     int
}

type fakeListener struct {
	id bizsocket.ListenerID
	fn bizsocket.Listener
}

type fakeEmit struct {
	event   string
	payload any
	ack     bizsocket.AckFunc
}

func (e fakeEmit) reply(code string) {
	data, _ := json.Marshal(code)
	e.ack(data)
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) Emit(event string, payload any, ack bizsocket.AckFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, fakeEmit{event: event, payload: payload, ack: ack})
	return nil
}

func (f *fakeTransport) On(event string, fn bizsocket.Listener) bizsocket.ListenerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.listeners[event] = append(f.listeners[event], fakeListener{id: f.nextID, fn: fn})
	return f.nextID
}

func (f *fakeTransport) Off(event string, id bizsocket.ListenerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ls := f.listeners[event]
	for i, l := range ls {
		if l.id == id {
			f.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

func (f *fakeTransport) OffAll(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, event)
}

// Fire delivers event to its listeners the way the transport loop would.
func (f *fakeTransport) Fire(event, data string) {
	f.mu.Lock()
	ls := append([]fakeListener(nil), f.listeners[event]...)
	f.mu.Unlock()

	var raw json.RawMessage
	if data != "" {
		raw = json.RawMessage(data)
	}
	for _, l := range ls {
		l.fn(raw)
	}
}

func (f *fakeTransport) listenerCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[event])
}

func (f *fakeTransport) emitsFor(event string) []fakeEmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeEmit
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeTransport) lastEmit(t *testing.T, event string) fakeEmit {
	t.Helper()
	emits := f.emitsFor(event)
	if len(emits) == 0 {
		t.Fatalf("no %q emitted", event)
	}
	return emits[len(emits)-1]
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeFactory hands out fakeTransports and remembers them.
type fakeFactory struct {
	mu         sync.Mutex
	created    []*fakeTransport
	err        error
	connectErr error
}

func (ff *fakeFactory) New(url string, opts bizsocket.TransportOptions) (bizsocket.Transport, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.err != nil {
		return nil, ff.err
	}
	t := &fakeTransport{
		url:        url,
		opts:       opts,
		listeners:  make(map[string][]fakeListener),
		connectErr: ff.connectErr,
	}
	ff.created = append(ff.created, t)
	return t, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.created)
}

func (ff *fakeFactory) last(t *testing.T) *fakeTransport {
	t.Helper()
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.created) == 0 {
		t.Fatal("no transport created")
	}
	return ff.created[len(ff.created)-1]
}
