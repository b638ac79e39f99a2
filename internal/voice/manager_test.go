package voice

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeTransport struct {
	events chan Event

	mu        sync.Mutex
	destroyed int
	frames    int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) SendOpus(_ context.Context, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed > 0 {
		return ErrSessionDestroyed
	}
	f.frames++
	return nil
}

func (f *fakeTransport) Speaking(bool) error { return nil }

func (f *fakeTransport) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

func (f *fakeTransport) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func (f *fakeTransport) emit(states ...State) {
	for _, s := range states {
		f.events <- Event{State: s}
	}
}

const testTimeout = 300 * time.Millisecond

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeTransport, *syncBuffer) {
	t.Helper()
	tr := newFakeTransport()
	logs := &syncBuffer{}
	factory := FactoryFunc(func(context.Context, string, string) (Transport, error) {
		return tr, nil
	})
	opts = append([]Option{WithReconnectTimeout(testTimeout)}, opts...)
	m := NewManager(factory, zerolog.New(logs).Level(zerolog.DebugLevel), opts...)
	t.Cleanup(m.Close)
	return m, tr, logs
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"session never reached %s, last state %s", want, s.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "signalling", StateSignalling.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "destroyed", StateDestroyed.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestSessionReachesReady(t *testing.T) {
	m, tr, _ := newTestManager(t)

	s, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)
	assert.Equal(t, StateSignalling, s.State())

	tr.emit(StateSignalling, StateConnecting, StateReady)
	waitState(t, s, StateReady)

	assert.Zero(t, tr.destroyCount())
	assert.NoError(t, s.SendOpus(context.Background(), []byte{0xf8}))

	got, ok := m.Get("g1")
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestDisconnectThenSignallingSurvives(t *testing.T) {
	m, tr, _ := newTestManager(t)
	s, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)

	tr.emit(StateConnecting, StateReady)
	waitState(t, s, StateReady)

	tr.emit(StateDisconnected)
	waitState(t, s, StateDisconnected)

	time.Sleep(testTimeout * 2 / 5)
	tr.emit(StateSignalling)
	waitState(t, s, StateSignalling)

	time.Sleep(testTimeout + 100*time.Millisecond)
	assert.Equal(t, StateSignalling, s.State())
	assert.False(t, s.Destroyed())
	assert.Zero(t, tr.destroyCount())
}

func TestDisconnectThenConnectingSurvives(t *testing.T) {
	m, tr, _ := newTestManager(t)
	s, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)

	tr.emit(StateConnecting, StateReady, StateDisconnected)
	waitState(t, s, StateDisconnected)

	tr.emit(StateConnecting)
	waitState(t, s, StateConnecting)

	time.Sleep(testTimeout + 100*time.Millisecond)
	assert.False(t, s.Destroyed())
	assert.Zero(t, tr.destroyCount())

	tr.emit(StateReady)
	waitState(t, s, StateReady)
}

func TestDisconnectWithoutReconnectDestroys(t *testing.T) {
	m, tr, logs := newTestManager(t)
	s, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)

	tr.emit(StateConnecting, StateReady, StateDisconnected)
	waitState(t, s, StateDisconnected)

	time.Sleep(testTimeout / 2)
	assert.False(t, s.Destroyed(), "destroyed before the timeout elapsed")

	select {
	case <-s.Done():
	case <-time.After(testTimeout + time.Second):
		t.Fatal("session was not destroyed after the reconnect timeout")
	}

	assert.Equal(t, 1, tr.destroyCount())
	assert.Equal(t, StateDestroyed, s.State())
	assert.ErrorIs(t, s.SendOpus(context.Background(), []byte{1}), ErrSessionDestroyed)
	assert.ErrorIs(t, s.Speaking(true), ErrSessionDestroyed)

	_, ok := m.Get("g1")
	assert.False(t, ok)
	assert.Contains(t, logs.String(), "disconnect is permanent")
}

func TestReadyDuringWaitDoesNotCountAsReconnect(t *testing.T) {
	m, tr, _ := newTestManager(t)
	s, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)

	tr.emit(StateReady, StateDisconnected)
	waitState(t, s, StateDisconnected)
	tr.emit(StateReady)

	select {
	case <-s.Done():
	case <-time.After(testTimeout + time.Second):
		t.Fatal("session survived without signalling or connecting")
	}
	assert.Equal(t, 1, tr.destroyCount())
}

func TestDestroyIsIdempotent(t *testing.T) {
	m, tr, _ := newTestManager(t)
	s, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)

	s.Destroy()
	s.Destroy()
	assert.False(t, m.Destroy("g1"))

	assert.Equal(t, 1, tr.destroyCount())
	assert.True(t, s.Destroyed())
}

func TestDestroyCancelsPendingWait(t *testing.T) {
	m, tr, _ := newTestManager(t)
	s, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)

	tr.emit(StateReady, StateDisconnected)
	waitState(t, s, StateDisconnected)

	require.True(t, m.Destroy("g1"))
	time.Sleep(testTimeout + 100*time.Millisecond)

	assert.Equal(t, 1, tr.destroyCount())
}

func TestTransportDestroyedEventIsTerminal(t *testing.T) {
	m, tr, _ := newTestManager(t)
	s, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)

	tr.emit(StateReady, StateDestroyed)
	<-s.Done()

	tr.emit(StateSignalling)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDestroyed, s.State())
}

func TestClosedEventStreamDestroys(t *testing.T) {
	m, tr, _ := newTestManager(t)
	s, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)

	close(tr.events)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session outlived its event stream")
	}
}

func TestErrorEventIsNotFatal(t *testing.T) {
	m, tr, logs := newTestManager(t)
	s, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)

	tr.events <- Event{Err: errors.New("udp hiccup")}
	tr.emit(StateReady)
	waitState(t, s, StateReady)

	assert.False(t, s.Destroyed())
	assert.Contains(t, logs.String(), "udp hiccup")
}

func TestMaxRecoveriesEndsFlapping(t *testing.T) {
	m, tr, _ := newTestManager(t, WithMaxRecoveries(1))
	s, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)

	tr.emit(StateReady, StateDisconnected, StateSignalling)
	waitState(t, s, StateSignalling)
	assert.False(t, s.Destroyed())

	tr.emit(StateDisconnected)
	select {
	case <-s.Done():
	case <-time.After(testTimeout / 2):
		t.Fatal("flapping session should be destroyed without waiting")
	}
}

func TestConstructionFailureReturnsNoSession(t *testing.T) {
	logs := &syncBuffer{}
	boom := errors.New("gateway not connected")
	m := NewManager(FactoryFunc(func(context.Context, string, string) (Transport, error) {
		return nil, boom
	}), zerolog.New(logs))

	s, err := m.Create(context.Background(), "g1", "c1")
	assert.Nil(t, s)

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "g1", cerr.GuildID)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, logs.String(), "voice connection construction failed")

	_, ok := m.Get("g1")
	assert.False(t, ok)
}

func TestFactoryPanicIsContained(t *testing.T) {
	m := NewManager(FactoryFunc(func(context.Context, string, string) (Transport, error) {
		panic("adapter missing")
	}), zerolog.Nop())

	var (
		s   *Session
		err error
	)
	require.NotPanics(t, func() {
		s, err = m.Create(context.Background(), "g1", "c1")
	})
	assert.Nil(t, s)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, strings.Contains(err.Error(), "adapter missing"))
}

func TestCreateReusesAndSwitchesChannels(t *testing.T) {
	var (
		mu   sync.Mutex
		made []*fakeTransport
	)
	m := NewManager(FactoryFunc(func(context.Context, string, string) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		tr := newFakeTransport()
		made = append(made, tr)
		return tr, nil
	}), zerolog.Nop())
	defer m.Close()

	first, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)
	again, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)
	assert.Same(t, first, again)

	moved, err := m.Create(context.Background(), "g1", "c2")
	require.NoError(t, err)
	assert.NotSame(t, first, moved)
	assert.True(t, first.Destroyed())

	mu.Lock()
	require.Len(t, made, 2)
	assert.Equal(t, 1, made[0].destroyCount())
	assert.Zero(t, made[1].destroyCount())
	mu.Unlock()

	got, ok := m.Get("g1")
	require.True(t, ok)
	assert.Same(t, moved, got)

	infos := m.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "c2", infos[0].ChannelID)
	assert.Equal(t, "signalling", infos[0].State)
}

func TestReconnectWindowDefaultTiming(t *testing.T) {
	if testing.Short() {
		t.Skip("uses the real five second window")
	}

	t.Run("signalling at 2000ms keeps the session", func(t *testing.T) {
		tr := newFakeTransport()
		m := NewManager(FactoryFunc(func(context.Context, string, string) (Transport, error) {
			return tr, nil
		}), zerolog.Nop())
		defer m.Close()

		s, err := m.Create(context.Background(), "g1", "c1")
		require.NoError(t, err)
		tr.emit(StateReady)
		waitState(t, s, StateReady)

		tr.emit(StateDisconnected)
		time.Sleep(2000 * time.Millisecond)
		tr.emit(StateSignalling)
		waitState(t, s, StateSignalling)
		assert.False(t, s.Destroyed())
	})

	t.Run("silence past 5000ms destroys the session", func(t *testing.T) {
		tr := newFakeTransport()
		m := NewManager(FactoryFunc(func(context.Context, string, string) (Transport, error) {
			return tr, nil
		}), zerolog.Nop())
		defer m.Close()

		s, err := m.Create(context.Background(), "g1", "c1")
		require.NoError(t, err)
		tr.emit(StateReady)
		waitState(t, s, StateReady)

		start := time.Now()
		tr.emit(StateDisconnected)
		<-s.Done()

		assert.GreaterOrEqual(t, time.Since(start), DefaultReconnectTimeout-50*time.Millisecond)
		assert.Equal(t, 1, tr.destroyCount())
		assert.ErrorIs(t, s.SendOpus(context.Background(), nil), ErrSessionDestroyed)
	})
}

func TestOverlappingCreatesForDifferentChannels(t *testing.T) {
	var (
		mu   sync.Mutex
		made []*fakeTransport
	)
	m := NewManager(FactoryFunc(func(context.Context, string, string) (Transport, error) {
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		tr := newFakeTransport()
		made = append(made, tr)
		return tr, nil
	}), zerolog.Nop())
	defer m.Close()

	type result struct {
		s   *Session
		err error
	}
	first := make(chan result, 1)
	go func() {
		s, err := m.Create(context.Background(), "g1", "cA")
		first <- result{s, err}
	}()

	time.Sleep(30 * time.Millisecond)
	b, err := m.Create(context.Background(), "g1", "cB")
	require.NoError(t, err)
	a := <-first
	require.NoError(t, a.err)

	assert.Equal(t, "cA", a.s.ChannelID())
	assert.Equal(t, "cB", b.ChannelID())
	assert.NotSame(t, a.s, b)
	assert.True(t, a.s.Destroyed(), "one live transport per guild")

	got, ok := m.Get("g1")
	require.True(t, ok)
	assert.Same(t, b, got)

	mu.Lock()
	require.Len(t, made, 2)
	assert.Equal(t, 1, made[0].destroyCount())
	assert.Zero(t, made[1].destroyCount())
	mu.Unlock()
}

func TestOverlappingCreatesForSameChannelShareJoin(t *testing.T) {
	var (
		mu    sync.Mutex
		joins int
	)
	m := NewManager(FactoryFunc(func(context.Context, string, string) (Transport, error) {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		joins++
		mu.Unlock()
		return newFakeTransport(), nil
	}), zerolog.Nop())
	defer m.Close()

	var wg sync.WaitGroup
	sessions := make([]*Session, 4)
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Create(context.Background(), "g1", "c1")
			assert.NoError(t, err)
			sessions[i] = s
		}()
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}
	mu.Lock()
	assert.Equal(t, 1, joins)
	mu.Unlock()
}

func TestChannelMoveUpdatesSession(t *testing.T) {
	m, tr, _ := newTestManager(t)
	s, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)

	tr.emit(StateReady, StateDisconnected)
	tr.events <- Event{State: StateSignalling, ChannelID: "c2"}
	require.Eventually(t, func() bool {
		return s.ChannelID() == "c2" && s.State() == StateSignalling
	}, 2*time.Second, 5*time.Millisecond)
	infos := m.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "c2", infos[0].ChannelID)

	again, err := m.Create(context.Background(), "g1", "c2")
	require.NoError(t, err)
	assert.Same(t, s, again, "session already lives in the new channel")
	assert.Zero(t, tr.destroyCount())
}

func TestReadyDuringWaitResetsRecoveries(t *testing.T) {
	m, tr, _ := newTestManager(t, WithMaxRecoveries(2))
	s, err := m.Create(context.Background(), "g1", "c1")
	require.NoError(t, err)

	tr.emit(StateReady,
		StateDisconnected, StateSignalling,
		StateDisconnected, StateReady, StateSignalling,
		StateDisconnected, StateSignalling,
	)
	require.Eventually(t, func() bool { return len(tr.events) == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(testTimeout + 100*time.Millisecond)

	assert.False(t, s.Destroyed())
	assert.Equal(t, StateSignalling, s.State())
}
