package housekeeping

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/xtaci/agentsec/keystore"
	"github.com/xtaci/agentsec/metricsx"
)

type fakeSource struct {
	token   string
	entries []keystore.RawEntry
}

func (f *fakeSource) Stat() (string, error)             { return f.token, nil }
func (f *fakeSource) Load() ([]keystore.RawEntry, error) { return f.entries, nil }

type fakeRidsHandle struct {
	closed bool
}

func (f *fakeRidsHandle) Close() error { f.closed = true; return nil }

func newTestStore(t *testing.T, entries ...keystore.RawEntry) *keystore.Store {
	t.Helper()
	src := &fakeSource{token: "v1", entries: entries}
	store := keystore.New(zerolog.Nop(), src)
	if _, err := store.ReloadIfChanged(); err != nil {
		t.Fatalf("ReloadIfChanged: %v", err)
	}
	return store
}

func TestKeyReloaderReloadsOnTokenChange(t *testing.T) {
	src := &fakeSource{token: "v1", entries: []keystore.RawEntry{{ID: "001", RawKey: []byte("k"), IPPattern: "10.0.0.1"}}}
	store := keystore.New(zerolog.Nop(), src)
	if _, err := store.ReloadIfChanged(); err != nil {
		t.Fatalf("initial reload: %v", err)
	}

	reloader := NewKeyReloader(zerolog.Nop(), store, time.Hour, metricsx.New())

	reloader.tick()
	if _, ok := store.LookupByID("002"); ok {
		t.Fatalf("expected no reload while token is unchanged")
	}

	src.token = "v2"
	src.entries = append(src.entries, keystore.RawEntry{ID: "002", RawKey: []byte("k2"), IPPattern: "10.0.0.2"})
	reloader.tick()

	if _, ok := store.LookupByID("002"); !ok {
		t.Fatalf("expected entry 002 to be loaded after reload")
	}
}

func TestRidsCloserClosesOnlyStaleHead(t *testing.T) {
	store := newTestStore(t,
		keystore.RawEntry{ID: "001", RawKey: []byte("k1"), IPPattern: "10.0.0.1"},
		keystore.RawEntry{ID: "002", RawKey: []byte("k2"), IPPattern: "10.0.0.2"},
	)

	staleHandle := &fakeRidsHandle{}
	freshHandle := &fakeRidsHandle{}

	if err := store.TouchRids("001", time.Now().Add(-time.Hour), func(id string) (keystore.RidsHandle, error) {
		return staleHandle, nil
	}); err != nil {
		t.Fatalf("TouchRids 001: %v", err)
	}
	if err := store.TouchRids("002", time.Now(), func(id string) (keystore.RidsHandle, error) {
		return freshHandle, nil
	}); err != nil {
		t.Fatalf("TouchRids 002: %v", err)
	}

	closer := NewRidsCloser(zerolog.Nop(), store, time.Hour, 30*time.Minute)
	closer.tick()

	if !staleHandle.closed {
		t.Fatalf("expected stale handle to be closed")
	}
	if freshHandle.closed {
		t.Fatalf("expected fresh handle to remain open")
	}
}

func TestKeyReloaderRunStopsOnCancel(t *testing.T) {
	store := newTestStore(t, keystore.RawEntry{ID: "001", RawKey: []byte("k"), IPPattern: "10.0.0.1"})
	reloader := NewKeyReloader(zerolog.Nop(), store, 10*time.Millisecond, metricsx.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reloader.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestRidsCloserRunStopsOnCancel(t *testing.T) {
	store := newTestStore(t, keystore.RawEntry{ID: "001", RawKey: []byte("k"), IPPattern: "10.0.0.1"})
	closer := NewRidsCloser(zerolog.Nop(), store, 10*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		closer.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

type fakeBusConnector struct {
	called bool
	err    error
}

func (f *fakeBusConnector) Connect(stop <-chan struct{}) error {
	f.called = true
	return f.err
}

func TestConnectBusAtStartupSucceeds(t *testing.T) {
	bus := &fakeBusConnector{}
	stop := make(chan struct{})
	if err := ConnectBusAtStartup(zerolog.Nop(), bus, stop); err != nil {
		t.Fatalf("ConnectBusAtStartup: %v", err)
	}
	if !bus.called {
		t.Fatalf("expected Connect to be called")
	}
}
