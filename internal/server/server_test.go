package server

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fclairamb/notesync/internal/notes"
	"github.com/fclairamb/notesync/internal/syncer"
)

type fakePending struct {
	count atomic.Int32
}

func (f *fakePending) PendingSyncNotes(context.Context) ([]notes.Note, error) {
	return make([]notes.Note, f.count.Load()), nil
}

func TestServer_StartAndShutdown(t *testing.T) {
	t.Parallel()

	syncs := &mockSyncer{}
	processed := make(chan error, 10)
	worker := NewSyncWorker(syncs,
		WithWorkerLogger(testLogger()),
		WithMinInterval(0),
		withDoneHook(func(err error) { processed <- err }))

	srv := NewServer(Config{Port: 0}, &fakeStatus{status: syncer.Idle(nil)}, &fakePending{}, worker, testLogger())
	if srv.Addr() != ":0" {
		t.Errorf("Addr() = %q", srv.Addr())
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() {
		stopped <- srv.Start(ctx)
	}()

	// The server syncs once on startup.
	waitProcessed(t, processed)
	if got := syncs.calls.Load(); got != 1 {
		t.Errorf("expected 1 startup sync, got %d", got)
	}

	cancel()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Start() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_NotifyIfPending(t *testing.T) {
	t.Parallel()

	pending := &fakePending{}
	worker := NewSyncWorker(&mockSyncer{}, WithWorkerLogger(testLogger()))
	srv := NewServer(Config{}, &fakeStatus{}, pending, worker, testLogger())

	srv.notifyIfPending(context.Background())
	if len(worker.notify) != 0 {
		t.Error("notified without pending notes")
	}

	pending.count.Store(2)
	srv.notifyIfPending(context.Background())
	if len(worker.notify) != 1 {
		t.Error("not notified with pending notes")
	}
}

func TestWatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "notes.db")
	if err := os.WriteFile(dbPath, []byte("initial"), 0600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan struct{}, 10)
	stopped := make(chan error, 1)
	go func() {
		stopped <- Watch(ctx, dbPath, testLogger(), func(context.Context) { changes <- struct{}{} })
	}()

	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)

	// Unrelated files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changes:
		t.Fatal("change reported for an unrelated file")
	case <-time.After(2 * watchDebounce):
	}

	// A burst of writes to the database and its journal is reported once.
	for i := range 5 {
		target := dbPath
		if i%2 == 1 {
			target = dbPath + "-wal"
		}
		if err := os.WriteFile(target, []byte{byte(i)}, 0600); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
	select {
	case <-changes:
		t.Error("burst reported more than once")
	case <-time.After(2 * watchDebounce):
	}

	cancel()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Watch() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
