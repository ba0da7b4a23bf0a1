package stream

import (
	"testing"
	"time"
)

func TestSubscribeReplaysThenFollowsLive(t *testing.T) {
	registry := NewRegistry()
	s := registry.Register("stream-1")

	s.Publish([]byte("one"))
	s.Publish([]byte("two"))

	replay, live, cancel, ok := registry.Subscribe("stream-1")
	if !ok {
		t.Fatal("expected stream to be subscribable")
	}
	defer cancel()

	if len(replay) != 2 || string(replay[0]) != "one" || string(replay[1]) != "two" {
		t.Fatalf("unexpected replay: %q", replay)
	}

	s.Publish([]byte("three"))
	select {
	case frame := <-live:
		if string(frame) != "three" {
			t.Fatalf("unexpected live frame: %q", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live frame")
	}

	s.Close()
	select {
	case _, open := <-live:
		if open {
			t.Fatal("expected live channel to close after stream close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestSubscribeAfterCloseGetsFullReplay(t *testing.T) {
	registry := NewRegistry()
	s := registry.Register("stream-1")
	s.Publish([]byte("only"))
	s.Close()

	replay, live, cancel, ok := registry.Subscribe("stream-1")
	if !ok {
		t.Fatal("closed but unreleased stream should still be subscribable")
	}
	defer cancel()

	if len(replay) != 1 || string(replay[0]) != "only" {
		t.Fatalf("unexpected replay: %q", replay)
	}
	if _, open := <-live; open {
		t.Fatal("live channel of a closed stream must be closed")
	}
}

func TestReleaseRemovesStream(t *testing.T) {
	registry := NewRegistry()
	s := registry.Register("stream-1")
	registry.Release(s)

	if _, _, _, ok := registry.Subscribe("stream-1"); ok {
		t.Fatal("released stream must not be subscribable")
	}
}

func TestRegisterSupersedesPreviousStream(t *testing.T) {
	registry := NewRegistry()
	first := registry.Register("stream-1")
	_, live, cancel, ok := registry.Subscribe("stream-1")
	if !ok {
		t.Fatal("subscribe first")
	}
	defer cancel()

	second := registry.Register("stream-1")

	// The first stream is closed, so its subscribers drain out.
	select {
	case _, open := <-live:
		if open {
			t.Fatal("expected superseded stream's channel to close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for superseded close")
	}

	// Releasing the stale handle must not evict the replacement.
	registry.Release(first)
	if _, _, _, ok := registry.Subscribe("stream-1"); !ok {
		t.Fatal("replacement stream should still be registered")
	}
	registry.Release(second)
}
