package ota

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/hearth/clock"
	"github.com/rustyeddy/hearth/codec"
	"github.com/rustyeddy/hearth/state"
)

type recordingPublisher struct {
	topic   string
	payload []byte
}

func (p *recordingPublisher) Publish(topic string, payload []byte) {
	p.topic = topic
	p.payload = payload
}

func TestTriggerPublishesToUpdateTopic(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "devices", "garage-controller", "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "devices", "garage-controller", "app", "main.ext"), []byte("x"), 0o644))

	o := New(root, "https://raw.example.com", "", fakeRegistry{known: map[string]bool{"garage-controller": true}})
	pub := &recordingPublisher{}

	m, err := o.Trigger(context.Background(), pub, "garage-controller", "main")
	require.NoError(t, err)
	assert.Equal(t, "home/system/garage-controller/update", pub.topic)

	var wire Manifest
	require.NoError(t, json.Unmarshal(pub.payload, &wire))
	assert.Equal(t, m, wire)
}

func TestAttemptTrackerMarksFailedOnNeedsHelp(t *testing.T) {
	fk := clock.NewFake(time.Now())
	s := state.New(fk)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})

	tracker := NewAttemptTracker()
	go tracker.Run(ctx, s)
	time.Sleep(20 * time.Millisecond) // let tracker.Run subscribe before the SOS event is applied

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "devices", "garage-controller", "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "devices", "garage-controller", "app", "main.ext"), []byte("x"), 0o644))
	o := New(root, "https://raw.example.com", "", fakeRegistry{known: map[string]bool{"garage-controller": true}})
	o.SetAttemptTracker(tracker)

	_, err := o.Trigger(ctx, &recordingPublisher{}, "garage-controller", "main")
	require.NoError(t, err)

	_, err = s.Apply(ctx, codec.Event{Kind: codec.KindSos, DeviceID: "garage-controller", Ts: fk.Now()})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		if ref, ok := tracker.Failed("garage-controller"); ok {
			assert.Equal(t, "main", ref)
			return
		}
		select {
		case <-deadline:
			t.Fatal("attempt was never marked failed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAttemptTrackerClearsOnOnline(t *testing.T) {
	fk := clock.NewFake(time.Now())
	s := state.New(fk)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})

	tracker := NewAttemptTracker()
	go tracker.Run(ctx, s)
	time.Sleep(20 * time.Millisecond) // let tracker.Run subscribe before the status event is applied
	tracker.start("garage-controller", "main")

	_, err := s.Apply(ctx, codec.Event{Kind: codec.KindStatusUpdate, DeviceID: "garage-controller", Status: "running", Ts: fk.Now()})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tracker.mu.Lock()
		_, stillInFlight := tracker.inFlight["garage-controller"]
		tracker.mu.Unlock()
		if !stillInFlight {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, failed := tracker.Failed("garage-controller")
	assert.False(t, failed)
}
