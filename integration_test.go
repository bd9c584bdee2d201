package crabdb_test

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/matteso1/crabdb/internal/client"
	"github.com/matteso1/crabdb/internal/engine"
	"github.com/matteso1/crabdb/internal/metrics"
	"github.com/matteso1/crabdb/internal/server"
	"github.com/matteso1/crabdb/internal/storage"
)

// Integration tests drive the engine through the actor, and through the
// full gRPC stack.

type cluster struct {
	dir     string
	manager *storage.SegmentManager
	actor   *engine.StorageActor
	handle  engine.Handle
}

func startEngine(t *testing.T, mergeInterval time.Duration) *cluster {
	t.Helper()
	dir := t.TempDir()

	config := storage.DefaultConfig()
	config.MergeInterval = mergeInterval
	config.Metrics = metrics.NewMetrics()
	m, err := storage.Open(dir, config)
	if err != nil {
		t.Fatal(err)
	}

	actor := engine.NewStorageActor(m, engine.Config{})
	actor.Start()
	t.Cleanup(func() { actor.Stop() })

	return &cluster{dir: dir, manager: m, actor: actor, handle: actor.Handle()}
}

func TestE2E_WriteThenRead(t *testing.T) {
	c := startEngine(t, time.Hour)
	ctx := context.Background()

	if err := c.handle.Write(ctx, "a", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	value, found, err := c.handle.Read(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(value) != "hello" {
		t.Errorf("expected hello, got %q (found=%v)", value, found)
	}
}

func TestE2E_Overwrite(t *testing.T) {
	c := startEngine(t, time.Hour)
	ctx := context.Background()

	for _, v := range []string{"hello", "world"} {
		if err := c.handle.Write(ctx, "a", []byte(v)); err != nil {
			t.Fatal(err)
		}
	}

	value, _, err := c.handle.Read(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if string(value) != "world" {
		t.Errorf("expected world, got %q", value)
	}
	if size := c.manager.Stats().LiveSegmentSize; size != int64(len("world")) {
		t.Errorf("expected live segment size %d, got %d", len("world"), size)
	}
}

func TestE2E_ThresholdFlush(t *testing.T) {
	c := startEngine(t, time.Hour)
	ctx := context.Background()

	// 2048 bytes of payload; the last write crosses the threshold.
	value := bytes.Repeat([]byte("v"), 64)
	for i := 0; i < 32; i++ {
		if err := c.handle.Write(ctx, fmt.Sprintf("key-%02d", i), value); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.manager.Stats().LiveSegmentSize != 0 || len(c.manager.SegmentFiles()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("flush did not happen: %+v", c.manager.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}

	segmentMap, err := storage.LoadSegmentMap(filepath.Join(c.dir, storage.DefaultManifestFile))
	if err != nil {
		t.Fatal(err)
	}
	if n := segmentMap.Len(); n != 1 {
		t.Errorf("expected 1 segment file in manifest, got %d", n)
	}

	// Flushed keys stay readable.
	got, found, err := c.handle.Read(ctx, "key-07")
	if err != nil {
		t.Fatal(err)
	}
	if !found || !bytes.Equal(got, value) {
		t.Errorf("key-07 not readable after flush")
	}
}

func TestE2E_MissingKey(t *testing.T) {
	c := startEngine(t, time.Hour)

	_, found, err := c.handle.Read(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("expected missing key to be absent")
	}
}

func TestE2E_BackgroundCompaction(t *testing.T) {
	c := startEngine(t, 20*time.Millisecond)
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("key-%d", i)
			if err := c.handle.Write(ctx, key, []byte(fmt.Sprintf("round-%d", round))); err != nil {
				t.Fatal(err)
			}
		}
		if err := c.manager.Flush(); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(c.manager.SegmentFiles()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected compaction to a single file, have %v", c.manager.SegmentFiles())
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 10; i++ {
		value, _, err := c.handle.Read(ctx, fmt.Sprintf("key-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if string(value) != "round-2" {
			t.Errorf("key-%d: expected round-2, got %q", i, value)
		}
	}
}

func TestE2E_GRPC(t *testing.T) {
	c := startEngine(t, time.Hour)

	srv := server.NewServer(c.handle, server.ServerConfig{})
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	defer srv.Stop()

	ctx := context.Background()
	cl, err := client.Dial(ctx, "bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if _, err := cl.Write(ctx, "crab", []byte("shell")); err != nil {
		t.Fatal(err)
	}
	value, found, err := cl.Read(ctx, "crab")
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(value) != "shell" {
		t.Errorf("expected shell, got %q (found=%v)", value, found)
	}

	// Data survives a restart of the engine.
	if err := c.actor.Stop(); err != nil {
		t.Fatal(err)
	}
	reopened, err := storage.Open(c.dir, storage.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	value, found, err = reopened.Get("crab")
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(value) != "shell" {
		t.Errorf("expected shell after reopen, got %q (found=%v)", value, found)
	}
}
