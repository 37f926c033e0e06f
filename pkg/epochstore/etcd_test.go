package epochstore

import (
	"context"
	"testing"
	"time"

	"github.com/jcserv/homelab/internal/testutil"
	"github.com/jcserv/homelab/pkg/outage"
)

func TestEtcdStoreRoundTrip(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)

	store, err := NewEtcd(EtcdOptions{
		Endpoints: cluster.Endpoints,
		Namespace: "homelab",
		Key:       "/power-monitor/epoch",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	if store.Key() != "/homelab/power-monitor/epoch" {
		t.Fatalf("unexpected key %s", store.Key())
	}

	ctx := context.Background()
	if _, ok, err := store.Load(ctx); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snapshot := outage.Snapshot{
		StartedAt: started,
		Stages: map[string]outage.Stage{
			"pi5-01": outage.StageDrained,
			"pi4-01": outage.StageActive,
		},
	}
	if err := store.Save(ctx, snapshot); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, ok, err := store.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if !loaded.StartedAt.Equal(started) {
		t.Fatalf("expected start %s, got %s", started, loaded.StartedAt)
	}
	if loaded.Stages["pi5-01"] != outage.StageDrained || loaded.Stages["pi4-01"] != outage.StageActive {
		t.Fatalf("unexpected stages %+v", loaded.Stages)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, err := store.Load(ctx); err != nil || ok {
		t.Fatalf("expected cleared store, got ok=%v err=%v", ok, err)
	}
	// Clearing twice is fine.
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestNewEtcdValidation(t *testing.T) {
	if _, err := NewEtcd(EtcdOptions{Endpoints: []string{"127.0.0.1:2379"}}); err == nil {
		t.Fatal("expected error for missing key")
	}
	if _, err := NewEtcd(EtcdOptions{Key: "epoch"}); err == nil {
		t.Fatal("expected error for missing endpoints")
	}
}

func TestMemoryStoreCopiesSnapshots(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	snapshot := outage.Snapshot{StartedAt: time.Unix(100, 0), Stages: map[string]outage.Stage{"a": outage.StageCordoned}}
	if err := store.Save(ctx, snapshot); err != nil {
		t.Fatalf("save: %v", err)
	}
	snapshot.Stages["a"] = outage.StageShutDown

	loaded, ok, _ := store.Load(ctx)
	if !ok || loaded.Stages["a"] != outage.StageCordoned {
		t.Fatalf("expected stored copy to be isolated, got %+v", loaded)
	}

	_ = store.Clear(ctx)
	if _, ok, _ := store.Load(ctx); ok {
		t.Fatal("expected empty store after clear")
	}
}

func TestApplyNamespace(t *testing.T) {
	cases := map[[2]string]string{
		{"", "epoch"}:      "/epoch",
		{"/ns/", "/epoch"}: "/ns/epoch",
		{"ns", "a/b"}:      "/ns/a/b",
	}
	for in, want := range cases {
		if got := ApplyNamespace(in[0], in[1]); got != want {
			t.Fatalf("ApplyNamespace(%q, %q) = %q, want %q", in[0], in[1], got, want)
		}
	}
}

func TestEtcdStoreSharesClient(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	client := cluster.Client(t)

	store, err := NewEtcd(EtcdOptions{Client: client, Key: "epoch"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Save(context.Background(), outage.Snapshot{StartedAt: time.Now()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Closing the store must leave the shared client usable.
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := client.Get(context.Background(), "/epoch"); err != nil {
		t.Fatalf("expected shared client to stay open, got %v", err)
	}
}
