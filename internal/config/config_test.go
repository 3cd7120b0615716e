package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Scheduler.QuantumTicks <= 0 || c.Ksync.MaxSpins <= 0 || c.Signal.RTQueueCap <= 0 {
		t.Fatalf("defaults: %+v", c)
	}
	if err := c.validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestSetRejectsInvalid(t *testing.T) {
	c := Default()
	c.Ksync.SpinBeforeYield = c.Ksync.MaxSpins + 1
	if err := Set(c); err == nil {
		t.Fatal("spin_before_yield above max_spins accepted")
	}
	c = Default()
	c.Scheduler.QuantumTicks = 0
	if err := Set(c); err == nil {
		t.Fatal("zero quantum accepted")
	}
}

func TestLoadFile(t *testing.T) {
	old := Get()
	defer Set(old)

	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	body := "scheduler:\n  quantum_ticks: 9\nksync:\n  max_spins: 20\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := LoadFile(path); err != nil {
		t.Fatal(err)
	}
	c := Get()
	if c.Scheduler.QuantumTicks != 9 || c.Ksync.MaxSpins != 20 {
		t.Fatalf("loaded: %+v", c)
	}
	// Omitted fields keep their defaults.
	if c.Signal.RTQueueCap != Default().Signal.RTQueueCap {
		t.Fatalf("default lost: %+v", c.Signal)
	}
}

func TestLoadFileRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte(":\t not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := LoadFile(path); err == nil {
		t.Fatal("bad yaml accepted")
	}
}

func TestWatchReloads(t *testing.T) {
	old := Get()
	defer Set(old)

	dir := t.TempDir()
	path := filepath.Join(dir, "kestrel.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  quantum_ticks: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := LoadFile(path); err != nil {
		t.Fatal(err)
	}
	stop, err := Watch(path)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte("scheduler:\n  quantum_ticks: 11\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for Get().Scheduler.QuantumTicks != 11 {
		if time.Now().After(deadline) {
			t.Fatalf("reload did not land: %+v", Get().Scheduler)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A broken rewrite keeps the previous snapshot.
	if err := os.WriteFile(path, []byte("scheduler:\n  quantum_ticks: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if Get().Scheduler.QuantumTicks != 11 {
		t.Fatalf("invalid reload replaced the snapshot: %+v", Get().Scheduler)
	}
}
