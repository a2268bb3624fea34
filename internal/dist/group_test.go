package dist

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func testConfig(rank, world, port int) Config {
	return Config{
		Rank:       rank,
		World:      world,
		MasterAddr: "127.0.0.1",
		MasterPort: port,
		Timeout:    10 * time.Second,
	}
}

// startGroup runs Init for every rank concurrently and returns the groups.
func startGroup(t *testing.T, world, port int) []*Group {
	t.Helper()
	groups := make([]*Group, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			groups[rank], errs[rank] = Init(context.Background(), testConfig(rank, world, port))
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d init: %v", rank, err)
		}
	}
	t.Cleanup(func() {
		for _, g := range groups {
			g.Close()
		}
	})
	return groups
}

func TestSingleProcessGroup(t *testing.T) {
	g, err := Init(context.Background(), Config{Rank: 0, World: 1})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer g.Close()
	if !g.IsCoordinator() {
		t.Fatal("single process must be the coordinator")
	}
	buf := []float32{1, 2, 3}
	if err := g.AllReduceSum(buf); err != nil {
		t.Fatalf("AllReduceSum: %v", err)
	}
	if buf[0] != 1 || buf[1] != 2 || buf[2] != 3 {
		t.Fatalf("single-rank reduce changed the buffer: %v", buf)
	}
	if err := g.Barrier(); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
}

func TestAllReduceSumTwoRanks(t *testing.T) {
	groups := startGroup(t, 2, freePort(t))

	bufs := [][]float32{{1, 2, 4}, {10, 20, 40}}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank := range groups {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = groups[rank].AllReduceSum(bufs[rank])
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d all-reduce: %v", rank, err)
		}
	}
	for rank, buf := range bufs {
		if buf[0] != 11 || buf[1] != 22 || buf[2] != 44 {
			t.Fatalf("rank %d got %v, want [11 22 44]", rank, buf)
		}
	}
}

func TestAllReduceThreeRanksRepeated(t *testing.T) {
	groups := startGroup(t, 3, freePort(t))

	for round := 0; round < 3; round++ {
		bufs := make([][]float32, 3)
		errs := make([]error, 3)
		var wg sync.WaitGroup
		for rank := range groups {
			bufs[rank] = []float32{float32(rank + 1)}
			wg.Add(1)
			go func(rank int) {
				defer wg.Done()
				errs[rank] = groups[rank].AllReduceSum(bufs[rank])
			}(rank)
		}
		wg.Wait()
		for rank, err := range errs {
			if err != nil {
				t.Fatalf("round %d rank %d: %v", round, rank, err)
			}
			if bufs[rank][0] != 6 {
				t.Fatalf("round %d rank %d got %v, want 6", round, rank, bufs[rank])
			}
		}
	}
}

func TestBarrier(t *testing.T) {
	groups := startGroup(t, 2, freePort(t))
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank := range groups {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = groups[rank].Barrier()
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d barrier: %v", rank, err)
		}
	}
}

func TestAllReduceDivergenceDetected(t *testing.T) {
	groups := startGroup(t, 2, freePort(t))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = groups[0].AllReduceSum(make([]float32, 4))
	}()
	go func() {
		defer wg.Done()
		// Worker arrives with a different gradient size.
		errs[1] = groups[1].AllReduceSum(make([]float32, 2))
	}()
	wg.Wait()

	if errs[0] == nil || !strings.Contains(errs[0].Error(), "divergence") {
		t.Fatalf("coordinator error = %v, want divergence", errs[0])
	}
	if errs[1] == nil {
		t.Fatal("worker should fail once the group tears down")
	}
}

func TestBarrierWithinOutlivesGroupTimeout(t *testing.T) {
	port := freePort(t)
	groups := make([]*Group, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			cfg := testConfig(rank, 2, port)
			cfg.Timeout = 500 * time.Millisecond
			groups[rank], errs[rank] = Init(context.Background(), cfg)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d init: %v", rank, err)
		}
	}
	t.Cleanup(func() {
		for _, g := range groups {
			g.Close()
		}
	})

	// Rank 1 arrives well past the group's collective timeout; the barrier's
	// own deadline must cover the wait.
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = groups[0].BarrierWithin(10 * time.Second)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(1200 * time.Millisecond)
		errs[1] = groups[1].BarrierWithin(10 * time.Second)
	}()
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d barrier: %v", rank, err)
		}
	}
}

func TestRendezvousTimeout(t *testing.T) {
	cfg := testConfig(0, 2, freePort(t))
	cfg.Timeout = 300 * time.Millisecond
	start := time.Now()
	if _, err := Init(context.Background(), cfg); err == nil {
		t.Fatal("expected rendezvous failure with a missing peer")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("rendezvous did not respect the timeout")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("RANK", "")
	t.Setenv("LOCAL_RANK", "")
	t.Setenv("WORLD_SIZE", "")
	t.Setenv("MASTER_ADDR", "")
	t.Setenv("MASTER_PORT", "")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Rank != 0 || cfg.World != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromEnvTorchrunVars(t *testing.T) {
	t.Setenv("RANK", "")
	t.Setenv("LOCAL_RANK", "2")
	t.Setenv("WORLD_SIZE", "4")
	t.Setenv("MASTER_ADDR", "10.0.0.1")
	t.Setenv("MASTER_PORT", "23456")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Rank != 2 || cfg.World != 4 || cfg.MasterAddr != "10.0.0.1" || cfg.MasterPort != 23456 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestFromEnvRejectsBadRank(t *testing.T) {
	t.Setenv("RANK", "5")
	t.Setenv("WORLD_SIZE", "2")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for rank >= world size")
	}
}
