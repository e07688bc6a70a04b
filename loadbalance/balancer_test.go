package loadbalance

import (
	"errors"
	"fmt"
	"testing"

	"harpc/registry"
)

var testInstances = []registry.Instance{
	{Addr: ":8001", Weight: 10},
	{Addr: ":8002", Weight: 5},
	{Addr: ":8003", Weight: 10},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = inst.Addr
	}
	if results[0] != ":8001" || results[1] != ":8002" || results[2] != ":8003" {
		t.Fatalf("unexpected order %v", results)
	}

	// Pick again, should wrap around to first
	inst, _ := b.Pick(testInstances)
	if inst.Addr != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], inst.Addr)
	}
}

func TestBalancersEmpty(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer()} {
		if _, err := b.Pick(nil); !errors.Is(err, ErrNoInstances) {
			t.Fatalf("%s: expect ErrNoInstances, got %v", b.Name(), err)
		}
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	instances := []registry.Instance{{Addr: ":1"}, {Addr: ":2"}}
	for i := 0; i < 100; i++ {
		if _, err := b.Pick(instances); err != nil {
			t.Fatal(err)
		}
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	// Same key should always map to the same instance
	inst1, _ := b.PickKey("user-123", testInstances)
	inst2, _ := b.PickKey("user-123", testInstances)
	if inst1.Addr != inst2.Addr {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst1.Addr, inst2.Addr)
	}

	// Different keys should (likely) map to different instances
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.PickKey(fmt.Sprintf("key-%d", i), testInstances)
		seen[inst.Addr] = true
	}

	// With 100 different keys and 3 nodes, we should hit at least 2
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}

func TestConsistentHashOrderIndependent(t *testing.T) {
	b := NewConsistentHashBalancer()
	reversed := []registry.Instance{testInstances[2], testInstances[1], testInstances[0]}

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%d", i)
		a, _ := b.PickKey(key, testInstances)
		c, _ := b.PickKey(key, reversed)
		if a.Addr != c.Addr {
			t.Fatalf("key %s moved from %s to %s when only the order changed", key, a.Addr, c.Addr)
		}
	}
}

func TestConsistentHashRemovalKeepsOtherKeys(t *testing.T) {
	b := NewConsistentHashBalancer()
	before := map[string]string{}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("k%d", i)
		inst, _ := b.PickKey(key, testInstances)
		before[key] = inst.Addr
	}

	remaining := testInstances[:2]
	for key, addr := range before {
		if addr == ":8003" {
			continue
		}
		inst, _ := b.PickKey(key, remaining)
		if inst.Addr != addr {
			t.Fatalf("key %s moved from %s to %s", key, addr, inst.Addr)
		}
	}
}
