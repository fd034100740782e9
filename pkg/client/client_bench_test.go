package client_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/tasklock/pkg/client"
)

// Run with: go test -bench=. -benchtime=10s ./pkg/client/

type latencyStats struct {
	samples []time.Duration
	mu      sync.Mutex
}

func (s *latencyStats) record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, d)
}

func (s *latencyStats) percentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		return 0
	}
	sort.Slice(s.samples, func(i, j int) bool {
		return s.samples[i] < s.samples[j]
	})
	idx := int(float64(len(s.samples)) * p)
	if idx >= len(s.samples) {
		idx = len(s.samples) - 1
	}
	return s.samples[idx]
}

func BenchmarkSequential(b *testing.B) {
	c := newClient(b, startServer(b), "bench-sequential")
	ctx := context.Background()
	stats := &latencyStats{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		l, err := c.Obtain(ctx, "bench-sequential", "upload")
		if err != nil {
			b.Fatalf("Failed to obtain: %v", err)
		}
		if err := l.Release(ctx); err != nil {
			b.Fatalf("Failed to release: %v", err)
		}
		stats.record(time.Since(start))
	}
	b.StopTimer()

	b.ReportMetric(float64(stats.percentile(0.50).Microseconds()), "p50-us")
	b.ReportMetric(float64(stats.percentile(0.99).Microseconds()), "p99-us")
}

func BenchmarkParallel(b *testing.B) {
	lis := startServer(b)
	var n atomic.Int64

	b.RunParallel(func(pb *testing.PB) {
		id := n.Add(1)
		c := newClient(b, lis, fmt.Sprintf("bench-parallel-%d", id))
		ctx := context.Background()
		resource := fmt.Sprintf("form-%d", id)

		for pb.Next() {
			l, err := c.Obtain(ctx, resource, "upload")
			if err != nil {
				continue
			}
			l.Release(ctx)
		}
	})
}

func BenchmarkContention(b *testing.B) {
	const numClients = 3
	lis := startServer(b)
	ctx := context.Background()

	clients := make([]*client.Client, numClients)
	for i := range clients {
		clients[i] = newClient(b, lis, fmt.Sprintf("bench-contention-%d", i))
	}

	var acquired atomic.Int64
	b.ResetTimer()

	var wg sync.WaitGroup
	opsPerClient := b.N / numClients

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			for j := 0; j < opsPerClient; j++ {
				l, err := c.Obtain(ctx, "bench-contention", "upload")
				// ErrNotAcquired or a race fault
				if err != nil {
					continue
				}
				acquired.Add(1)
				time.Sleep(1 * time.Millisecond)
				l.Release(ctx)
			}
		}(clients[i])
	}

	wg.Wait()
	b.ReportMetric(float64(acquired.Load())/float64(b.N), "acquired/op")
}
