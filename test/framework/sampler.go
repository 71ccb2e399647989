package framework

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aegismesh/aegis/pkg/registry"
)

// Sampler checks the single-active invariant at a fixed cadence while a
// scenario runs: at no sampled instant may more than one live registry
// entry hold the sticky-active role for the cluster's group. Read errors
// are tallied separately so a closing broker does not masquerade as a
// violation.
type Sampler struct {
	cluster *Cluster
	every   time.Duration

	mu         sync.Mutex
	samples    int
	errors     int
	violations []string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler builds a sampler over c checking every interval.
func NewSampler(c *Cluster, every time.Duration) *Sampler {
	return &Sampler{cluster: c, every: every}
}

// Start begins sampling in the background until Stop is called or ctx
// ends.
func (s *Sampler) Start(ctx context.Context) error {
	reg, err := s.cluster.Registry(ctx)
	if err != nil {
		return err
	}
	sctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(sctx, reg)
	return nil
}

func (s *Sampler) loop(ctx context.Context, reg *registry.Registry) {
	defer close(s.done)
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx, reg)
		}
	}
}

func (s *Sampler) sample(ctx context.Context, reg *registry.Registry) {
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	n, err := reg.CountActive(cctx, s.cluster.Service(), s.cluster.Group())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples++
	if err != nil {
		if ctx.Err() == nil {
			s.errors++
		}
		return
	}
	if n > 1 {
		s.violations = append(s.violations,
			fmt.Sprintf("sample %d saw %d active instances in group %s", s.samples, n, s.cluster.Group()))
	}
}

// Stop halts sampling and returns the violations observed. Safe to call
// more than once.
func (s *Sampler) Stop() []string {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}

// Samples reports how many checks ran.
func (s *Sampler) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

// Errors reports how many checks failed to read the registry.
func (s *Sampler) Errors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors
}
