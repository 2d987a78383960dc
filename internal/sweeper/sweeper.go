// Package sweeper persists EXPIRED for projects whose end time has passed.
package sweeper

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Expirer is the engine operation the sweeper drives.
type Expirer interface {
	ExpireProjects(ctx context.Context) ([]string, error)
}

type Sweeper struct {
	expirer Expirer
	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// New schedules expirer on spec, a standard cron line or an @every
// descriptor.
func New(expirer Expirer, spec string) (*Sweeper, error) {
	s := &Sweeper{expirer: expirer, cron: cron.New()}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return s, nil
}

// RunOnce expires ended projects now.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.expirer.ExpireProjects(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		log.WithField("projects", ids).Info("expired projects")
	}
	return len(ids), nil
}

func (s *Sweeper) tick() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	if _, err := s.RunOnce(context.Background()); err != nil {
		log.WithError(err).Warn("expire projects failed")
	}
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
