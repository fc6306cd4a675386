package bgsync

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Probe reports whether the upstream is currently reachable
type Probe func(ctx context.Context) error

// NewMonitor returns a connectivity monitor firing the queue when the
// upstream becomes reachable again
func NewMonitor(probe Probe, interval time.Duration, queue *Queue) *Monitor {
	return &Monitor{
		probe:    probe,
		interval: interval,
		queue:    queue,
	}
}

// Monitor periodically probes upstream reachability
// An offline to online transition is the connectivity restored signal that
// fires the pending sync registrations
type Monitor struct {
	probe    Probe
	interval time.Duration
	queue    *Queue

	m      sync.Mutex
	online bool
}

// Online reports the last observed connectivity state
func (mo *Monitor) Online() bool {
	mo.m.Lock()
	defer mo.m.Unlock()

	return mo.online
}

// Run probes until the context is cancelled
func (mo *Monitor) Run(ctx context.Context) {
	mo.check(ctx)
	ticker := time.NewTicker(mo.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mo.check(ctx)
		}
	}
}

func (mo *Monitor) check(ctx context.Context) {
	err := mo.probe(ctx)
	online := err == nil

	mo.m.Lock()
	was := mo.online
	mo.online = online
	mo.m.Unlock()

	if online && !was {
		log.Info("Connectivity restored, firing pending sync tags")
		mo.queue.FireDue(ctx)
	}
	if !online && was {
		log.Infof("Upstream unreachable, sync work will queue: %s", err)
	}
}
