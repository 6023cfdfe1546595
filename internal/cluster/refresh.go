package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const refreshTimeout = 30 * time.Second

// Refresher rewrites the pull secret on a cron schedule so workloads keep
// pulling after the registry token expires.
type Refresher struct {
	secrets *PullSecrets
	cron    *cron.Cron
}

// NewRefresher schedules secrets.Ensure according to spec, e.g. "@every 6h"
// or "0 */6 * * *". The schedule is not running until Start.
func NewRefresher(secrets *PullSecrets, spec string) (*Refresher, error) {
	c := cron.New()
	r := &Refresher{secrets: secrets, cron: c}
	if _, err := c.AddFunc(spec, r.refresh); err != nil {
		return nil, fmt.Errorf("parse pull secret schedule %q: %w", spec, err)
	}
	return r, nil
}

// Start runs the schedule in the background.
func (r *Refresher) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Refresher) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := r.secrets.Ensure(ctx); err != nil {
		r.secrets.logger.Error("scheduled pull secret refresh failed", "secret", r.secrets.name, "error", err)
	}
}
