package security

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// Reloader refreshes the directory registry on a cron schedule, so parameter
// changes made in the database are picked up without a restart.
type Reloader struct {
	registry *DirectoryRegistry
	schedule string
	cron     *cron.Cron
}

// NewReloader returns a Reloader for the given cron schedule, e.g.
// "@every 5m".
func NewReloader(registry *DirectoryRegistry, schedule string) *Reloader {
	return &Reloader{
		registry: registry,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start schedules the reload job and starts the cron runner.
func (r *Reloader) Start() error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		if err := r.registry.Reload(context.Background()); err != nil {
			log.Printf("security: scheduled registry reload failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reload schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	return nil
}

// Stop stops the cron runner and waits for a running reload to finish.
func (r *Reloader) Stop() {
	<-r.cron.Stop().Done()
}
