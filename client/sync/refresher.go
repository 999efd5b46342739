package sync

import (
	"context"
	"time"
)

// StartRefresher polls the backend at a fixed interval, invalidating and
// refetching both collections. A collection with an unresolved mutation is
// skipped for that tick so the poll can never overwrite an optimistic
// edit. The returned func stops the refresher.
func (c *Coordinator) StartRefresher(interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Minute
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ctx := context.Background()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !c.tasks.MutationPending(c.TasksKey()) {
					c.tasks.Invalidate(c.TasksKey())
					c.tasks.Get(ctx, c.TasksKey())
				}
				if !c.categories.MutationPending(c.CategoriesKey()) {
					c.categories.Invalidate(c.CategoriesKey())
					c.categories.Get(ctx, c.CategoriesKey())
				}
			}
		}
	}()
	return func() { close(stop) }
}
