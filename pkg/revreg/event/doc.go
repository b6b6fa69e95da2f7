/*
Package event provides the in-process event bus the revocation saga runs on.

Subscribers register a regular expression over topic strings; publishing
fans an event out to every subscriber whose pattern matches. Delivery is
fire-and-forget: each matching handler runs in its own goroutine, bounded by
a semaphore, and a failing handler never affects its siblings or the
publisher.

Every event is published into a scope (the tenant profile name) that is
handed to the handler alongside the event.

# Basic Usage

	bus := event.NewBus(event.BusConfig{MaxConcurrentTasks: 50})
	defer bus.Shutdown(ctx)

	sub, err := bus.Subscribe(`^anoncreds::revocation-list::.*$`,
	    event.HandlerFunc(func(ctx context.Context, profile string, evt event.Event) error {
	        // evt.Match holds the regex submatches
	        return nil
	    }))

	bus.Publish(ctx, "tenant-a", "anoncreds::revocation-list::finished", payload)

# Waiting for an event

	w, _ := bus.WaitForEvent("tenant-a", `::finished$`, nil)
	trigger()
	evt, err := w.Wait(ctx)

# Tests

Drain blocks until every dispatched handler has returned, including the
dispatches those handlers schedule.
*/
package event
