/*
Package event provides the pub/sub event bus shared by the toolgate services.

A Bus is an instance owned by the service container; there is no package-level
bus. Subscribers registered with Subscribe or SubscribeAll are called directly
so payloads keep their Go types. While a Stream is open, every published event
is also encoded as JSON and sent through a watermill gochannel topic, which is
what the SSE endpoint consumes.

# Event Types

Permission Events:
  - permission.requested: a tool call is waiting for a human answer
  - permission.resolved: the request was answered or canceled

Tool Call Events:
  - toolcall.updated: a tool call changed state (payload is a lifecycle snapshot)

Job Events:
  - job.started: a background process was spawned
  - job.exited: a background process exited or was killed

Other Events:
  - service.state: a container service changed state
  - policy.changed: the effective policy list was invalidated

# Usage

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.JobExited, func(e event.Event) {
		snap := e.Data.(jobs.Snapshot)
		logging.Info().Str("job", snap.ID).Msg("Job exited")
	})
	defer unsubscribe()

	bus.Publish(event.Event{Type: event.JobExited, Data: snap})

# Subscriber Safety

PublishSync calls subscribers in the publisher's goroutine. Subscribers must
return quickly, must not publish re-entrantly and must not take locks the
publisher may hold. Use a buffered channel with a non-blocking send when work
has to be handed off:

	bus.SubscribeAll(func(e event.Event) {
		select {
		case ch <- e:
		default:
			logging.Warn().Str("type", string(e.Type)).Msg("Event dropped")
		}
	})
*/
package event
