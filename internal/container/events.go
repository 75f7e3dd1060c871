package container

// EventType identifies a service lifecycle event.
type EventType string

const (
	EventInitializing EventType = "initializing"
	EventInitialized  EventType = "initialized"
	EventStateChanged EventType = "stateChanged"
	EventError        EventType = "error"
)

// EventAll subscribes to every event type.
const EventAll EventType = "*"

// ServiceEvent is delivered to listeners registered with On.
type ServiceEvent struct {
	Service string    `json:"service"`
	Type    EventType `json:"type"`
	State   any       `json:"-"`
	Err     error     `json:"-"`
}

type listener struct {
	id uint64
	fn func(ServiceEvent)
}

// On registers fn for events of type t (EventAll for every type) and returns
// a function that removes it. Listeners run synchronously and must not call
// back into the container's Register.
func (c *Container) On(t EventType, fn func(ServiceEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.listeners[t] = append(c.listeners[t], listener{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ls := c.listeners[t]
		for i, l := range ls {
			if l.id == id {
				c.listeners[t] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
	}
}

func (c *Container) emit(ev ServiceEvent) {
	c.mu.Lock()
	fns := make([]func(ServiceEvent), 0, len(c.listeners[ev.Type])+len(c.listeners[EventAll]))
	for _, l := range c.listeners[ev.Type] {
		fns = append(fns, l.fn)
	}
	for _, l := range c.listeners[EventAll] {
		fns = append(fns, l.fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
