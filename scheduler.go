package manet

// scheduler.go holds the discrete-event scheduler that orders every
// protocol and traffic event of a simulation run.
//
// An event is a handler function, a context, and a data item, which fire at
// some point in simulation time.  Events are kept in a min-priority heap keyed
// first on the firing time and then on the order in which they were scheduled,
// so events with identical firing times are dispatched first-come first-serve.
// Handlers never block; any waiting is expressed by scheduling another event.

import (
	"container/heap"
	"fmt"
	"math"

	"github.com/iti/evt/vrtime"
)

// ticksPerSecond is the resolution of the internal clock (nanoseconds)
const ticksPerSecond = 1e9

// EventHandlerFunction is the signature of every event handler.  The scheduler
// passes itself, the context given when the event was scheduled, and the data
// item given at that time.
type EventHandlerFunction func(*EventScheduler, any, any) any

// event is one pending entry of the event list
type event struct {
	id      int
	at      int64  // firing time, in ticks
	seq     uint64 // insertion order, breaks ties on at
	context any
	data    any
	handler EventHandlerFunction
}

// eventHeap and its methods implement a min-priority heap
// on (firing time, insertion order)
type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// EventScheduler holds the clock and the event list of a single simulation run
type EventScheduler struct {
	now       int64        // current time in ticks
	nxtSeq    uint64       // next insertion sequence number
	nxtID     int          // next event identifier
	events    eventHeap    // pending events
	cancelled map[int]bool // ids of pending events that must not fire
	running   bool         // true while Run is dispatching
	stopped   bool         // set by Stop, final
	fired     int          // number of events dispatched
}

// CreateEventScheduler is a constructor
func CreateEventScheduler() *EventScheduler {
	es := new(EventScheduler)
	es.events = eventHeap{}
	es.cancelled = make(map[int]bool)
	heap.Init(&es.events)
	return es
}

// secondsToTicks converts a duration in seconds to clock ticks
func secondsToTicks(secs float64) int64 {
	return int64(math.Round(secs * ticksPerSecond))
}

// Schedule puts an event on the event list, to fire delay seconds from now.  Parameters are
// - context : handed back to the handler as its second argument
// - data : handed back to the handler as its third argument
// - handler : the function called when the event fires
// - delay : offset in seconds from the current time, must be non-negative
// The return is the event's identifier, usable with Cancel.
func (es *EventScheduler) Schedule(context any, data any, handler EventHandlerFunction, delay float64) (int, error) {
	if es.stopped {
		panic("event scheduled on a stopped scheduler")
	}
	if math.IsNaN(delay) || delay < 0.0 {
		return 0, fmt.Errorf("%w: event delay %v is negative", ErrConfig, delay)
	}
	if handler == nil {
		return 0, fmt.Errorf("%w: event has no handler", ErrConfig)
	}

	es.nxtID += 1
	es.nxtSeq += 1
	evt := &event{id: es.nxtID, at: es.now + secondsToTicks(delay), seq: es.nxtSeq,
		context: context, data: data, handler: handler}
	heap.Push(&es.events, evt)
	return evt.id, nil
}

// after is Schedule for callers whose delay is non-negative by construction
func (es *EventScheduler) after(context any, data any, handler EventHandlerFunction, delay float64) int {
	id, err := es.Schedule(context, data, handler, delay)
	if err != nil {
		panic(err)
	}
	return id
}

// Cancel marks a pending event so that it is discarded rather than fired.
// The return is false if no such event is pending.
func (es *EventScheduler) Cancel(eventID int) bool {
	for _, evt := range es.events {
		if evt.id == eventID {
			if es.cancelled[eventID] {
				return false
			}
			es.cancelled[eventID] = true
			return true
		}
	}
	return false
}

// Run dispatches events in time order until the event list is empty, Stop is called,
// or the next event would fire at or after simulation time 'until'.  When the
// limit is what ended the run the clock is left reading 'until'.  Run may be called
// again with a later limit to continue.
func (es *EventScheduler) Run(until float64) {
	if es.running {
		panic("Run called from within an event handler")
	}
	limit := secondsToTicks(until)
	es.running = true
	defer func() { es.running = false }()

	for !es.stopped && len(es.events) > 0 {
		if es.events[0].at >= limit {
			break
		}
		evt := heap.Pop(&es.events).(*event)
		if es.cancelled[evt.id] {
			delete(es.cancelled, evt.id)
			continue
		}
		es.now = evt.at
		es.fired += 1
		evt.handler(es, evt.context, evt.data)
	}
	if !es.stopped && es.now < limit {
		es.now = limit
	}
}

// Stop ends the run.  The event in flight (if any) completes, everything still
// pending is discarded, and no further events may be scheduled.
func (es *EventScheduler) Stop() {
	es.stopped = true
	es.events = eventHeap{}
	es.cancelled = make(map[int]bool)
}

// Stopped reports whether Stop has been called
func (es *EventScheduler) Stopped() bool {
	return es.stopped
}

// CurrentSeconds gives the simulation time in seconds
func (es *EventScheduler) CurrentSeconds() float64 {
	return float64(es.now) / ticksPerSecond
}

// CurrentTime gives the simulation time in the vrtime representation used in trace records
func (es *EventScheduler) CurrentTime() vrtime.Time {
	return vrtime.SecondsToTime(es.CurrentSeconds())
}

// Pending is the number of events on the event list, cancelled ones included
func (es *EventScheduler) Pending() int {
	return len(es.events)
}

// Fired is the number of events dispatched so far
func (es *EventScheduler) Fired() int {
	return es.fired
}
