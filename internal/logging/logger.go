package logging

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/AdguardTeam/golibs/service"
)

// eventBufferSize is the capacity of the event channel.
const eventBufferSize = 1024

// EventLogger aggregates the events of the pump and the inline handler,
// prints them to the console, and collects them for the session log.
type EventLogger struct {
	console *Console
	eventCh chan Event
	done    chan struct{}

	// mu protects events and seen.
	mu     *sync.Mutex
	events []Event
	seen   map[string]int

	cancel context.CancelFunc
}

// NewEventLogger creates a new EventLogger printing to console.
func NewEventLogger(console *Console) (el *EventLogger) {
	return &EventLogger{
		console: console,
		eventCh: make(chan Event, eventBufferSize),
		mu:      &sync.Mutex{},
		events:  make([]Event, 0, 256),
		seen:    map[string]int{},
	}
}

// EventCh returns the channel for sending events to the logger.
func (el *EventLogger) EventCh() (ch chan<- Event) {
	return el.eventCh
}

// type check
var _ service.Interface = (*EventLogger)(nil)

// Start implements the [service.Interface] interface for *EventLogger.  It
// begins processing events in a background goroutine.
func (el *EventLogger) Start(ctx context.Context) (err error) {
	ctx, el.cancel = context.WithCancel(context.WithoutCancel(ctx))
	el.done = make(chan struct{})

	go el.loop(ctx)

	return nil
}

func (el *EventLogger) loop(ctx context.Context) {
	defer close(el.done)

	for {
		select {
		case <-ctx.Done():
			el.drain()

			return
		case ev := <-el.eventCh:
			el.process(ev)
		}
	}
}

// Shutdown implements the [service.Interface] interface for *EventLogger.  It
// processes the events already sent and stops.
func (el *EventLogger) Shutdown(ctx context.Context) (err error) {
	if el.cancel == nil {
		return nil
	}

	el.cancel()

	select {
	case <-el.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for event logger: %w", ctx.Err())
	}
}

// drain processes the events remaining in the channel.
func (el *EventLogger) drain() {
	for {
		select {
		case ev := <-el.eventCh:
			el.process(ev)
		default:
			return
		}
	}
}

func (el *EventLogger) process(ev Event) {
	el.mu.Lock()
	el.events = append(el.events, ev)

	var seen int
	if ev.IsFlowEvent() || ev.Type == EventDoHWarning {
		key := destKey(ev)
		el.seen[key]++
		seen = el.seen[key]
	}
	el.mu.Unlock()

	switch {
	case ev.Type == EventAllowed && seen > 1 && !el.console.Verbose():
		// Repeated allowed flows are only printed in verbose mode.
	case ev.Type == EventDoHWarning && seen > 1:
		// Warn once per destination.
	default:
		el.console.Event(ev, seen)
	}
}

// destKey returns the de-duplication key of a flow event.
func destKey(ev Event) (key string) {
	return fmt.Sprintf("%s/%s/%s", ev.Type, ev.Protocol, ev.Dst)
}

// Events returns a copy of all accumulated events.
func (el *EventLogger) Events() (evs []Event) {
	el.mu.Lock()
	defer el.mu.Unlock()

	return slices.Clone(el.events)
}

// Summary holds session statistics.
type Summary struct {
	Allowed            int
	Blocked            int
	FlowErrors         int
	UniqueDestinations int
	Resolutions        int
	UniqueDomains      int
	DoHWarnings        int
}

// Summary computes summary statistics from all events.
func (el *EventLogger) Summary() (s Summary) {
	el.mu.Lock()
	defer el.mu.Unlock()

	dests := map[string]struct{}{}
	domains := map[string]struct{}{}
	for _, ev := range el.events {
		switch ev.Type {
		case EventAllowed:
			s.Allowed++
		case EventBlocked:
			s.Blocked++
		case EventFlowError:
			s.FlowErrors++
		case EventResolved:
			s.Resolutions++
			domains[ev.Domain] = struct{}{}
		case EventDoHWarning:
			s.DoHWarnings++
		}

		if ev.IsFlowEvent() {
			dests[fmt.Sprintf("%s/%s", ev.Protocol, ev.Dst)] = struct{}{}
		}
	}

	s.UniqueDestinations = len(dests)
	s.UniqueDomains = len(domains)

	return s
}

// DestInfo holds summarized destination information for the session-end
// report.
type DestInfo struct {
	Domain   string
	Addr     string
	Protocol string
	Reason   string
	Port     uint16
	Count    int
}

// BlockedDestinations returns the blocked destinations, most frequent first.
// Blocked packets carrying the same domain are counted together.
func (el *EventLogger) BlockedDestinations() (dests []DestInfo) {
	el.mu.Lock()
	defer el.mu.Unlock()

	byKey := map[string]*DestInfo{}
	for _, ev := range el.events {
		if ev.Type != EventBlocked {
			continue
		}

		key := ev.Domain
		if key == "" {
			key = fmt.Sprintf("%s/%s", ev.Protocol, ev.Dst)
		}

		if d, ok := byKey[key]; ok {
			d.Count++

			continue
		}

		byKey[key] = &DestInfo{
			Domain:   ev.Domain,
			Addr:     ev.Dst.Addr().String(),
			Protocol: ev.Protocol,
			Reason:   ev.Reason,
			Port:     ev.Dst.Port(),
			Count:    1,
		}
	}

	for _, d := range byKey {
		dests = append(dests, *d)
	}

	slices.SortFunc(dests, func(a, b DestInfo) (res int) {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}

		return cmp.Compare(a.Domain+a.Addr, b.Domain+b.Addr)
	})

	return dests
}
