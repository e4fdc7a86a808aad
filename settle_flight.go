package arksdk

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// settleFlight is a settlement shared by the concurrent Settle calls of the
// same coins. It runs under its own context, canceled only once every
// caller waiting on it has returned, and relays the batch events to the
// events channel of each caller.
type settleFlight struct {
	key    string
	ctx    context.Context
	cancel context.CancelFunc
	events chan any

	lock      sync.Mutex
	waiters   int
	nextId    int
	listeners map[int]eventsListener
	done      bool
	txid      string
	err       error
}

type eventsListener struct {
	ctx context.Context
	ch  chan<- any
}

// joinSettleFlight returns the flight settling the given coins, starting a
// new one if none is in progress. The returned func must be called once the
// caller stops waiting for the flight.
func (a *arkClient) joinSettleFlight(
	ctx context.Context, key string, eventsCh chan<- any,
) (*settleFlight, func()) {
	a.flightsLock.Lock()
	defer a.flightsLock.Unlock()

	if a.flights == nil {
		a.flights = make(map[string]*settleFlight)
	}
	flight, ok := a.flights[key]
	if !ok {
		flightCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		flight = &settleFlight{
			key:       key + "/" + uuid.New().String(),
			ctx:       flightCtx,
			cancel:    cancel,
			events:    make(chan any),
			listeners: make(map[int]eventsListener),
		}
		go flight.relayEvents()
		a.flights[key] = flight
	}
	id := flight.addWaiter(ctx, eventsCh)

	leave := func() {
		a.flightsLock.Lock()
		defer a.flightsLock.Unlock()

		if flight.removeWaiter(id) > 0 {
			return
		}
		flight.cancel()
		if a.flights[key] == flight {
			delete(a.flights, key)
		}
	}
	return flight, leave
}

// run executes the settlement once. Callers joining after it completed get
// the same result.
func (f *settleFlight) run(join func(ctx context.Context) (string, error)) (string, error) {
	f.lock.Lock()
	if f.done {
		defer f.lock.Unlock()
		return f.txid, f.err
	}
	f.lock.Unlock()

	txid, err := join(f.ctx)

	f.lock.Lock()
	defer f.lock.Unlock()
	f.done = true
	f.txid, f.err = txid, err
	return txid, err
}

func (f *settleFlight) addWaiter(ctx context.Context, eventsCh chan<- any) int {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.waiters++
	f.nextId++
	if eventsCh != nil {
		f.listeners[f.nextId] = eventsListener{ctx, eventsCh}
	}
	return f.nextId
}

func (f *settleFlight) removeWaiter(id int) int {
	f.lock.Lock()
	defer f.lock.Unlock()

	delete(f.listeners, id)
	f.waiters--
	return f.waiters
}

func (f *settleFlight) relayEvents() {
	for {
		select {
		case <-f.ctx.Done():
			return
		case event := <-f.events:
			f.lock.Lock()
			listeners := make([]eventsListener, 0, len(f.listeners))
			for _, l := range f.listeners {
				listeners = append(listeners, l)
			}
			f.lock.Unlock()

			for _, l := range listeners {
				select {
				case l.ch <- event:
				case <-l.ctx.Done():
				case <-f.ctx.Done():
					return
				}
			}
		}
	}
}
