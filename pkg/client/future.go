package client

import (
	"github.com/tilestream/tilestream/internal/metrics"
)

type flightState int

const (
	statePending flightState = iota
	stateSucceeded
	stateFailed
	stateCanceled
)

func (s flightState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	case stateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// flight is one network request shared by every Fetch with the same
// signature. All fields are owned by the loop.
type flight struct {
	client      *Client
	signature   string
	req         Request
	state       flightState
	subscribers []*Future
}

func (f *flight) subscribe(cb Callback) *Future {
	fut := &Future{flight: f, cb: cb, done: make(chan struct{})}
	f.subscribers = append(f.subscribers, fut)
	return fut
}

func (f *flight) unsubscribe(fut *Future) {
	for i, s := range f.subscribers {
		if s == fut {
			f.subscribers = append(f.subscribers[:i], f.subscribers[i+1:]...)
			break
		}
	}
	if len(f.subscribers) == 0 && f.state == statePending {
		// The request keeps running; its result only reaches the cache.
		f.state = stateCanceled
		f.release()
	}
}

// release removes f from the in-flight table if it is still the entry for
// its signature.
func (f *flight) release() {
	c := f.client
	if c.inflight[f.signature] == f {
		delete(c.inflight, f.signature)
		metrics.SetRequestsInFlight(len(c.inflight))
	}
}

func (f *flight) complete(resp *Response) {
	f.release()
	if f.state == stateCanceled {
		return
	}
	if resp.OK() {
		f.state = stateSucceeded
	} else {
		f.state = stateFailed
	}

	subs := f.subscribers
	f.subscribers = nil
	for _, fut := range subs {
		fut.resolve(resp)
	}
}

// Future is one subscription to a fetch.
type Future struct {
	flight   *flight
	cb       Callback
	resp     *Response
	finished bool
	done     chan struct{}
}

// Cancel detaches this subscription. Its callback will not run. Other
// subscribers of the same request are unaffected. Loop only.
func (f *Future) Cancel() {
	if f.finished {
		return
	}
	f.finished = true
	close(f.done)
	metrics.RecordCanceledSubscription()
	f.flight.unsubscribe(f)
}

func (f *Future) resolve(resp *Response) {
	if f.finished {
		return
	}
	f.finished = true
	f.resp = resp
	close(f.done)
	if f.cb != nil {
		f.cb(resp)
	}
}

// Done is closed once the response is delivered or the Future is canceled.
// It is safe to wait on from any goroutine.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Response returns the delivered response, or nil if the Future was
// canceled or is still pending. Read it only after Done is closed.
func (f *Future) Response() *Response {
	select {
	case <-f.done:
		return f.resp
	default:
		return nil
	}
}
