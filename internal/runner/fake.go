package runner

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Fake is a scripted Runner for tests: it feeds a fixed message sequence to
// the sink and returns a canned result.
type Fake struct {
	// Messages are streamed to the sink in order on every Run.
	Messages []json.RawMessage
	// Result is returned after the messages; defaults to a success result.
	Result *Result
	// Err, when set, is returned instead of Result.
	Err error
	// Delay is slept before each message, to widen cancellation windows.
	Delay time.Duration
	// VendorSession, when set, is reported through SessionID the way
	// backends that keep a server-side conversation do.
	VendorSession string

	mu       sync.Mutex
	runs     int
	cancels  int
	cancelCh chan struct{}
}

// Run streams the scripted messages and returns the scripted outcome.
func (f *Fake) Run(ctx context.Context, prompt string, sink RawSink) (*Result, error) {
	f.mu.Lock()
	f.runs++
	f.cancelCh = make(chan struct{})
	cancelCh := f.cancelCh
	f.mu.Unlock()

	for _, msg := range f.Messages {
		if f.Delay > 0 {
			select {
			case <-time.After(f.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-cancelCh:
				return nil, context.Canceled
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cancelCh:
			return nil, context.Canceled
		default:
		}
		sink(msg)
	}

	if f.Err != nil {
		return nil, f.Err
	}
	if f.Result != nil {
		return f.Result, nil
	}
	return &Result{ExitStatus: StatusSuccess}, nil
}

// Cancel unblocks an in-flight Run.
func (f *Fake) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	if f.cancelCh != nil {
		select {
		case <-f.cancelCh:
		default:
			close(f.cancelCh)
		}
	}
}

// Runs reports how many times Run was called.
func (f *Fake) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

// SessionID reports the scripted vendor conversation id.
func (f *Fake) SessionID() string { return f.VendorSession }

// Cancels reports how many times Cancel was called.
func (f *Fake) Cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}
