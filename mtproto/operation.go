package mtproto

import (
	"context"
	"sync"
	"time"

	"github.com/mtgram/mtgo/tl"
)

// Operation is a handle of a sent request, it is resolved exactly once
// with the boxed reply or an error.
type Operation struct {
	request        []byte
	contentRelated bool
	created        time.Time

	mx         sync.Mutex
	requestID  uint64
	wire       []byte
	resends    int
	redirected bool
	resolved   bool
	reply      []byte
	err        error

	done chan struct{}
}

func newOperation(request []byte, now time.Time) *Operation {
	return &Operation{
		request:        request,
		contentRelated: true,
		created:        now,
		done:           make(chan struct{}),
	}
}

// Request returns the serialized request as passed by the caller.
func (o *Operation) Request() []byte {
	return o.request
}

// RequestID is the message id of the last send of this request, 0 if not sent yet.
func (o *Operation) RequestID() uint64 {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.requestID
}

func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Result returns the reply, it is valid only after Done is closed.
func (o *Operation) Result() ([]byte, error) {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.reply, o.err
}

// Wait blocks until the operation is resolved or ctx is done.
// Abandoned operation stays tracked until it is answered or expired.
func (o *Operation) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-o.done:
		return o.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitParse waits for the reply and parses it into result.
func (o *Operation) WaitParse(ctx context.Context, result tl.Serializable) error {
	reply, err := o.Wait(ctx)
	if err != nil {
		return err
	}

	_, err = tl.Parse(result, reply, true)
	return err
}

func (o *Operation) resolve(reply []byte, err error) bool {
	o.mx.Lock()
	defer o.mx.Unlock()

	if o.resolved {
		return false
	}
	o.resolved = true
	o.reply = reply
	o.err = err
	close(o.done)
	return true
}

func (o *Operation) isResolved() bool {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.resolved
}

func (o *Operation) setSent(id uint64, wire []byte) {
	o.mx.Lock()
	o.requestID = id
	o.wire = wire
	o.mx.Unlock()
}

// markRedirected returns false if the operation was already redirected once.
func (o *Operation) markRedirected() bool {
	o.mx.Lock()
	defer o.mx.Unlock()

	if o.redirected {
		return false
	}
	o.redirected = true
	return true
}
