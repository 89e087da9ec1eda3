package store

import (
	"sync"
)

// Pipe is a ChangeStream backed by a channel. Producers call Send and Finish;
// consumers read Changes. Adapters use it so every feed shares one shutdown path.
type Pipe struct {
	ch      chan Change
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	onClose func()
}

func NewPipe(buffer int, onClose func()) *Pipe {
	return &Pipe{
		ch:      make(chan Change, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (p *Pipe) Changes() <-chan Change { return p.ch }

func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed once the consumer has called Close.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// Send blocks until the change is buffered or the consumer closed the stream.
func (p *Pipe) Send(c Change) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.ch <- c:
		return true
	case <-p.done:
		return false
	}
}

// Finish ends the stream from the producer side. Only the producer goroutine
// may call it, and only once.
func (p *Pipe) Finish(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.ch)
}

func (p *Pipe) Close() error {
	p.once.Do(func() {
		close(p.done)
		if p.onClose != nil {
			p.onClose()
		}
	})
	return nil
}
