package eventbus

import "context"

// Bus is a thin abstraction over the internal event distribution mechanism.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, ch chan<- any) (unsubscribe func(), err error)
}

// Nop discards every payload. Components use it when no bus is wired.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

func (Nop) Subscribe(string, chan<- any) (func(), error) { return func() {}, nil }
