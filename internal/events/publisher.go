package events

// Publisher broadcasts domain events to downstream consumers.
type Publisher interface {
	Publish(topic string, event any) error
}

// Nop is a Publisher that drops everything; used when no brokers are
// configured and in tests.
type Nop struct{}

func (Nop) Publish(topic string, event any) error { return nil }
