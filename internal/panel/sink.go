package panel

//go:generate mockgen -source=sink.go -destination=mocks/sink_mock.go -package=mocks

// Sink accepts command buffers for a panel controller.
// Send must return within bounded time; it reports success or failure only.
type Sink interface {
	Send(buf CommandBuffer) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(buf CommandBuffer) error

// Send calls f(buf).
func (f SinkFunc) Send(buf CommandBuffer) error {
	return f(buf)
}
