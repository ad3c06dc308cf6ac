package api

// Health reports whether a component is making progress.
// Implemented by *supervisor.Supervisor.
type Health interface {
	Healthy() error
}
