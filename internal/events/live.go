package events

// LiveMessage is emitted for every message event on the live stream.
type LiveMessage struct {
	ID   string
	Tags []string
}

// LiveRestart is emitted when the live stream asks clients to refetch
// everything.
type LiveRestart struct{}

// LiveConnected is emitted when the live stream welcomes a connection.
type LiveConnected struct {
	URL string
}
