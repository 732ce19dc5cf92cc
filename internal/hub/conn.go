package hub

// Conn is one live transport session as seen by the hub.
//
// Send must not block on the network: implementations enqueue data for a
// separate writer and return an error when the data cannot be queued. The hub
// treats any Send error as a delivery failure and unregisters the connection.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close() error
}
