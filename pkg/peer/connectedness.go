package peer

// Connectedness captures a host's view of its reachability of a peer.
type Connectedness uint8

const (
	// NotConnected means no live connection and no known failure.
	NotConnected Connectedness = iota
	// Connected means a live connection exists.
	Connected
	// CanConnect means a past connection succeeded and addresses are fresh.
	CanConnect
	// CannotConnect means a recent dial attempt failed.
	CannotConnect
)

func (c Connectedness) String() string {
	switch c {
	case NotConnected:
		return "not_connected"
	case Connected:
		return "connected"
	case CanConnect:
		return "can_connect"
	case CannotConnect:
		return "cannot_connect"
	default:
		return "unknown"
	}
}
