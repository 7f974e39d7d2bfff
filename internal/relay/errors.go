package relay

import "errors"

var (
	ErrBrokerClosed    = errors.New("relay: broker is closed")
	ErrAlreadyRunning  = errors.New("relay: another relay is already listening")
	ErrProtocolVersion = errors.New("relay: unsupported protocol version")
	ErrPeerRejected    = errors.New("relay: peer verification failed")
)
