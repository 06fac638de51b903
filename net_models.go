package resclient

type (
	// connection is a framed byte channel to the gateway.
	connection interface {
		// start installs the inbound callbacks and spawns the IO loops.
		// onFrame receives every text frame in delivery order; onClose fires
		// exactly once when the connection dies, with the close reason.
		start(onFrame func([]byte), onClose func(error))

		// send writes a single text frame.
		send(frame []byte) error

		// close terminates the connection. Safe to call more than once.
		close()

		// closeErr explains why the connection was closed, nil before close.
		closeErr() error
	}
)
