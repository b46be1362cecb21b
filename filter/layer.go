// Package filter implements the layered pipeline underneath a connection:
// a transport filter at the bottom, an optional TLS filter, and the HTTP
// framing filter on top.
//
// Downstream calls (Connect, Write, StartTLS, Close) and upstream events
// (the Handler methods) must all run on the connection's serial executor.
// The transport filter is where events from I/O goroutines are moved onto
// that executor.
package filter

// Handler receives events from the layer below it.
type Handler[R any] interface {
	OnConnect()
	OnRead(msg R)
	OnClosed()
	OnError(err error)
	OnHandshakeCompleted()
}

// Layer is one stage of the pipeline. W is what it accepts from above, R is
// what it delivers upward.
type Layer[W, R any] interface {
	Connect(host string, port int, up Handler[R])
	// Write sends msg. done is called once the message has been handed to
	// the layer below, or with the reason it could not be.
	Write(msg W, done func(error))
	StartTLS()
	Close()
}

// ByteLayer is a layer that moves raw bytes in both directions.
type ByteLayer = Layer[[]byte, []byte]
