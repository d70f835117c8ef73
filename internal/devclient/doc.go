// Package devclient is the client end of the development channel: it dials
// a code server, negotiates the protocol version and transport, loads a
// module, and then hosts script calls from the server while calling back
// into it.
package devclient
