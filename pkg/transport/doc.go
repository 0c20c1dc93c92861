// Package transport defines the binding that lanlink's connection manager sits
// on: a local-network, service-typed duplex byte stream.
//
// Key concepts:
//   - Transport: listens for an advertised service and dials Endpoints
//   - Listener: accepts inbound Conns and stops advertising on Close
//   - Conn: an unstarted stream; Start connects, Send/Receive move raw bytes,
//     Cancel releases it
//   - Endpoint: the opaque handle discovery hands to a dialer
//
// Implementations live in the mem, tcp and quic subpackages. StreamConn is the
// shared Conn implementation over any io.ReadWriteCloser.
package transport
