// Package link manages a single peer-to-peer connection for a named service on
// the local network.
//
// A Manager can dial a discovered endpoint, or advertise the service and
// accept inbound connections, or both. Whichever connection was set up last
// wins: a new outbound or inbound connection cancels the previous one. While a
// connection exists the manager keeps exactly one receive outstanding on it and
// re-arms it after every completion until the connection is released.
//
// All state lives on one coordination goroutine. Public methods enqueue work
// and return; transport work runs on helper goroutines whose results are fed
// back through the same queue and are dropped if they belong to a connection or
// listener that has since been released.
//
// State transitions are published through Subscribe and OnChange, one Change
// per transition. Errors go to Options.OnError as *Error values.
package link
