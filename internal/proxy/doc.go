// Package proxy implements the per-definition connection handler and the
// relays it selects between.
//
// A Handler owns the sessions of one proxy definition. It wraps every
// accepted client connection in a Session, emits open, data and close (or
// error) events for it, and hands it to a Relay: TCPRelay pipes bytes to a
// single upstream, HTTPRelay serves the connection with an
// httputil.ReverseProxy. Both share the connection plumbing in this package
// (keepalive listeners, bidirectional copy with an idle timeout, buffer
// pools).
package proxy
