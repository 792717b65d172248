// Package dialer provides the outbound dialers proxies use to reach their
// upstreams.
//
// Dialers implement a small interface (DialContext). An upstream is reached
// either directly or through an intermediate proxy (HTTP CONNECT or
// SOCKS5), selected per proxy definition by its "via" URL.
package dialer
