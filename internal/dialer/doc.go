package dialer

// Package dialer provides outbound dialing implementations used by passage.
//
// Dialers implement a small interface (DialContext) and are used by the
// acceptor to establish outbound connections either directly or via an
// upstream proxy (HTTP CONNECT or SOCKS5).
