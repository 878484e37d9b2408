package proxy

// Package proxy implements the passage listener side: keepalive/reuseport
// listeners and the CONNECT acceptor that negotiates tunnels and feeds
// established connections into the handler runtime.
