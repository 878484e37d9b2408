package handler

// Package handler implements the lifecycle of an active proxied
// connection: the per-connection event loop runtime, the CONNECT response
// handoff, and the full-duplex data-transfer pump with traffic limiting
// and idle-timeout supervision.
