package resolver

// Package resolver implements the coalescing DNS resolver agent: a
// TTL-bounded name→address cache, a waiting registry that deduplicates
// concurrent lookups per name, and pluggable lookup backends (system
// resolver or direct DNS queries).
