// Package session owns node-to-node link helpers.
//
// Ownership boundary:
// - node.hello control handshake (JSON line before framed traffic)
// - peer request/reply wire shapes (deliver, resolve, claim, release, kick)
// - link reliability config, retry backoff, transport security policy
package session
