// Package security provides stateless HMAC credentials and server TLS
// material.
//
// Credentials are signed claims, not server-side sessions: the signing
// secret is the only state, so verification works across restarts and
// never touches the record store. Agents receive an agent-scoped
// credential at registration and queue-scoped credentials for the queues
// they consume.
package security
