// Package webchat serves chat clients over HTTP.
//
// Ownership model:
//   - A ClientRegistry keeps one bootstrapped chat.Client per owner and evicts idle ones.
//   - API mounts the JSON routes under /api/chat and /api/keys plus the /ws event stream.
//   - EventHub keeps one event-bus subscription per connected owner and fans frames out
//     through that owner's ConnectionPool.
//
// Recommended setup:
//   - Build a Server with NewServer; it also mounts the /api/ask gateway.
//   - Call Run, which shuts down on SIGINT/SIGTERM or when the context ends.
package webchat
