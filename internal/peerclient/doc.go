// Package peerclient is a Go client for the matchmaker's signaling socket.
//
// It joins the queue, and once paired it negotiates a WebRTC PeerConnection
// with the partner by relaying offer/answer/candidate messages through the
// server. The server never looks at those payloads; this package is what gives
// them meaning. It backs the end-to-end tests and the echo bot.
package peerclient
