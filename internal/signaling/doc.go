// Package signaling is the WebSocket transport for the matchmaker.
//
// Each accepted socket gets a server-assigned id, a bounded outbound queue and
// a read loop that decodes JSON envelopes into session events. Dispatcher
// notifications are encoded and queued without blocking; a client that cannot
// keep up is disconnected instead of stalling everyone else.
package signaling
