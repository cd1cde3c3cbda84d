// Package session turns per-connection lifecycle and relay events into pairing
// engine operations and outbound notifications.
//
// The transport registers each channel with Dispatcher.Connect, feeds every
// decoded inbound message through Dispatcher.Handle, and reports channel loss
// exactly once with Dispatcher.Disconnect. Notifications leave through the
// Sender supplied at construction.
package session
