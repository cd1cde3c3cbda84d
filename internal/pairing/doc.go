// Package pairing implements the matchmaking state: a FIFO waiting queue of
// connections looking for a partner and a symmetric table of active pairs.
//
// The package performs no I/O and sends no notifications. Callers decide what
// to tell clients about the pairs it forms and breaks.
package pairing
