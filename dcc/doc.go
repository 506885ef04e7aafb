// Package dcc implements the DCC SEND negotiation and the raw data
// transfer of an XDCC download.
//
// A sending peer advertises a transfer with a CTCP payload of the form
//
//	DCC SEND <filename> <address-as-decimal-uint32> <port> <size>
//
// ParseOffer validates that payload into an Offer, OpenSink resolves
// the destination writer, and Engine streams the declared bytes from
// the peer's raw TCP endpoint into the sink, acknowledging progress
// with 4-byte big-endian byte counts sent back on the same connection.
package dcc
