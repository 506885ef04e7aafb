// Package xdcc implements an XDCC download client: it requests a pack
// from a bot over an IRC session, negotiates the DCC SEND handshake,
// and streams the offered file down a raw TCP connection while
// acknowledging progress.
//
// Example:
//
//	opts := xdcc.NewOptions()
//	opts.Nick = "leech"
//	opts.Bot = "PackBot"
//	opts.Request = "XDCC SEND #42"
//	opts.Output = "downloads"
//
//	if err := xdcc.Run(context.Background(), "irc.example.net:6667", opts); err != nil {
//	    log.Fatal(err)
//	}
//
// One Session covers exactly one request: the handshake sequencer
// walks through optional pre-messages and channel joins before issuing
// the request, the dcc package owns the negotiated data connection,
// and background watchdog and progress timers observe the transfer
// until the idempotent teardown ends the session with a single
// success-or-failure outcome.
package xdcc
