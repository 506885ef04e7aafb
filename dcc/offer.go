package dcc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// ErrMalformedOffer indicates a DCC payload that does not match the
// five-token SEND grammar.
var ErrMalformedOffer = errors.New("malformed DCC offer")

// ErrUnexpectedCommand indicates a DCC subcommand other than SEND.
var ErrUnexpectedCommand = errors.New("unexpected DCC subcommand")

// StdoutMarker is the output designator that selects standard output
// as the destination sink.
const StdoutMarker = "-"

// offerTokens is the exact token count of a DCC SEND payload:
// subcommand, filename, address, port, size.
const offerTokens = 5

// Offer describes the raw data endpoint advertised by the sending
// peer. It is immutable once parsed.
type Offer struct {
	Filename string
	Addr     net.IP
	Port     int
	Size     uint64
}

// ParseOffer interprets the inner payload of a CTCP DCC message into a
// transfer descriptor.
//
// The payload is tokenized with shell-style quoting, so a quoted
// filename containing spaces survives as a single token. Exactly five
// tokens are required; a subcommand other than SEND is reported as
// ErrUnexpectedCommand so the caller can treat it as a protocol
// violation rather than a parse failure.
func ParseOffer(payload string) (*Offer, error) {
	tokens, err := shlex.Split(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOffer, err)
	}
	if len(tokens) != offerTokens {
		return nil, fmt.Errorf("%w: expected %d tokens, got %d", ErrMalformedOffer, offerTokens, len(tokens))
	}
	if tokens[0] != "SEND" {
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedCommand, tokens[0])
	}

	addr, err := DecodeAddress(tokens[2])
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(tokens[3])
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: port %q", ErrMalformedOffer, tokens[3])
	}

	size, err := strconv.ParseUint(tokens[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: size %q", ErrMalformedOffer, tokens[4])
	}

	offer := &Offer{
		Filename: tokens[1],
		Addr:     addr,
		Port:     port,
		Size:     size,
	}

	logrus.WithFields(logrus.Fields{
		"function": "ParseOffer",
		"filename": offer.Filename,
		"address":  offer.Addr.String(),
		"port":     offer.Port,
		"size":     offer.Size,
	}).Debug("Parsed DCC SEND offer")

	return offer, nil
}

// DecodeAddress converts a 32-bit unsigned integer encoded as a
// decimal string into the dotted-quad IPv4 address it represents, in
// network byte order.
func DecodeAddress(s string) (net.IP, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: address %q", ErrMalformedOffer, s)
	}
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)), nil
}

// OpenSink resolves the configured output designator against the
// offered filename and opens the destination writer.
//
// The stdout marker binds the sink to standard output. A designator
// naming an existing directory resolves to that directory joined with
// the basename of the offered filename, independent of any path
// components embedded in the offer. Any other non-empty designator is
// the literal destination path. An empty designator falls back to the
// offered basename in the working directory.
//
// The returned path is empty when writing to standard output.
func OpenSink(designator, offered string) (io.WriteCloser, string, error) {
	if designator == StdoutMarker {
		return nopWriteCloser{os.Stdout}, "", nil
	}

	path := designator
	switch {
	case designator == "":
		path = filepath.Base(offered)
	default:
		if info, err := os.Stat(designator); err == nil && info.IsDir() {
			path = filepath.Join(designator, filepath.Base(offered))
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("open destination %q: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSink",
		"offered":  offered,
		"path":     path,
	}).Info("Destination sink opened")

	return f, path, nil
}

// nopWriteCloser shields process-owned streams from the engine's
// idempotent sink close.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
