package xdcc

import "strings"

// senderTarget is the policy meta-name that resolves to the session's
// bot.
const senderTarget = "target"

// senderAll is the policy name that accepts every source.
const senderAll = "all"

// senderServer is the policy name that additionally accepts
// sourceless, server-originated messages.
const senderServer = "server"

// SenderPolicy decides which message sources may negotiate a transfer
// for the session.
type SenderPolicy struct {
	allowAll    bool
	allowServer bool
	names       []string
}

// ParseSenderPolicy builds a policy from a comma-separated list of
// names. The meta-name "target" resolves to the session's bot, "all"
// accepts every named source, and "server" additionally accepts
// sourceless server-originated messages. Any other entry is an exact
// nick.
func ParseSenderPolicy(spec string) SenderPolicy {
	var p SenderPolicy
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		switch name {
		case "":
		case senderAll:
			p.allowAll = true
		case senderServer:
			p.allowServer = true
		default:
			p.names = append(p.names, name)
		}
	}
	return p
}

// TargetOnlyPolicy accepts offers from the target bot alone.
func TargetOnlyPolicy() SenderPolicy {
	return SenderPolicy{names: []string{senderTarget}}
}

// Allows reports whether a message from source may negotiate for a
// session whose bot is target. An empty source marks a sourceless
// server-originated message, which only the server variant accepts.
func (p SenderPolicy) Allows(source, target string) bool {
	if source == "" {
		return p.allowServer
	}
	if p.allowAll {
		return true
	}
	for _, name := range p.names {
		if name == senderTarget {
			if source == target {
				return true
			}
			continue
		}
		if name == source {
			return true
		}
	}
	return false
}
