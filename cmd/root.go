// Package cmd wires the command-line surface of the XDCC downloader.
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opd-ai/xdcc"
	"github.com/opd-ai/xdcc/batch"
	"github.com/opd-ai/xdcc/handshake"
)

// defaultIRCPort is used when the server argument carries no port.
const defaultIRCPort = 6667

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xdcc [flags] server[:port] bot id",
		Short: "Download XDCC packs from IRC bots",
		Long: "xdcc connects to an IRC server, asks the named bot for a pack by id,\n" +
			"accepts the DCC SEND handshake, and streams the offered file to disk\n" +
			"or stdout. With --batch the id argument is a comma-separated list of\n" +
			"ids and inclusive ranges, fetched in order into a shared directory.",
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          run,
	}

	fl := cmd.Flags()
	fl.StringP("file", "f", "", "destination path, existing directory, or '-' for stdout")
	fl.StringP("nick", "n", "", "nickname to register with (default: current user)")
	fl.String("sender", "target", "who may initiate the transfer: target, all, server, or exact nicks")
	fl.StringP("channel", "c", "", "channel the bot requires before sending")
	fl.IntP("timeout", "t", 30, "seconds to wait for the connection or for byte progress")
	fl.String("verb", "XDCC SEND", "command verb sent to the bot")
	fl.String("id-prefix", "#", "prefix prepended to the pack id")
	fl.String("user-agent", xdcc.DefaultUserAgent, "CTCP VERSION reply")
	fl.Bool("force-response", false, "send acknowledgements even when the peer stops draining them")
	fl.String("quit-msg", "", "message attached to the session quit")
	fl.StringArray("msg", nil, "pre-request message as target=text (repeatable)")
	fl.Bool("batch", false, "treat id as an id/range list and fetch each pack into --file")
	fl.String("proxy", "", "SOCKS5 proxy for the IRC connection (host:port)")
	fl.CountP("verbose", "v", "increase log verbosity")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.New()
	v.SetEnvPrefix("XDCC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	configureLogging(v.GetInt("verbose"))

	server := withDefaultPort(args[0], defaultIRCPort)
	bot, idSpec := args[1], args[2]

	nick := v.GetString("nick")
	if nick == "" {
		nick = currentUserName()
	}

	pre, err := parsePreMessages(v.GetStringSlice("msg"))
	if err != nil {
		return err
	}

	opts := xdcc.NewOptions()
	opts.Nick = nick
	opts.Bot = bot
	opts.Output = v.GetString("file")
	opts.Channel = v.GetString("channel")
	if secs := v.GetInt("timeout"); secs > 0 {
		opts.Timeout = time.Duration(secs) * time.Second
	}
	opts.UserAgent = v.GetString("user-agent")
	opts.ForceResponse = v.GetBool("force-response")
	opts.QuitMessage = v.GetString("quit-msg")
	opts.Sender = xdcc.ParseSenderPolicy(v.GetString("sender"))
	opts.PreMessages = pre
	opts.Proxy = v.GetString("proxy")

	verb := v.GetString("verb")
	prefix := v.GetString("id-prefix")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if v.GetBool("batch") {
		orch, err := batch.NewOrchestrator(opts.Output, func(id uint64) error {
			o := *opts
			o.Request = requestFor(verb, prefix, strconv.FormatUint(id, 10))
			return xdcc.Run(ctx, server, &o)
		})
		if err != nil {
			return err
		}
		return orch.Run(idSpec)
	}

	opts.Request = requestFor(verb, prefix, idSpec)
	return xdcc.Run(ctx, server, opts)
}

// requestFor builds the request command text from its configured
// parts, e.g. "XDCC SEND" + "#" + "42".
func requestFor(verb, prefix, id string) string {
	return verb + " " + prefix + id
}

// withDefaultPort appends the default IRC port when the server
// argument carries none.
func withDefaultPort(server string, port int) string {
	if strings.Contains(server, ":") {
		return server
	}
	return fmt.Sprintf("%s:%d", server, port)
}

// parsePreMessages converts repeated target=text flags into ordered
// handshake messages.
func parsePreMessages(raw []string) ([]handshake.Message, error) {
	var msgs []handshake.Message
	for _, entry := range raw {
		target, text, ok := strings.Cut(entry, "=")
		if !ok || target == "" {
			return nil, fmt.Errorf("invalid --msg %q: expected target=text", entry)
		}
		msgs = append(msgs, handshake.Message{Target: target, Text: text})
	}
	return msgs, nil
}

func currentUserName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "xdcc"
}

// configureLogging maps the repeatable -v flag onto logrus levels:
// warnings by default, -v for lifecycle info, -vv for debug detail.
func configureLogging(verbosity int) {
	logrus.SetOutput(os.Stderr)
	switch {
	case verbosity <= 0:
		logrus.SetLevel(logrus.WarnLevel)
	case verbosity == 1:
		logrus.SetLevel(logrus.InfoLevel)
	default:
		logrus.SetLevel(logrus.DebugLevel)
	}
}
