package irc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ircv4 "gopkg.in/irc.v4"
)

func TestParseCTCP(t *testing.T) {
	cmd, args, ok := ParseCTCP("\x01DCC SEND \"my file.txt\" 3232235521 5000 1048576\x01")
	require.True(t, ok)
	assert.Equal(t, "DCC", cmd)
	assert.Equal(t, `SEND "my file.txt" 3232235521 5000 1048576`, args)

	cmd, args, ok = ParseCTCP("\x01VERSION\x01")
	require.True(t, ok)
	assert.Equal(t, "VERSION", cmd)
	assert.Empty(t, args)

	_, _, ok = ParseCTCP("plain text")
	assert.False(t, ok)

	_, _, ok = ParseCTCP("\x01\x01")
	assert.False(t, ok)
}

func TestSourceAndJoinedChannel(t *testing.T) {
	m := &ircv4.Message{
		Prefix:  &ircv4.Prefix{Name: "bot", User: "u", Host: "h"},
		Command: "JOIN",
		Params:  []string{"#packs"},
	}
	assert.Equal(t, "bot", source(m))
	assert.Equal(t, "#packs", joinedChannel(m))

	assert.Equal(t, "", source(&ircv4.Message{Command: "PRIVMSG"}))
}

// recordingHandler collects events; the client delivers them on a
// single goroutine so no locking is needed once Run has returned.
type recordingHandler struct {
	welcome  bool
	joined   []string
	ctcp     []string
	privmsgs []string
}

func (h *recordingHandler) OnWelcome()                { h.welcome = true }
func (h *recordingHandler) OnJoined(channel string)   { h.joined = append(h.joined, channel) }
func (h *recordingHandler) OnCTCP(src, cmd, a string) { h.ctcp = append(h.ctcp, src+" "+cmd+" "+a) }
func (h *recordingHandler) OnPrivmsg(src, text string) {
	h.privmsgs = append(h.privmsgs, src+" "+text)
}

// scriptServer accepts one client, waits for registration, plays the
// scripted lines, then collects everything the client writes until the
// deadline and hangs up.
func scriptServer(t *testing.T, ln net.Listener, script []string) <-chan []string {
	t.Helper()
	out := make(chan []string, 1)

	go func() {
		var written []string
		defer func() { out <- written }()

		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			written = append(written, strings.TrimRight(line, "\r\n"))
			if strings.HasPrefix(line, "USER ") {
				break
			}
		}

		for _, line := range script {
			fmt.Fprintf(conn, "%s\r\n", line)
		}

		conn.SetDeadline(time.Now().Add(500 * time.Millisecond))
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			written = append(written, strings.TrimRight(line, "\r\n"))
		}
	}()

	return out
}

func TestConnSessionEvents(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	written := scriptServer(t, ln, []string{
		":irc.test 001 alice :Welcome",
		":alice!u@h JOIN #packs",
		":bob!u@h JOIN #packs",
		":bot!u@h PRIVMSG alice :\x01VERSION\x01",
		":bot!u@h PRIVMSG alice :hello there",
		":bot!u@h PRIVMSG alice :\x01DCC SEND file 1 1024 10\x01",
	})

	h := &recordingHandler{}
	conn, err := Dial(ln.Addr().String(), Config{
		Nick:      "alice",
		UserAgent: "XDCC.GO/0.1.0",
		Handler:   h,
	})
	require.NoError(t, err)

	// The scripted server hangs up after draining; Run returns its
	// disconnect error.
	_ = conn.Run(context.Background())

	assert.True(t, h.welcome)
	assert.Equal(t, []string{"#packs"}, h.joined, "other participants' joins must be filtered")
	assert.Equal(t, []string{"bot DCC SEND file 1 1024 10"}, h.ctcp)
	assert.Equal(t, []string{"bot hello there"}, h.privmsgs)

	lines := <-written
	var sawVersionReply bool
	for _, line := range lines {
		if strings.Contains(line, "NOTICE") && strings.Contains(line, "VERSION XDCC.GO/0.1.0") {
			sawVersionReply = true
		}
	}
	assert.True(t, sawVersionReply, "VERSION query must be answered with the configured user agent")
}

func TestConnCloseIsIdempotent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(100 * time.Millisecond)
		}
	}()

	conn, err := Dial(ln.Addr().String(), Config{Nick: "alice", Handler: &recordingHandler{}})
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
}
