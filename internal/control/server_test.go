package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dokzlo13/alsd/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startTCP(t *testing.T, routing Routing) *Server {
	t.Helper()
	s := NewServer(Config{
		TCP:     TCPConfig{Enabled: true, Address: "127.0.0.1", Port: 0},
		Routing: routing,
	}, NewQueue(), zerolog.Nop())
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func dial(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", s.TCPAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return s.ClientCount() >= 1 }, time.Second, 5*time.Millisecond)
	return conn, bufio.NewReader(conn)
}

func send(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func waitDrain(t *testing.T, q *Queue, n int) []Command {
	t.Helper()
	require.Eventually(t, func() bool { return q.Len() >= n }, 2*time.Second, 5*time.Millisecond)
	return q.Drain()
}

func readResponse(t *testing.T, conn net.Conn, r *bufio.Reader) protocol.Response {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "alsd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "ctl.sock")
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	for _, c := range []string{"a", "b", "c"} {
		q.Push(Command{Request: protocol.Request{Command: c}})
	}
	require.Equal(t, 3, q.Len())

	got := q.Drain()
	require.Len(t, got, 3)
	require.Equal(t, "a", got[0].Request.Command)
	require.Equal(t, "c", got[2].Request.Command)
	require.Zero(t, q.Len())
	require.Empty(t, q.Drain())
}

func TestServer_PreservesPerConnectionOrder(t *testing.T) {
	s := startTCP(t, RoutingOrigin)
	conn, _ := dial(t, s)

	send(t, conn, `{"version":"1.0","command":"set_brightness","params":{"brightness":10}}`)
	send(t, conn, `{"version":"1.0","command":"adjust_brightness","params":{"delta":5}}`)
	send(t, conn, `{"version":"1.0","command":"get_status"}`)

	cmds := waitDrain(t, s.Queue(), 3)
	require.Len(t, cmds, 3)
	require.Equal(t, protocol.SetBrightness, cmds[0].Request.Kind())
	require.Equal(t, protocol.AdjustBrightness, cmds[1].Request.Kind())
	require.Equal(t, protocol.GetStatus, cmds[2].Request.Kind())
	require.Equal(t, cmds[0].ConnID, cmds[2].ConnID)
	require.NotEmpty(t, cmds[0].ConnID)
}

func TestServer_ParseErrorKeepsConnectionOpen(t *testing.T) {
	s := startTCP(t, RoutingOrigin)
	conn, r := dial(t, s)

	send(t, conn, `{"command":`)
	send(t, conn, "")
	send(t, conn, `{"command":"get_status"}`)

	cmds := waitDrain(t, s.Queue(), 2)
	require.Len(t, cmds, 2)
	require.Error(t, cmds[0].Err)
	require.NoError(t, cmds[1].Err)

	s.Respond(cmds[0].ConnID, protocol.ParseFailure(cmds[0].Err))
	s.Respond(cmds[1].ConnID, protocol.Success("ok", nil))

	first := readResponse(t, conn, r)
	require.Equal(t, protocol.StatusError, first.Status)
	require.Equal(t, protocol.CodeParseError, first.ErrorCode)

	second := readResponse(t, conn, r)
	require.Equal(t, protocol.StatusSuccess, second.Status)
}

func TestServer_OversizedLineKeepsConnectionOpen(t *testing.T) {
	s := startTCP(t, RoutingOrigin)
	conn, r := dial(t, s)

	send(t, conn, `{"command":"`+strings.Repeat("x", 70*1024)+`"}`)
	send(t, conn, `{"command":"get_status"}`)

	cmds := waitDrain(t, s.Queue(), 2)
	require.Len(t, cmds, 2)
	require.True(t, errors.Is(cmds[0].Err, protocol.ErrParse))
	require.NoError(t, cmds[1].Err)
	require.Equal(t, "get_status", cmds[1].Request.Command)

	s.Respond(cmds[0].ConnID, protocol.ParseFailure(cmds[0].Err))
	s.Respond(cmds[1].ConnID, protocol.Success("ok", nil))

	first := readResponse(t, conn, r)
	require.Equal(t, protocol.CodeParseError, first.ErrorCode)
	second := readResponse(t, conn, r)
	require.Equal(t, protocol.StatusSuccess, second.Status)
}

func TestServer_OriginRouting(t *testing.T) {
	s := startTCP(t, RoutingOrigin)
	a, ra := dial(t, s)
	b, rb := dial(t, s)
	require.Eventually(t, func() bool { return s.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	send(t, a, `{"command":"get_status"}`)
	cmds := waitDrain(t, s.Queue(), 1)
	s.Respond(cmds[0].ConnID, protocol.Success("for a", nil))

	require.Equal(t, "for a", readResponse(t, a, ra).Message)

	require.NoError(t, b.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, err := rb.ReadBytes('\n')
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	require.True(t, nerr.Timeout(), "other client should receive nothing")
}

func TestServer_BroadcastRouting(t *testing.T) {
	s := startTCP(t, RoutingBroadcast)
	a, ra := dial(t, s)
	b, rb := dial(t, s)
	require.Eventually(t, func() bool { return s.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	send(t, a, `{"command":"get_status"}`)
	cmds := waitDrain(t, s.Queue(), 1)
	s.Respond(cmds[0].ConnID, protocol.Success("everyone", nil))

	require.Equal(t, "everyone", readResponse(t, a, ra).Message)
	require.Equal(t, "everyone", readResponse(t, b, rb).Message)
}

func TestServer_RespondToGoneClientIsDropped(t *testing.T) {
	s := startTCP(t, RoutingOrigin)
	conn, _ := dial(t, s)
	send(t, conn, `{"command":"get_status"}`)
	cmds := waitDrain(t, s.Queue(), 1)

	conn.Close()
	require.Eventually(t, func() bool { return s.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	s.Respond(cmds[0].ConnID, protocol.Success("late", nil))
}

func TestServer_UnixRemovesStaleSocket(t *testing.T) {
	path := shortSocketPath(t)

	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())
	_, err = os.Stat(path)
	require.NoError(t, err, "stale socket file should remain after close")

	s := NewServer(Config{
		Unix: UnixConfig{Enabled: true, Path: path, Permissions: "0660"},
	}, NewQueue(), zerolog.Nop())
	require.NoError(t, s.Start())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o660), fi.Mode().Perm())

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	send(t, conn, `{"command":"get_config"}`)
	cmds := waitDrain(t, s.Queue(), 1)
	require.Equal(t, protocol.GetConfig, cmds[0].Request.Kind())
	conn.Close()

	s.Stop()
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "socket file should be removed on stop")
}

func TestServer_UnixRemovesNonSocketFile(t *testing.T) {
	path := shortSocketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0o644))

	s := NewServer(Config{Unix: UnixConfig{Enabled: true, Path: path}}, NewQueue(), zerolog.Nop())
	require.NoError(t, s.Start())
	defer s.Stop()

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NotZero(t, fi.Mode()&os.ModeSocket)
}

func TestServer_UnixLiveSocketInUse(t *testing.T) {
	path := shortSocketPath(t)

	first := NewServer(Config{Unix: UnixConfig{Enabled: true, Path: path}}, NewQueue(), zerolog.Nop())
	require.NoError(t, first.Start())
	defer first.Stop()

	second := NewServer(Config{Unix: UnixConfig{Enabled: true, Path: path}}, NewQueue(), zerolog.Nop())
	err := second.Start()
	require.ErrorIs(t, err, ErrSocketInUse)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err, "first instance must keep serving")
	conn.Close()
}

func TestServer_InvalidPermissionsFailsStart(t *testing.T) {
	path := shortSocketPath(t)
	s := NewServer(Config{Unix: UnixConfig{Enabled: true, Path: path, Permissions: "rw-rw----"}}, NewQueue(), zerolog.Nop())
	require.Error(t, s.Start())
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestServer_StopClosesClients(t *testing.T) {
	s := NewServer(Config{
		TCP: TCPConfig{Enabled: true, Address: "127.0.0.1"},
	}, NewQueue(), zerolog.Nop())
	require.NoError(t, s.Start())

	conn, err := net.Dial("tcp", s.TCPAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	require.Zero(t, s.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err, "client should observe the closed connection")

	s.Stop()
}

func TestServer_QuiesceStopsReadingButKeepsResponding(t *testing.T) {
	s := startTCP(t, RoutingOrigin)
	addr := s.TCPAddr().String()
	conn, r := dial(t, s)

	send(t, conn, `{"command":"get_status"}`)
	cmds := waitDrain(t, s.Queue(), 1)
	require.Len(t, cmds, 1)

	s.Quiesce()

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err, "listener must be closed")

	send(t, conn, `{"command":"get_config"}`)
	require.Never(t, func() bool { return s.Queue().Len() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	s.Respond(cmds[0].ConnID, protocol.Success("ok", nil))
	resp := readResponse(t, conn, r)
	require.Equal(t, protocol.StatusSuccess, resp.Status)

	s.Stop()
	require.Zero(t, s.ClientCount())
}

func TestClient_DoRoundTrip(t *testing.T) {
	s := startTCP(t, RoutingOrigin)
	c, err := Dial("tcp", s.TCPAddr().String(), 2*time.Second)
	require.NoError(t, err)
	defer c.Close()

	type result struct {
		resp protocol.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.Do(protocol.Request{Command: "set_brightness", Params: map[string]interface{}{"brightness": 40}})
		done <- result{resp, err}
	}()

	cmds := waitDrain(t, s.Queue(), 1)
	require.Equal(t, protocol.Version, cmds[0].Request.Version)
	b, err := cmds[0].Request.IntParam("brightness", 0, 100)
	require.NoError(t, err)
	require.Equal(t, 40, b)

	s.Respond(cmds[0].ConnID, protocol.Success("Brightness set to 40", nil))

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, protocol.StatusSuccess, res.resp.Status)
	require.Equal(t, "Brightness set to 40", res.resp.Message)
}
