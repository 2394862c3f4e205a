package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	apperrors "github.com/glowus/relay/internal/errors"
)

// wireMessage is a superset of every outbound payload, for assertions.
type wireMessage struct {
	Type      string          `json:"type"`
	Data      string          `json:"data"`
	Shell     string          `json:"shell"`
	Cwd       string          `json:"cwd"`
	Pid       int             `json:"pid"`
	ExitCode  *int            `json:"exitCode"`
	Signal    *int            `json:"signal"`
	Error     *ErrorPayload   `json:"error"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params"`
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result"`
}

func newTestServer(t *testing.T, mods ...func(*Options)) (*Server, *httptest.Server) {
	t.Helper()
	opts := Options{
		Shell:          "/bin/sh",
		ResolveTimeout: 5 * time.Second,
	}
	for _, mod := range mods {
		mod(&opts)
	}
	s := NewServer(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return s, ts
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/"
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRaw(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return data
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	var msg wireMessage
	if err := json.Unmarshal(readRaw(t, conn), &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return msg
}

// readUntil reads messages until one of type want arrives and returns it
// together with the concatenated data of any output messages before it.
func readUntil(t *testing.T, conn *websocket.Conn, want string) (wireMessage, string) {
	t.Helper()
	var output strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg.Type == want {
			return msg, output.String()
		}
		if msg.Type == string(MessageTypeOutput) {
			output.WriteString(msg.Data)
		}
	}
	t.Fatalf("no %s message before deadline; output so far: %q", want, output.String())
	return wireMessage{}, ""
}

// readOutputUntil reads output until it contains needle.
func readOutputUntil(t *testing.T, conn *websocket.Conn, needle string) string {
	t.Helper()
	var output strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg.Type == string(MessageTypeOutput) {
			output.WriteString(msg.Data)
			if strings.Contains(output.String(), needle) {
				return output.String()
			}
		}
	}
	t.Fatalf("output never contained %q: %q", needle, output.String())
	return ""
}

// requireNextIsPong pings conn and asserts the pong is the very next
// message, so nothing was queued for this peer before the ping.
func requireNextIsPong(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendRaw(t, conn, `{"type":"ping"}`)
	msg := readMessage(t, conn)
	require.Equal(t, string(MessageTypePong), msg.Type, "unexpected message before pong")
}

// syncPeer sends a ping and waits for the pong, so every earlier frame from
// this peer has been handled.
func syncPeer(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendRaw(t, conn, `{"type":"ping"}`)
	readUntil(t, conn, string(MessageTypePong))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	waitForWithin(t, 5*time.Second, what, cond)
}

func waitForWithin(t *testing.T, limit time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectAutomation(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn := dial(t, ts)
	sendRaw(t, conn, `{"type":"mcp-connect"}`)
	msg := readMessage(t, conn)
	require.Equal(t, string(MessageTypeCanvasState), msg.Type)
	return conn
}

func connectCanvas(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn := dial(t, ts)
	sendRaw(t, conn, `{"type":"frontend-connect"}`)
	syncPeer(t, conn)
	return conn
}

func connectTerminal(t *testing.T, ts *httptest.Server, init string) (*websocket.Conn, wireMessage) {
	t.Helper()
	conn := dial(t, ts)
	sendRaw(t, conn, init)
	info := readMessage(t, conn)
	require.Equal(t, string(MessageTypeShellInfo), info.Type)
	return conn, info
}

func TestTerminal_MissingCwdFallsBackToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	s, ts := newTestServer(t)

	_, info := connectTerminal(t, ts, `{"type":"init","cwd":"/does/not/exist"}`)

	require.Equal(t, home, info.Cwd)
	require.Equal(t, "/bin/sh", info.Shell)
	require.Positive(t, info.Pid)
	require.Equal(t, 1, s.Sessions().Count())
	require.Equal(t, 1, s.PeerCounts()["terminal"])
}

func TestTerminal_RequestedCwdAndGeometry(t *testing.T) {
	dir := t.TempDir()
	_, ts := newTestServer(t)

	conn, info := connectTerminal(t, ts, `{"type":"init","cwd":"`+dir+`","cols":100,"rows":40}`)

	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(info.Cwd)
	require.Equal(t, want, got)

	sendRaw(t, conn, `{"type":"input","data":"stty size\r"}`)
	readOutputUntil(t, conn, "40 100")
}

func TestTerminal_OversizedGeometryUsesDefaults(t *testing.T) {
	s, ts := newTestServer(t)

	conn, _ := connectTerminal(t, ts, `{"type":"init","cols":70000,"rows":40}`)

	sessions := s.Sessions().List()
	require.Len(t, sessions, 1)
	require.Equal(t, 120, sessions[0].Cols)
	require.Equal(t, 30, sessions[0].Rows)

	sendRaw(t, conn, `{"type":"input","data":"stty size\r"}`)
	readOutputUntil(t, conn, "30 120")
}

func TestResolve_TimeoutCommitsTerminal(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	s, ts := newTestServer(t, func(o *Options) { o.ResolveTimeout = 100 * time.Millisecond })

	conn := dial(t, ts)
	// Say nothing; the resolver must pick terminal on its own.
	info := readMessage(t, conn)
	require.Equal(t, string(MessageTypeShellInfo), info.Type)
	require.Equal(t, home, info.Cwd)
	require.Equal(t, 1, s.PeerCounts()["terminal"])

	syncPeer(t, conn)
}

func TestResolve_HandshakeBeatsTimeout(t *testing.T) {
	s, ts := newTestServer(t, func(o *Options) { o.ResolveTimeout = 100 * time.Millisecond })

	conn := connectCanvas(t, ts)
	time.Sleep(300 * time.Millisecond)

	require.Equal(t, 1, s.PeerCounts()["canvas"])
	require.Zero(t, s.Sessions().Count(), "timer must not spawn a shell for a resolved peer")
	syncPeer(t, conn)
}

func TestResolve_UnparseableFirstMessageIsTerminal(t *testing.T) {
	s, ts := newTestServer(t)

	conn := dial(t, ts)
	sendRaw(t, conn, `this is not json`)
	info := readMessage(t, conn)
	require.Equal(t, string(MessageTypeShellInfo), info.Type)
	require.Equal(t, 1, s.PeerCounts()["terminal"])
}

func TestResolve_FirstInputIsDelivered(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dial(t, ts)
	sendRaw(t, conn, `{"type":"input","data":"echo first-$((2+3))\r"}`)

	info := readMessage(t, conn)
	require.Equal(t, string(MessageTypeShellInfo), info.Type)
	readOutputUntil(t, conn, "first-5")
}

func TestResolve_RoleIsImmutable(t *testing.T) {
	s, ts := newTestServer(t)

	conn := connectCanvas(t, ts)
	sendRaw(t, conn, `{"type":"mcp-connect"}`)
	sendRaw(t, conn, `{"type":"init","cwd":"/tmp"}`)
	sendRaw(t, conn, `{"type":"input","data":"ls\r"}`)
	syncPeer(t, conn)

	require.False(t, s.AutomationBound())
	require.Zero(t, s.Sessions().Count())
	counts := s.PeerCounts()
	require.Equal(t, 1, counts["canvas"])
	require.Zero(t, counts["automation"])
	require.Zero(t, counts["terminal"])
}

func TestAutomation_ReceivesSnapshotOnConnect(t *testing.T) {
	s, ts := newTestServer(t)

	conn := dial(t, ts)
	sendRaw(t, conn, `{"type":"mcp-connect"}`)

	require.JSONEq(t,
		`{"type":"canvas-state","nodes":[],"edges":[],"selectedNodeId":null}`,
		string(readRaw(t, conn)))
	require.True(t, s.AutomationBound())
}

func TestCanvas_UpdateMirrorsOnlyToAutomation(t *testing.T) {
	s, ts := newTestServer(t)

	automation := connectAutomation(t, ts)
	canvasA := connectCanvas(t, ts)
	canvasB := connectCanvas(t, ts)

	sendRaw(t, canvasA, `{"type":"canvas-state-update","nodes":[{"id":"n1"}],"edges":[],"selectedNodeId":"n1"}`)

	require.JSONEq(t,
		`{"type":"canvas-state","nodes":[{"id":"n1"}],"edges":[],"selectedNodeId":"n1"}`,
		string(readRaw(t, automation)))
	requireNextIsPong(t, canvasB)

	state := s.CanvasState()
	require.Len(t, state.Nodes, 1)
	require.JSONEq(t, `{"id":"n1"}`, string(state.Nodes[0]))
	require.Equal(t, `"n1"`, string(state.SelectedNodeID))
}

func TestCanvas_UpdateWithoutAutomationIsStored(t *testing.T) {
	s, ts := newTestServer(t)

	canvasA := connectCanvas(t, ts)
	sendRaw(t, canvasA, `{"type":"canvas-state-update","nodes":[],"edges":[{"id":"e1"}],"selectedNodeId":null}`)
	syncPeer(t, canvasA)

	// A later automation peer gets the stored snapshot.
	conn := dial(t, ts)
	sendRaw(t, conn, `{"type":"mcp-connect"}`)
	require.JSONEq(t,
		`{"type":"canvas-state","nodes":[],"edges":[{"id":"e1"}],"selectedNodeId":null}`,
		string(readRaw(t, conn)))

	sendRaw(t, conn, `{"type":"get-canvas-state"}`)
	require.JSONEq(t,
		`{"type":"canvas-state","nodes":[],"edges":[{"id":"e1"}],"selectedNodeId":null}`,
		string(readRaw(t, conn)))
	require.Equal(t, 1, s.Status().CanvasUpdates)
}

func TestCanvas_LastWriteWins(t *testing.T) {
	s, ts := newTestServer(t)

	canvasA := connectCanvas(t, ts)
	canvasB := connectCanvas(t, ts)

	sendRaw(t, canvasA, `{"type":"canvas-state-update","nodes":[{"id":"a"}],"edges":[{"id":"e"}],"selectedNodeId":"a"}`)
	syncPeer(t, canvasA)
	sendRaw(t, canvasB, `{"type":"canvas-state-update","nodes":[{"id":"b"}],"edges":[],"selectedNodeId":null}`)
	syncPeer(t, canvasB)

	data, err := json.Marshal(s.CanvasState())
	require.NoError(t, err)
	require.JSONEq(t, `{"nodes":[{"id":"b"}],"edges":[],"selectedNodeId":null}`, string(data))

	status := s.Status()
	require.Equal(t, 2, status.CanvasUpdates)
	require.NotNil(t, status.CanvasUpdatedAt)
}

func TestCanvas_EventsForwardedVerbatim(t *testing.T) {
	_, ts := newTestServer(t)

	automation := connectAutomation(t, ts)
	canvasA := connectCanvas(t, ts)

	for _, frame := range []string{
		`{"type":"node-created","node":{"id":"n9","data":{"label":"x"}}}`,
		`{"type":"node-deleted","nodeId":"n9"}`,
		`{"type":"edge-created","edge":{"id":"e1","source":"n1","target":"n2"}}`,
	} {
		sendRaw(t, canvasA, frame)
		require.Equal(t, frame, string(readRaw(t, automation)))
	}
}

func TestCommandRelay_BroadcastAndReply(t *testing.T) {
	s, ts := newTestServer(t)

	automation := connectAutomation(t, ts)
	canvasA := connectCanvas(t, ts)
	canvasB := connectCanvas(t, ts)

	command := `{"type":"mcp-command","command":"addNode","params":{"label":"hi"},"requestId":"r1"}`
	sendRaw(t, automation, command)

	require.Equal(t, command, string(readRaw(t, canvasA)))
	require.Equal(t, command, string(readRaw(t, canvasB)))
	require.Equal(t, 1, s.Relay().Len())

	reply := `{"type":"mcp-response","requestId":"r1","result":{"id":"n1"}}`
	sendRaw(t, canvasA, reply)
	require.Equal(t, reply, string(readRaw(t, automation)))
	waitFor(t, "pending record to clear", func() bool { return s.Relay().Len() == 0 })

	// A second reply to the same request is still passed through.
	dup := `{"type":"mcp-response","requestId":"r1","result":{"id":"n1"},"from":"b"}`
	sendRaw(t, canvasB, dup)
	require.Equal(t, dup, string(readRaw(t, automation)))
}

func TestCommandRelay_GeneratesRequestID(t *testing.T) {
	_, ts := newTestServer(t)

	automation := connectAutomation(t, ts)
	canvasA := connectCanvas(t, ts)

	sendRaw(t, automation, `{"type":"mcp-command","command":"getNodes","params":{"limit":5}}`)

	msg := readMessage(t, canvasA)
	require.Equal(t, string(MessageTypeMCPCommand), msg.Type)
	require.Equal(t, "getNodes", msg.Command)
	require.JSONEq(t, `{"limit":5}`, string(msg.Params))
	_, err := uuid.Parse(msg.RequestID)
	require.NoError(t, err)
}

func TestCommandRelay_SkipsDisconnectedCanvas(t *testing.T) {
	s, ts := newTestServer(t)

	automation := connectAutomation(t, ts)
	canvasA := connectCanvas(t, ts)
	canvasB := connectCanvas(t, ts)

	canvasB.Close()
	waitFor(t, "canvas B to unregister", func() bool { return s.PeerCounts()["canvas"] == 1 })

	command := `{"type":"mcp-command","command":"addNode","requestId":"r2"}`
	sendRaw(t, automation, command)
	require.Equal(t, command, string(readRaw(t, canvasA)))
}

func TestCommandRelay_UnansweredRequestExpires(t *testing.T) {
	s, ts := newTestServer(t, func(o *Options) { o.PendingTimeout = 100 * time.Millisecond })

	automation := connectAutomation(t, ts)
	canvasA := connectCanvas(t, ts)

	sendRaw(t, automation, `{"type":"mcp-command","command":"addNode","requestId":"r3"}`)
	readRaw(t, canvasA)
	require.Len(t, s.Status().PendingRequests, 1)

	waitFor(t, "pending record to expire", func() bool { return s.Status().ExpiredRequests == 1 })
	require.Zero(t, s.Relay().Len())
	require.EqualValues(t, 100, s.Status().PendingTimeoutMs)

	// The late reply is still relayed.
	reply := `{"type":"mcp-response","requestId":"r3","result":null}`
	sendRaw(t, canvasA, reply)
	require.Equal(t, reply, string(readRaw(t, automation)))
}

func TestAutomation_ResponseGoesToCanvases(t *testing.T) {
	_, ts := newTestServer(t)

	automation := connectAutomation(t, ts)
	canvasA := connectCanvas(t, ts)

	reply := `{"type":"mcp-response","requestId":"c1","result":"ok"}`
	sendRaw(t, automation, reply)
	require.Equal(t, reply, string(readRaw(t, canvasA)))
}

func TestAutomation_SecondConnectReplacesBinding(t *testing.T) {
	s, ts := newTestServer(t)

	first := connectAutomation(t, ts)
	second := connectAutomation(t, ts)
	canvasA := connectCanvas(t, ts)

	sendRaw(t, canvasA, `{"type":"canvas-state-update","nodes":[],"edges":[],"selectedNodeId":"x"}`)

	msg := readMessage(t, second)
	require.Equal(t, string(MessageTypeCanvasState), msg.Type)
	// The replaced peer stays connected but gets no mirror.
	requireNextIsPong(t, first)
	require.Equal(t, 2, s.PeerCounts()["automation"])

	// Disconnecting the replaced peer leaves the binding alone.
	first.Close()
	waitFor(t, "first automation peer to unregister", func() bool { return s.PeerCounts()["automation"] == 1 })
	require.True(t, s.AutomationBound())
}

func TestTerminal_PingAndCwd(t *testing.T) {
	dir := t.TempDir()
	target := t.TempDir()
	_, ts := newTestServer(t)

	conn, _ := connectTerminal(t, ts, `{"type":"init","cwd":"`+dir+`"}`)

	syncPeer(t, conn)

	sendRaw(t, conn, `{"type":"set-cwd","cwd":"`+target+`"}`)
	update, _ := readUntil(t, conn, string(MessageTypeCwdUpdate))
	require.Equal(t, target, update.Cwd)

	want, _ := filepath.EvalSymlinks(target)
	waitFor(t, "shell to report the new directory", func() bool {
		sendRaw(t, conn, `{"type":"get-cwd"}`)
		msg, _ := readUntil(t, conn, string(MessageTypeCwdUpdate))
		got, _ := filepath.EvalSymlinks(msg.Cwd)
		return got == want
	})
}

func TestTerminal_ResizeAppliedBeforeInput(t *testing.T) {
	_, ts := newTestServer(t)

	conn, _ := connectTerminal(t, ts, `{"type":"init"}`)

	sendRaw(t, conn, `{"type":"resize","cols":80,"rows":24}`)
	sendRaw(t, conn, `{"type":"input","data":"stty size\r"}`)
	readOutputUntil(t, conn, "24 80")
}

func TestTerminal_OutputOrderPreserved(t *testing.T) {
	_, ts := newTestServer(t)

	conn, _ := connectTerminal(t, ts, `{"type":"init"}`)
	sendRaw(t, conn, `{"type":"input","data":"i=0; while [ $i -lt 200 ]; do echo seq-$i; i=$((i+1)); done; exit\r"}`)

	exit, output := readUntil(t, conn, string(MessageTypeExit))
	require.NotNil(t, exit.ExitCode)

	last := -1
	for i := 0; i < 200; i++ {
		marker := "seq-" + strconv.Itoa(i) + "\r\n"
		idx := strings.Index(output, marker)
		require.GreaterOrEqual(t, idx, 0, "missing %q", marker)
		require.Greater(t, idx, last, "%q out of order", marker)
		last = idx
	}
}

func TestTerminal_ExitClosesConnection(t *testing.T) {
	s, ts := newTestServer(t)

	conn, _ := connectTerminal(t, ts, `{"type":"init"}`)
	sendRaw(t, conn, `{"type":"input","data":"exit 7\r"}`)

	exit, _ := readUntil(t, conn, string(MessageTypeExit))
	require.NotNil(t, exit.ExitCode)
	require.Equal(t, 7, *exit.ExitCode)
	require.Nil(t, exit.Signal)
	require.Nil(t, exit.Error)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)

	waitFor(t, "session to be forgotten", func() bool { return s.Sessions().Count() == 0 })
	waitFor(t, "terminal to unregister", func() bool { return s.ClientCount() == 0 })
}

func TestTerminal_CloseKillsShell(t *testing.T) {
	s, ts := newTestServer(t)

	conn, info := connectTerminal(t, ts, `{"type":"init"}`)
	conn.Close()

	waitFor(t, "session to be torn down", func() bool { return s.Sessions().Count() == 0 })
	waitFor(t, "shell process to be gone", func() bool { return processExited(info.Pid) })
}

func TestTerminal_StalledPeerIsTornDown(t *testing.T) {
	s, ts := newTestServer(t, func(o *Options) { o.WriteWait = 300 * time.Millisecond })

	conn, info := connectTerminal(t, ts, `{"type":"init"}`)

	// Flood output and never read again, so the send queue fills and the
	// server's writes stall.
	sendRaw(t, conn, `{"type":"input","data":"yes\r"}`)
	time.Sleep(500 * time.Millisecond)

	// Pongs queue behind the stalled output and block the read loop.
	for i := 0; i < 5; i++ {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	}

	waitForWithin(t, 15*time.Second, "stalled peer to be dropped", func() bool { return s.ClientCount() == 0 })
	waitFor(t, "session to be torn down", func() bool { return s.Sessions().Count() == 0 })
	waitFor(t, "shell process to be gone", func() bool { return processExited(info.Pid) })
}

func TestTerminal_SpawnFailureSendsExit(t *testing.T) {
	s, ts := newTestServer(t, func(o *Options) { o.Shell = "/no/such/shell" })

	conn := dial(t, ts)
	sendRaw(t, conn, `{"type":"init"}`)

	exit := readMessage(t, conn)
	require.Equal(t, string(MessageTypeExit), exit.Type)
	require.Equal(t, -1, *exit.ExitCode)
	require.Nil(t, exit.Signal)
	require.NotNil(t, exit.Error)
	require.Equal(t, apperrors.CodeSessionSpawnFailed, exit.Error.Code)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)

	// The server keeps serving.
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Zero(t, s.Sessions().Count())
}

func TestTerminal_SessionLimit(t *testing.T) {
	_, ts := newTestServer(t, func(o *Options) { o.MaxSessions = 1 })

	connectTerminal(t, ts, `{"type":"init"}`)

	conn := dial(t, ts)
	sendRaw(t, conn, `{"type":"init"}`)
	exit := readMessage(t, conn)
	require.Equal(t, string(MessageTypeExit), exit.Type)
	require.NotNil(t, exit.Error)
	require.Equal(t, apperrors.CodeSessionLimitReached, exit.Error.Code)
}

func TestTerminal_MalformedMessagesDropped(t *testing.T) {
	_, ts := newTestServer(t)

	conn, _ := connectTerminal(t, ts, `{"type":"init"}`)
	sendRaw(t, conn, `{not json`)
	sendRaw(t, conn, `{"type":"resize","cols":"wide"}`)
	sendRaw(t, conn, `{"type":"canvas-state-update","nodes":[]}`)
	sendRaw(t, conn, `{"type":"no-such-type"}`)
	sendRaw(t, conn, `{"type":"resize","cols":0,"rows":0}`)

	// Still alive and in order.
	syncPeer(t, conn)
}

func TestServer_StopKillsEveryShell(t *testing.T) {
	s, ts := newTestServer(t)

	terminal, info := connectTerminal(t, ts, `{"type":"init"}`)
	canvasA := connectCanvas(t, ts)

	require.NoError(t, s.Stop())
	require.Zero(t, s.Sessions().Count())
	require.True(t, processExited(info.Pid))

	for _, conn := range []*websocket.Conn{terminal, canvasA} {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}

	require.NoError(t, s.Stop(), "Stop must be idempotent")
}

// processExited reports whether pid no longer accepts signals. A reaped
// child returns ESRCH right away.
func processExited(pid int) bool {
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s := NewServer(Options{Addr: "127.0.0.1:0", Shell: "/bin/sh"})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	waitFor(t, "listener", func() bool { return s.Addr() != "127.0.0.1:0" })

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"init"}`)))
	info := readMessage(t, conn)
	require.Equal(t, string(MessageTypeShellInfo), info.Type)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Zero(t, s.Sessions().Count())
	require.True(t, processExited(info.Pid))
}

func TestServer_StartAsyncPortInUse(t *testing.T) {
	first := NewServer(Options{Addr: "127.0.0.1:0"})
	require.NoError(t, <-first.StartAsync())
	defer first.Stop()

	second := NewServer(Options{Addr: first.Addr()})
	err := <-second.StartAsync()
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to listen")
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_UnknownPathIsNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/favicon.ico")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRole_String(t *testing.T) {
	require.Equal(t, "unresolved", RoleUnresolved.String())
	require.Equal(t, "terminal", RoleTerminal.String())
	require.Equal(t, "automation", RoleAutomation.String())
	require.Equal(t, "canvas", RoleCanvas.String())
	require.Equal(t, "invalid", Role(42).String())
}
