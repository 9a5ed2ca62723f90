package uds

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Sockets live directly under /tmp: macOS caps unix socket paths at 104
// bytes and t.TempDir can exceed that.
func testSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "troupe-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

// startServer registers handlers shaped like the daemon's run commands and
// returns a connected client.
func startServer(t *testing.T, handlers map[string]HandlerFunc) (*Server, *Client) {
	t.Helper()
	sock := testSocketPath(t)
	server := NewServer(sock, nil)
	for cmd, h := range handlers {
		server.Handle(cmd, h)
	}
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	client := NewClient(sock)
	client.SetTimeout(5 * time.Second)
	return server, client
}

func pingHandler(req *Request) *Response {
	return SuccessResponse(map[string]string{"status": "ok"})
}

func TestServer_PingRoundTrip(t *testing.T) {
	_, client := startServer(t, map[string]HandlerFunc{"daemon.ping": pingHandler})

	var pong map[string]string
	require.NoError(t, client.Call("daemon.ping", nil, &pong))
	assert.Equal(t, "ok", pong["status"])
}

func TestServer_RunStartParamsReachHandler(t *testing.T) {
	_, client := startServer(t, map[string]HandlerFunc{
		"run.start": func(req *Request) *Response {
			var params struct {
				Plan string `json:"plan"`
			}
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return ErrorResponse(ErrCodeValidation, "invalid params: "+err.Error())
			}
			if !strings.Contains(params.Plan, "file_type: troupe_plan") {
				return ErrorResponse(ErrCodeValidation, "plan content is required")
			}
			return SuccessResponse(map[string]string{"run_id": "run_1700000000_ab12cd34"})
		},
	})

	var started map[string]string
	err := client.Call("run.start", map[string]string{"plan": "file_type: troupe_plan\ntask: t"}, &started)
	require.NoError(t, err)
	assert.Equal(t, "run_1700000000_ab12cd34", started["run_id"])

	err = client.Call("run.start", map[string]string{"plan": ""}, nil)
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrCodeValidation, cerr.Code)
}

func TestServer_ErrorCodesPassThrough(t *testing.T) {
	codes := []string{
		ErrCodeValidation,
		ErrCodeNotFound,
		ErrCodeDuplicate,
		ErrCodeConflict,
		ErrCodeInternal,
	}

	_, client := startServer(t, map[string]HandlerFunc{
		"run.respond": func(req *Request) *Response {
			var params struct {
				Code string `json:"code"`
			}
			json.Unmarshal(req.Params, &params)
			return ErrorResponse(params.Code, "refused: "+params.Code)
		},
	})

	for _, code := range codes {
		err := client.Call("run.respond", map[string]string{"code": code}, nil)
		var cerr *CommandError
		require.ErrorAs(t, err, &cerr, "code %s", code)
		assert.Equal(t, code, cerr.Code)
		assert.Contains(t, cerr.Message, code)
	}
}

func TestServer_StaleResponseConflict(t *testing.T) {
	// A respond for an already-advanced step comes back as CONFLICT, which
	// the client surfaces as a typed error the CLI can report verbatim.
	_, client := startServer(t, map[string]HandlerFunc{
		"run.respond": func(req *Request) *Response {
			var params struct {
				StepIndex int `json:"step_index"`
			}
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return ErrorResponse(ErrCodeValidation, err.Error())
			}
			if params.StepIndex < 2 {
				return ErrorResponse(ErrCodeConflict, "run is not running")
			}
			return SuccessResponse(map[string]string{"status": "accepted"})
		},
	})

	err := client.Call("run.respond", map[string]int{"step_index": 0}, nil)
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrCodeConflict, cerr.Code)
	assert.Equal(t, "CONFLICT: run is not running", cerr.Error())

	require.NoError(t, client.Call("run.respond", map[string]int{"step_index": 2}, nil))
}

func TestServer_UnknownCommand(t *testing.T) {
	_, client := startServer(t, map[string]HandlerFunc{"daemon.ping": pingHandler})

	err := client.Call("run.rewind", nil, nil)
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrCodeUnknownCommand, cerr.Code)
	assert.Contains(t, cerr.Message, "run.rewind")
}

func TestServer_ProtocolMismatch(t *testing.T) {
	_, client := startServer(t, map[string]HandlerFunc{"daemon.ping": pingHandler})

	resp, err := client.Send(&Request{ProtocolVersion: 99, Command: "daemon.ping"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_HandlerPanicBecomesInternalError(t *testing.T) {
	_, client := startServer(t, map[string]HandlerFunc{
		"run.status": func(req *Request) *Response {
			panic("registry lookup on closed daemon")
		},
		"daemon.ping": pingHandler,
	})

	err := client.Call("run.status", map[string]string{"run_id": "run_x"}, nil)
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrCodeInternal, cerr.Code)
	assert.Contains(t, cerr.Message, "run.status")

	// server survives the panic
	require.NoError(t, client.Call("daemon.ping", nil, nil))
}

func TestServer_LargePlanPayload(t *testing.T) {
	plan := "file_type: troupe_plan\n" + strings.Repeat("# padding\n", 100_000)

	_, client := startServer(t, map[string]HandlerFunc{
		"run.start": func(req *Request) *Response {
			var params struct {
				Plan string `json:"plan"`
			}
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return ErrorResponse(ErrCodeValidation, err.Error())
			}
			return SuccessResponse(map[string]int{"plan_bytes": len(params.Plan)})
		},
	})

	var out map[string]int
	require.NoError(t, client.Call("run.start", map[string]string{"plan": plan}, &out))
	assert.Equal(t, len(plan), out["plan_bytes"])
}

func TestServer_ConcurrentClients(t *testing.T) {
	server, _ := startServer(t, map[string]HandlerFunc{"daemon.ping": pingHandler})

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			c := NewClient(server.socketPath)
			c.SetTimeout(5 * time.Second)
			return c.Call("daemon.ping", nil, nil)
		})
	}
	require.NoError(t, g.Wait())
}

func TestServer_Lifecycle(t *testing.T) {
	sock := testSocketPath(t)

	// a stale socket from a dead daemon must not block startup
	require.NoError(t, os.WriteFile(sock, []byte{}, 0644))

	server := NewServer(sock, nil)
	server.Handle("daemon.ping", pingHandler)
	require.NoError(t, server.Start())

	info, err := os.Stat(sock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, server.Stop())
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err), "socket should be removed after stop")
}

func TestServer_IdleConnectionClosed(t *testing.T) {
	sock := testSocketPath(t)
	server := NewServer(sock, nil)
	server.Handle("daemon.ping", pingHandler)
	server.SetIdleTimeout(200 * time.Millisecond)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, readErr := conn.Read(buf)
	require.Error(t, readErr, "idle connection should be closed by the server")

	// new clients still served
	client := NewClient(server.socketPath)
	client.SetTimeout(2 * time.Second)
	require.NoError(t, client.Call("daemon.ping", nil, nil))
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	client.SetTimeout(time.Second)

	err := client.Call("daemon.ping", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to daemon")
	assert.Contains(t, err.Error(), "troupe daemon")

	var cerr *CommandError
	assert.NotErrorAs(t, err, &cerr, "transport failures carry no daemon error code")
}

func TestFrames_RoundTripOverPipe(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go func() {
		var req Request
		if err := ReadFrame(serverSide, &req); err != nil {
			return
		}
		WriteFrame(serverSide, SuccessResponse(map[string]string{"echo": req.Command}))
	}()

	req, err := NewRequest("run.list", nil)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(clientSide, req))

	var resp Response
	require.NoError(t, ReadFrame(clientSide, &resp))
	require.True(t, resp.Success)

	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "run.list", data["echo"])
}

func TestReadFrame_RejectsOversizedFrame(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	// hand-written length prefix claiming 64MB
	go clientSide.Write([]byte{0x04, 0x00, 0x00, 0x00})

	var req Request
	err := ReadFrame(serverSide, &req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame too large")
}
