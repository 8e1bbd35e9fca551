package ipc

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveOnce answers a single connection the way the daemon does: one command
// decoded, one response encoded, connection closed. The received command is
// safe to inspect once the returned channel is closed.
func serveOnce(t *testing.T, path string, received *Command, reply Response) <-chan struct{} {
	t.Helper()
	addr, err := net.ResolveUnixAddr("unix", path)
	require.NoError(t, err)
	listener, err := net.ListenUnix("unix", addr)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		decoder := json.NewDecoder(conn)
		encoder := json.NewEncoder(conn)
		var cmd Command
		if err := decoder.Decode(&cmd); err != nil {
			_ = encoder.Encode(Response{Success: false, Message: "Failed to decode command: " + err.Error()})
			return
		}
		*received = cmd
		_ = encoder.Encode(reply)
	}()
	return done
}

func roundTrip(t *testing.T, path string, cmd Command) Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, json.NewEncoder(conn).Encode(cmd))
	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	return resp
}

// retype replays the daemon's args handling: the wire decode lands in a
// generic map, which handlers re-marshal into the struct they expect.
func retype(t *testing.T, from interface{}, to interface{}) {
	t.Helper()
	data, err := json.Marshal(from)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, to))
}

func TestCommandRoundTripOverSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retrace-test.sock")

	var got Command
	done := serveOnce(t, path, &got, Response{Success: true, Message: "ok"})

	resp := roundTrip(t, path, Command{
		Name: CmdSearchActivities,
		Args: SearchActivitiesArgs{Query: "tokenizer refactor", Limit: 5},
	})
	<-done

	assert.True(t, resp.Success)
	assert.Equal(t, "ok", resp.Message)
	assert.Equal(t, CmdSearchActivities, got.Name)

	var args SearchActivitiesArgs
	retype(t, got.Args, &args)
	assert.Equal(t, "tokenizer refactor", args.Query)
	assert.Equal(t, 5, args.Limit)
}

func TestIngestPayloadSurvivesGenericDecode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retrace-test.sock")

	var got Command
	done := serveOnce(t, path, &got,
		Response{Success: true, Data: IngestResult{SegmentID: "seg-1", Valid: true}})

	payload := `{"segment_id":"seg-1","app_name":"VS Code","category":"work","productivity":8}`
	resp := roundTrip(t, path, Command{
		Name: CmdIngestAnalysis,
		Args: IngestAnalysisArgs{SegmentID: "seg-1", Payload: json.RawMessage(payload)},
	})
	<-done

	// The nested payload crosses the wire as a generic object; retyping must
	// hand the handler back an equivalent JSON document.
	var args IngestAnalysisArgs
	retype(t, got.Args, &args)
	assert.Equal(t, "seg-1", args.SegmentID)
	assert.JSONEq(t, payload, string(args.Payload))

	require.True(t, resp.Success)
	var result IngestResult
	retype(t, resp.Data, &result)
	assert.Equal(t, "seg-1", result.SegmentID)
	assert.True(t, result.Valid)
}

func TestStatusDataRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retrace-test.sock")

	sent := StatusData{
		SchemaVersion:      3,
		StoreReady:         true,
		PipelineEnabled:    true,
		Ingested:           42,
		Malformed:          1,
		OutOfOrder:         2,
		SessionsClosed:     7,
		LastIngest:         time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC).Format(time.RFC3339),
		OpenSessionID:      13,
		OpenSessions:       1,
		ClosedSessions:     7,
		TotalAnalyses:      44,
		InvalidAnalyses:    1,
		Backlog:            2,
		PendingSuggestions: 3,
	}

	var got Command
	done := serveOnce(t, path, &got, Response{Success: true, Data: sent})

	resp := roundTrip(t, path, Command{Name: CmdStatus})
	<-done

	assert.Equal(t, CmdStatus, got.Name)
	assert.Nil(t, got.Args)

	require.True(t, resp.Success)
	var st StatusData
	retype(t, resp.Data, &st)
	assert.Equal(t, sent, st)
}

func TestMalformedCommandGetsErrorResponse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retrace-test.sock")

	var got Command
	done := serveOnce(t, path, &got, Response{Success: true})

	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("{this is not json\n"))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	<-done

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "decode")
	assert.Empty(t, got.Name, "handler must not see a command that failed to decode")
}
