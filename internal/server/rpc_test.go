package server

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

// rpc posts a raw JSON-RPC body to /mcp and decodes the response envelope.
func rpc(t *testing.T, env *testEnv, url, body string) (result json.RawMessage, rpcErr *rpcError) {
	t.Helper()
	req := httptest.NewRequest("POST", url, bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode envelope %q: %v", w.Body.String(), err)
	}
	return resp.Result, resp.Error
}

func callBody(name string, args map[string]any) string {
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	return string(body)
}

// toolText extracts the text content of a tools/call result.
func toolText(t *testing.T, result json.RawMessage) (string, bool) {
	t.Helper()
	var parsed struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("decode tool result %q: %v", result, err)
	}
	if len(parsed.Content) == 0 {
		t.Fatalf("tool result has no content: %s", result)
	}
	return parsed.Content[0].Text, parsed.IsError
}

func TestRPCInitializeAndToolsList(t *testing.T) {
	env := newTestEnv(t)

	result, rpcErr := rpc(t, env, "/mcp?agent=alice",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if rpcErr != nil {
		t.Fatalf("initialize error: %+v", rpcErr)
	}
	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &init); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	if init.ProtocolVersion == "" || init.ServerInfo.Name != "meshd" {
		t.Errorf("initialize result = %+v", init)
	}

	result, rpcErr = rpc(t, env, "/mcp?agent=alice",
		`{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`)
	if rpcErr != nil {
		t.Fatalf("tools/list error: %+v", rpcErr)
	}
	var list struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &list); err != nil {
		t.Fatalf("decode tools/list result: %v", err)
	}
	if len(list.Tools) != 17 {
		t.Errorf("catalog has %d tools, want 17", len(list.Tools))
	}
}

func TestRPCToolCallRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/agents", map[string]any{"name": "alice"})
	env.do(t, "POST", "/agents", map[string]any{"name": "bob"})

	result, rpcErr := rpc(t, env, "/mcp?agent=alice",
		callBody("channel_send", map[string]any{"content": "@bob ready for review"}))
	if rpcErr != nil {
		t.Fatalf("channel_send error: %+v", rpcErr)
	}
	text, isErr := toolText(t, result)
	if isErr || !strings.Contains(text, "bob") {
		t.Errorf("send result = %q (isError=%v)", text, isErr)
	}
	// the dispatcher wakes mentioned agents through the scheduler manager
	if len(env.schedulers.woken) != 1 || env.schedulers.woken[0] != "bob" {
		t.Errorf("woken = %v, want [bob]", env.schedulers.woken)
	}

	result, rpcErr = rpc(t, env, "/mcp?agent=bob", callBody("my_inbox", nil))
	if rpcErr != nil {
		t.Fatalf("my_inbox error: %+v", rpcErr)
	}
	text, isErr = toolText(t, result)
	if isErr || !strings.Contains(text, "ready for review") {
		t.Errorf("bob's inbox = %q", text)
	}
}

func TestRPCIdentityFromURLOnly(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/agents", map[string]any{"name": "alice"})
	env.do(t, "POST", "/agents", map[string]any{"name": "mallory"})

	// a sender field in the arguments must not override the URL identity
	rpc(t, env, "/mcp?agent=mallory",
		callBody("channel_send", map[string]any{"content": "@alice hello", "sender": "alice"}))

	result, _ := rpc(t, env, "/mcp?agent=alice", callBody("my_inbox", nil))
	text, _ := toolText(t, result)
	if !strings.Contains(text, `"sender": "mallory"`) {
		t.Errorf("message sender not taken from URL identity: %s", text)
	}
}

func TestRPCErrorCodes(t *testing.T) {
	env := newTestEnv(t)

	// malformed body
	_, rpcErr := rpc(t, env, "/mcp?agent=alice", `{not json`)
	if rpcErr == nil || rpcErr.Code != -32600 {
		t.Errorf("malformed body error = %+v, want -32600", rpcErr)
	}

	// missing agent parameter
	_, rpcErr = rpc(t, env, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if rpcErr == nil || rpcErr.Code != -32600 {
		t.Errorf("missing agent error = %+v, want -32600", rpcErr)
	}

	// unsupported method
	_, rpcErr = rpc(t, env, "/mcp?agent=alice", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	if rpcErr == nil || rpcErr.Code != -32601 {
		t.Errorf("unsupported method error = %+v, want -32601", rpcErr)
	}

	// unknown tool
	_, rpcErr = rpc(t, env, "/mcp?agent=alice", callBody("channel_shred", nil))
	if rpcErr == nil || rpcErr.Code != -32602 {
		t.Errorf("unknown tool error = %+v, want -32602", rpcErr)
	}

	// malformed arguments
	_, rpcErr = rpc(t, env, "/mcp?agent=alice", callBody("channel_send", map[string]any{}))
	if rpcErr == nil || rpcErr.Code != -32602 {
		t.Errorf("bad arguments error = %+v, want -32602", rpcErr)
	}

	// operational errors come back as isError results, not RPC errors
	result, rpcErr := rpc(t, env, "/mcp?agent=alice",
		callBody("resource_read", map[string]any{"id": "res_missing00000"}))
	if rpcErr != nil {
		t.Fatalf("operational error leaked as RPC error: %+v", rpcErr)
	}
	if _, isErr := toolText(t, result); !isErr {
		t.Error("missing resource should be an isError result")
	}
}
