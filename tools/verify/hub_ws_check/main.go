// Command hub_ws_check probes a running hub's node endpoint: an
// unauthenticated upgrade must be refused, a non-hello first frame must be
// rejected with the handshake-required code, and a proper hello plus
// heartbeat must succeed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:8777/ws/node", "node websocket endpoint")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "bearer token expected by the hub")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	bearer := strings.TrimSpace(*token)
	if bearer == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}

	_, unauthResp, unauthErr := websocket.Dial(ctx, *url, nil)
	if unauthErr == nil {
		fmt.Fprintln(os.Stderr, "expected missing-auth dial to fail but it succeeded")
		os.Exit(1)
	}
	if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "expected 401 for missing auth, got response=%v err=%v\n", unauthResp, unauthErr)
		os.Exit(1)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)

	dial := func() *websocket.Conn {
		conn, _, err := websocket.Dial(ctx, *url, &websocket.DialOptions{
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + bearer},
			},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "authorized dial failed: %v\n", err)
			os.Exit(1)
		}
		return conn
	}

	// A heartbeat before node.hello must be refused with the
	// handshake-required code and the socket closed.
	gate := dial()
	preHello := rpcRequest{JSONRPC: "2.0", ID: 0, Method: "node.heartbeat", Params: map[string]interface{}{}}
	fmt.Printf(">> %s\n", mustJSON(preHello))
	if err := wsjson.Write(ctx, gate, preHello); err != nil {
		fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
		os.Exit(1)
	}
	var gateResp map[string]interface{}
	if err := wsjson.Read(ctx, gate, &gateResp); err != nil {
		fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("<< %s\n", mustJSON(gateResp))
	if !hasErrorCode(gateResp, 1002) {
		fmt.Fprintln(os.Stderr, "expected handshake-required error (1002) for pre-hello heartbeat")
		os.Exit(1)
	}
	_ = gate.Close(websocket.StatusNormalClosure, "done")

	// A fresh session with a proper hello must be accepted, and a heartbeat
	// on it must succeed.
	conn := dial()
	defer conn.Close(websocket.StatusNormalClosure, "done")

	requests := []rpcRequest{
		{
			JSONRPC: "2.0",
			ID:      1,
			Method:  "node.hello",
			Params: map[string]interface{}{
				"node_id": "hub-ws-check",
				"name":    "hub-ws-check",
				"token":   bearer,
			},
		},
		{JSONRPC: "2.0", ID: 2, Method: "node.heartbeat", Params: map[string]interface{}{}},
	}

	for _, req := range requests {
		fmt.Printf(">> %s\n", mustJSON(req))
		if err := wsjson.Write(ctx, conn, req); err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
			os.Exit(1)
		}
		var resp map[string]interface{}
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("<< %s\n", mustJSON(resp))
		if hasAnyError(resp) {
			fmt.Fprintf(os.Stderr, "expected successful %s\n", req.Method)
			os.Exit(1)
		}
	}

	fmt.Println("VERDICT PASS")
}

func hasAnyError(resp map[string]interface{}) bool {
	_, ok := resp["error"]
	return ok && resp["error"] != nil
}

func hasErrorCode(resp map[string]interface{}, want int) bool {
	errVal, ok := resp["error"]
	if !ok || errVal == nil {
		return false
	}
	errMap, ok := errVal.(map[string]interface{})
	if !ok {
		return false
	}
	code, ok := errMap["code"].(float64)
	if !ok {
		return false
	}
	return int(code) == want
}
