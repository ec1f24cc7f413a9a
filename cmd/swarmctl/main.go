// swarmctl is the operator CLI. Exit codes: 0 success, 1 invalid target or
// failed operation, 2 usage error or zone assignment denied by a claim conflict.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"voxelswarm.ai/internal/persistence/auditlog"
	"voxelswarm.ai/internal/protocol"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "submit":
		submitCmd(os.Args[2:])
	case "cancel":
		cancelCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "claims":
		claimsCmd(os.Args[2:])
	case "assign":
		assignCmd(os.Args[2:])
	case "rebalance":
		rebalanceCmd(os.Args[2:])
	case "watch":
		watchCmd(os.Args[2:])
	case "logs":
		logsCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: swarmctl <command> [flags]

commands:
  submit     submit a goal (prints the task id)
  cancel     cancel a task
  status     engine state, or one task with -task
  claims     list live claim leases
  assign     force zone ownership
  rebalance  run a zone rebalance pass
  watch      stream coordination events
  logs       decode a compressed audit log file`)
}

func submitCmd(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	wsURL := fs.String("ws", "ws://127.0.0.1:8080/v1/ws", "server websocket url")
	requester := fs.String("requester", "", "requester id")
	text := fs.String("text", "", "goal text")
	priority := fs.Int("priority", 0, "priority 0..9")
	_ = fs.Parse(args)

	if strings.TrimSpace(*requester) == "" || strings.TrimSpace(*text) == "" {
		fmt.Fprintln(os.Stderr, "missing -requester or -text")
		os.Exit(2)
	}

	conn := dial(*wsURL)
	defer conn.Close()

	frame := protocol.SubmitMsg{
		Type:            protocol.TypeSubmit,
		ProtocolVersion: protocol.Version,
		RequesterID:     *requester,
		Text:            *text,
		Priority:        *priority,
	}
	if err := conn.WriteJSON(frame); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}

	// Event frames may interleave; wait for the submit response.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeSubmitOK:
			var ok protocol.SubmitOKMsg
			if err := json.Unmarshal(msg, &ok); err != nil {
				fmt.Fprintln(os.Stderr, "decode:", err)
				os.Exit(1)
			}
			fmt.Println(ok.TaskID)
			return
		case protocol.TypeSubmitErr:
			var se protocol.SubmitErrMsg
			_ = json.Unmarshal(msg, &se)
			fmt.Fprintf(os.Stderr, "rejected: %s: %s\n", se.Code, se.Message)
			os.Exit(1)
		}
	}
	fmt.Fprintln(os.Stderr, "timed out waiting for response")
	os.Exit(1)
}

func cancelCmd(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8080", "server http address")
	task := fs.String("task", "", "task id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*task) == "" {
		fmt.Fprintln(os.Stderr, "missing -task")
		os.Exit(2)
	}
	body := postJSON(*addr+"/admin/v1/tasks/"+*task+"/cancel", nil)
	fmt.Println(string(body))
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8080", "server http address")
	task := fs.String("task", "", "task id (optional)")
	_ = fs.Parse(args)

	path := "/admin/v1/state"
	if strings.TrimSpace(*task) != "" {
		path = "/admin/v1/tasks/" + *task
	}
	fmt.Println(string(getJSON(*addr + path)))
}

func claimsCmd(args []string) {
	fs := flag.NewFlagSet("claims", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8080", "server http address")
	_ = fs.Parse(args)
	fmt.Println(string(getJSON(*addr + "/admin/v1/claims")))
}

func assignCmd(args []string) {
	fs := flag.NewFlagSet("assign", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8080", "server http address")
	agent := fs.String("agent", "", "agent id")
	zoneID := fs.String("zone", "", "zone id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*agent) == "" || strings.TrimSpace(*zoneID) == "" {
		fmt.Fprintln(os.Stderr, "missing -agent or -zone")
		os.Exit(2)
	}
	payload, _ := json.Marshal(map[string]string{"agent_id": *agent, "zone_id": *zoneID})
	resp, err := http.Post(*addr+"/admin/v1/zones/assign", "application/json", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintln(os.Stderr, "post:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusConflict:
		fmt.Fprintf(os.Stderr, "denied: %s\n", bytes.TrimSpace(body))
		os.Exit(2)
	case resp.StatusCode >= 400:
		fmt.Fprintf(os.Stderr, "%s: %s\n", resp.Status, bytes.TrimSpace(body))
		os.Exit(1)
	}
	fmt.Println(string(bytes.TrimSpace(body)))
}

func rebalanceCmd(args []string) {
	fs := flag.NewFlagSet("rebalance", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8080", "server http address")
	_ = fs.Parse(args)
	fmt.Println(string(postJSON(*addr+"/admin/v1/rebalance", nil)))
}

func watchCmd(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	wsURL := fs.String("ws", "ws://127.0.0.1:8080/v1/ws", "server websocket url")
	_ = fs.Parse(args)

	conn := dial(*wsURL)
	defer conn.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fmt.Println(string(msg))
	}
}

func logsCmd(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	file := fs.String("file", "", "path to a .jsonl.zst log file")
	_ = fs.Parse(args)

	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "missing -file")
		os.Exit(2)
	}
	err := auditlog.ReadAll(*file, func(line []byte) error {
		fmt.Println(string(line))
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
}

func dial(wsURL string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	return conn
}

func getJSON(url string) []byte {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintln(os.Stderr, "get:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "%s: %s\n", resp.Status, bytes.TrimSpace(body))
		os.Exit(1)
	}
	return bytes.TrimSpace(body)
}

func postJSON(url string, payload []byte) []byte {
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintln(os.Stderr, "post:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "%s: %s\n", resp.Status, bytes.TrimSpace(body))
		os.Exit(1)
	}
	return bytes.TrimSpace(body)
}
