package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
)

type chatState struct {
	server    string
	mode      string
	sessionID string
	verbose   bool
}

func main() {
	server := flag.String("server", "http://localhost:8080", "EGO server URL")
	mode := flag.String("mode", "default", "Reasoning mode")
	session := flag.String("session", "", "Session ID (random when empty)")
	verbose := flag.Bool("v", false, "Show thoughts and tool output")
	flag.Parse()

	st := &chatState{server: strings.TrimRight(*server, "/"), mode: *mode, sessionID: *session, verbose: *verbose}
	if st.sessionID == "" {
		st.sessionID = uuid.NewString()
	}

	fmt.Println("EGO CLI Chat")
	fmt.Printf("Server: %s | Mode: %s | Session: %s\n", st.server, st.mode, st.sessionID)
	fmt.Println("Commands: /mode <name>, /modes, /tools, /new, /verbose, exit")
	fmt.Println("---")

	rl, err := readline.New(colorCyan + "> " + colorReset)
	if err != nil {
		printError("failed to create readline: %v", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			fmt.Printf("%sBye!%s\n", colorGreen, colorReset)
			return
		}
		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			fmt.Printf("%sBye!%s\n", colorGreen, colorReset)
			return
		case input == "/modes":
			fetchList(st.server+"/api/modes", "name")
		case input == "/tools":
			fetchList(st.server+"/api/tools", "name")
		case input == "/new":
			st.sessionID = uuid.NewString()
			fmt.Printf("New session %s\n", st.sessionID)
		case input == "/verbose":
			st.verbose = !st.verbose
			fmt.Printf("Verbose: %v\n", st.verbose)
		case strings.HasPrefix(input, "/mode "):
			st.mode = strings.TrimSpace(strings.TrimPrefix(input, "/mode "))
			fmt.Printf("Mode: %s\n", st.mode)
		default:
			st.ask(input)
		}
	}
}

type event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (st *chatState) ask(query string) {
	body, _ := json.Marshal(map[string]string{
		"query":      query,
		"mode":       st.mode,
		"session_id": st.sessionID,
	})
	resp, err := http.Post(st.server+"/api/turns", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 1<<20), 4<<20)
	answering := false
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		answering = st.render(ev, answering)
	}
	if answering {
		fmt.Println()
	}
	if err := sc.Err(); err != nil {
		printError("Stream interrupted: %v", err)
	}
}

// render prints one event and reports whether the answer is being streamed.
func (st *chatState) render(ev event, answering bool) bool {
	var d map[string]any
	_ = json.Unmarshal(ev.Data, &d)

	switch ev.Type {
	case "thought_header":
		fmt.Printf("%s… %v%s\n", colorYellow, d["message"], colorReset)
	case "thought":
		if st.verbose {
			fmt.Printf("%s%v%s\n", colorDim, d["thoughts"], colorReset)
		}
	case "tool_call":
		fmt.Printf("%s⚙ %v(%v)%s\n", colorCyan, d["tool_name"], d["tool_query"], colorReset)
	case "tool_output":
		if st.verbose {
			fmt.Printf("%s%v%s\n", colorDim, d["output"], colorReset)
		}
	case "tool_error", "system_error":
		msg := d["error"]
		if msg == nil {
			msg = d["message"]
		}
		fmt.Printf("%s! %v%s\n", colorRed, msg, colorReset)
	case "chunk":
		if !answering {
			fmt.Println()
		}
		fmt.Print(d["text"])
		return true
	case "error":
		if answering {
			fmt.Println()
		}
		printError("%v", d["message"])
		return false
	case "done":
		if answering {
			fmt.Println()
		}
		if usage, ok := d["usage"].(map[string]any); ok {
			fmt.Printf("%s[%v thoughts, %v tokens]%s", colorDim, d["thoughts"], usage["total_tokens"], colorReset)
		}
		return true
	}
	return answering
}

func fetchList(url, field string) {
	resp, err := http.Get(url)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	var items []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}
	for _, it := range items {
		line := fmt.Sprintf("  %v", it[field])
		if desc, ok := it["description"].(string); ok {
			line += " - " + desc
		}
		fmt.Println(line)
	}
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, colorRed+format+colorReset+"\n", args...)
}
