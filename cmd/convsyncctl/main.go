package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 10*time.Minute, "request timeout")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fail("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if pid, err := lock.Holder(session.LockPath(profile)); err == nil && pid == 0 {
		fail("no daemon running for profile %q (start convsyncd --profile %s)", profile, profile)
	}

	c, err := api.Dial(session.SocketPath(profile))
	if err != nil {
		fail("cannot connect to daemon for profile %q: %v", profile, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	cmd := command{ctx: ctx, client: c, json: *jsonFlag}
	switch args[0] {
	case "status":
		cmd.status()
	case "list":
		cmd.list()
	case "select":
		cmd.call("Select", map[string]any{"id": arg(args, "select <id>")})
	case "unselect":
		cmd.call("Unselect", nil)
	case "open":
		cmd.call("Open", map[string]any{"id": arg(args, "open <id>")})
	case "send":
		cmd.send("SendText", map[string]any{"text": strings.Join(args[1:], " ")})
	case "send-file":
		path, err := filepath.Abs(arg(args, "send-file <path>"))
		if err != nil {
			fail("%v", err)
		}
		cmd.send("SendFile", map[string]any{"path": path})
	case "search":
		cmd.search(strings.Join(args[1:], " "))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: convsyncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status             Show daemon status")
	fmt.Fprintln(os.Stderr, "  list               List conversations, most recent first")
	fmt.Fprintln(os.Stderr, "  select <id>        Make a conversation the active thread")
	fmt.Fprintln(os.Stderr, "  unselect           Close the active thread")
	fmt.Fprintln(os.Stderr, "  open <id>          Open a conversation once it is known")
	fmt.Fprintln(os.Stderr, "  send <text>        Send text to the active thread")
	fmt.Fprintln(os.Stderr, "  send-file <path>   Send a file to the active thread")
	fmt.Fprintln(os.Stderr, "  search <query>     Search message text")
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func arg(args []string, usage string) string {
	if len(args) < 2 || args[1] == "" {
		fail("usage: convsyncctl %s", usage)
	}
	return args[1]
}

type command struct {
	ctx    context.Context
	client *api.Client
	json   bool
}

func (c command) do(method string, args map[string]any) map[string]any {
	out, err := c.client.Call(c.ctx, method, args)
	if err != nil {
		fail("%v", err)
	}
	return out
}

func (c command) call(method string, args map[string]any) {
	out := c.do(method, args)
	if c.json {
		outputJSON(out)
		return
	}
	if active, _ := out["active_id"].(string); active != "" {
		fmt.Printf("Active: %s\n", active)
	} else if pending, _ := out["pending"].(bool); pending {
		fmt.Println("Pending: will open when the conversation list arrives")
	} else {
		fmt.Println("No active thread")
	}
}

func (c command) status() {
	out := c.do("Status", nil)
	if c.json {
		outputJSON(out)
		return
	}
	fmt.Printf("Profile:       %v\n", out["profile"])
	fmt.Printf("Status:        %v\n", out["status"])
	fmt.Printf("Uptime:        %vms\n", out["uptime_ms"])
	fmt.Printf("Conversations: %v\n", out["conversations"])
	fmt.Printf("Messages:      %v\n", out["messages"])
	if active, _ := out["active_id"].(string); active != "" {
		fmt.Printf("Active:        %s\n", active)
	}
}

func (c command) list() {
	out := c.do("List", nil)
	if c.json {
		outputJSON(out)
		return
	}
	active, _ := out["active_id"].(string)
	convs, _ := out["conversations"].([]any)
	for _, item := range convs {
		conv, _ := item.(map[string]any)
		marker := " "
		if conv["id"] == active {
			marker = "*"
		}
		fmt.Printf("%s %-24v %-30v unread=%v\n", marker, conv["id"], conv["display_name"], conv["unread_count"])
	}
}

// send prints ok or the failed stage; the exit status is non-zero on failure
// so the caller can keep its input and retry.
func (c command) send(method string, args map[string]any) {
	out := c.do(method, args)
	if c.json {
		outputJSON(out)
	} else if ok, _ := out["ok"].(bool); ok {
		fmt.Println("ok")
	} else {
		fmt.Fprintf(os.Stderr, "failed at %v: %v\n", out["stage"], out["error"])
	}
	if ok, _ := out["ok"].(bool); !ok {
		os.Exit(1)
	}
}

func (c command) search(query string) {
	if query == "" {
		fail("usage: convsyncctl search <query>")
	}
	out := c.do("Search", map[string]any{"query": query})
	if c.json {
		outputJSON(out)
		return
	}
	results, _ := out["results"].([]any)
	for _, item := range results {
		r, _ := item.(map[string]any)
		fmt.Printf("%v  %v\n", r["conversation_id"], r["snippet"])
	}
	if len(results) == 0 {
		fmt.Println("No matches")
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
