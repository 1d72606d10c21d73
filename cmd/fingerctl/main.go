// fingerctl is the thin CLI client side of the Message Hub (spec §6 "CLI
// command mapping"): every subcommand below is a thin producer of one
// POST /api/v1/message against a running fingerd, named and targeted
// exactly as the spec's table pins down.
//
// Grounded on the teacher's cmd/cobra_cli.go for the
// root-command-with-colored-output/subcommand shape, narrowed from an
// interactive REPL to one-shot request/response verbs, since CLI argument
// parsing beyond the command mapping itself is out of scope (spec §1).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

// commandTarget maps each spec §6 CLI command to its (target, message.type)
// pair.
type commandTarget struct {
	target  string
	msgType string
}

var commandTargets = map[string]commandTarget{
	"understand": {"understanding-agent", "UNDERSTAND"},
	"route":      {"router-agent", "ROUTE"},
	"plan":       {"planner-agent", "PLAN"},
	"execute":    {"executor-agent", "EXECUTE"},
	"review":     {"reviewer-agent", "REVIEW"},
	"orchestrate": {"orchestrator", "ORCHESTRATE"},
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		addr   string
		sender string
	)

	root := &cobra.Command{
		Use:   "fingerctl",
		Short: "client for the finger orchestration daemon's Message Hub",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8099", "fingerd HTTP address")
	root.PersistentFlags().StringVar(&sender, "sender", "fingerctl", "sender name recorded on the mailbox entry")

	for name, ct := range commandTargets {
		name, ct := name, ct
		root.AddCommand(&cobra.Command{
			Use:   name + " <task>",
			Short: fmt.Sprintf("dispatch a %s message to %s", ct.msgType, ct.target),
			Args:  cobra.ArbitraryArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return dispatch(addr, ct.target, ct.msgType, strings.Join(args, " "), sender)
			},
		})
	}

	root.AddCommand(newStatusCommand(&addr))
	return root
}

// messageRequest mirrors the Message Hub's POST body (spec §6).
type messageRequest struct {
	Target     string `json:"target"`
	Message    any    `json:"message"`
	Sender     string `json:"sender"`
	CallbackID string `json:"callbackId,omitempty"`
}

type messageResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// dispatch posts one message to the Message Hub and prints the response.
// It makes no follow-up GET /api/v1/message/<id> request, so the status
// printed is the one the POST response carried.
func dispatch(addr, target, msgType, task, sender string) error {
	body := messageRequest{
		Target: target,
		Sender: sender,
		Message: map[string]string{
			"type": msgType,
			"task": task,
		},
	}
	resp, err := postJSON(addr+"/api/v1/message", body)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", green("message id"), resp.MessageID)
	fmt.Printf("%s %s\n", gray("status"), resp.Status)
	if resp.Error != "" {
		fmt.Printf("%s %s\n", red("error"), resp.Error)
		return nil
	}
	if resp.Result != nil {
		out, _ := json.MarshalIndent(resp.Result, "", "  ")
		fmt.Println(string(out))
	}
	return nil
}

func newStatusCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "report the daemon's WebSocket client count",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(*addr + "/api/v1/status")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func postJSON(url string, body any) (*messageResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	client := http.Client{Timeout: 120 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out messageResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w (body=%s)", err, string(raw))
	}
	return &out, nil
}
