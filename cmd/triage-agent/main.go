// Command triage-agent drives one triage session from the console. Each
// stdin line is a client frame ({"type":"invoke",...}, {"type":"state"} or
// {"type":"end"}); utterances, results and role changes are written to
// stdout as JSON lines.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/vango-go/vai-triage/internal/dotenv"
	"github.com/vango-go/vai-triage/pkg/gateway/agentproto"
	"github.com/vango-go/vai-triage/pkg/gateway/apierror"
	"github.com/vango-go/vai-triage/pkg/triage"
)

type agentConfig struct {
	ScriptsPath string
	MaxLine     int
}

func parseAgentConfig(args []string, getenv func(string) string) (agentConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := agentConfig{}
	fs := flag.NewFlagSet("triage-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.ScriptsPath, "scripts", strings.TrimSpace(getenv("TRIAGE_ROLE_SCRIPTS")), "role scripts YAML (or TRIAGE_ROLE_SCRIPTS)")
	fs.IntVar(&cfg.MaxLine, "max-line-bytes", 64*1024, "largest accepted input line")
	if err := fs.Parse(args); err != nil {
		return agentConfig{}, err
	}
	if cfg.MaxLine <= 0 {
		return agentConfig{}, errors.New("max-line-bytes must be > 0")
	}
	return cfg, nil
}

// lineWriter emits one JSON document per line.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{enc: json.NewEncoder(w)}
}

func (w *lineWriter) send(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

func runConsole(ctx context.Context, cfg agentConfig, stdin io.Reader, stdout io.Writer) error {
	scripts, err := triage.LoadScripts(cfg.ScriptsPath)
	if err != nil {
		return err
	}
	out := newLineWriter(stdout)

	ctrl := triage.NewController(scripts,
		triage.SpeakerFunc(func(ctx context.Context, u triage.Utterance) error {
			return out.send(agentproto.UtteranceFrame(u))
		}),
		triage.WithTransferObserver(func(from, to triage.Role) {
			_ = out.send(agentproto.ServerRoleChanged{
				Type:         "role_changed",
				From:         from,
				To:           to,
				Instructions: scripts.Instructions(to),
				Actions:      triage.ActionsFor(to),
			})
		}),
	)
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 4096), cfg.MaxLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		decoded, err := agentproto.DecodeClientMessage([]byte(line))
		if err != nil {
			code := "bad_request"
			var de *agentproto.DecodeError
			if errors.As(err, &de) && de.Code != "" {
				code = de.Code
			}
			if err := out.send(agentproto.ServerError{Type: "error", Scope: "frame", Code: code, Message: err.Error()}); err != nil {
				return err
			}
			continue
		}

		switch msg := decoded.(type) {
		case agentproto.ClientHello:
			err = out.send(agentproto.ServerWarning{Type: "warning", Code: "hello_ignored", Message: "console sessions start without a handshake"})
		case agentproto.ClientInvoke:
			err = out.send(invoke(ctx, ctrl, msg))
		case agentproto.ClientState:
			err = out.send(agentproto.ServerState{Type: "state", Snapshot: ctrl.State()})
		case agentproto.ClientEnd:
			return out.send(agentproto.ServerState{Type: "state", Snapshot: ctrl.State()})
		}
		if err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

func invoke(ctx context.Context, ctrl *triage.Controller, msg agentproto.ClientInvoke) agentproto.ServerResult {
	err := ctrl.Invoke(ctx, msg.Action, msg.Arguments)
	snap := ctrl.State()
	result := agentproto.ServerResult{
		Type:       "result",
		ID:         msg.ID,
		OK:         err == nil,
		ActiveRole: snap.ActiveRole,
		Data:       snap.Data,
	}
	if err != nil {
		apiErr, _ := apierror.FromError(err, "")
		code := apiErr.Code
		if code == "" {
			code = "internal"
		}
		result.Error = &agentproto.ResultError{Code: code, Message: apiErr.Message}
	}
	return result
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "triage-agent: %v\n", err)
		return 1
	}
	cfg, err := parseAgentConfig(args, os.Getenv)
	if err != nil {
		fmt.Fprintf(stderr, "triage-agent: %v\n", err)
		return 2
	}
	if err := runConsole(ctx, cfg, stdin, stdout); err != nil {
		fmt.Fprintf(stderr, "triage-agent: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
