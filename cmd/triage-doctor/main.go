// Command triage-doctor checks that the environment, configuration and
// role scripts are ready before the gateway is started.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vango-go/vai-triage/internal/dotenv"
	"github.com/vango-go/vai-triage/pkg/gateway/config"
	"github.com/vango-go/vai-triage/pkg/triage"
)

// requiredEnv lists the variables a full voice deployment needs. The
// provider keys are consumed by the dialogue engine, not the gateway.
var requiredEnv = []string{
	"LIVEKIT_URL",
	"LIVEKIT_API_KEY",
	"LIVEKIT_API_SECRET",
	"OPENAI_API_KEY",
	"DEEPGRAM_API_KEY",
	"CARTESIA_API_KEY",
}

type doctorDeps struct {
	getenv      func(string) string
	envFile     string
	loadConfig  func() (config.Config, error)
	loadScripts func(path string) (*triage.Scripts, error)
}

type check struct {
	name string
	run  func(w io.Writer) error
}

func runDoctor(ctx context.Context, w io.Writer, deps doctorDeps) bool {
	var cfg config.Config
	checks := []check{
		{"Environment variables", func(w io.Writer) error { return checkEnv(w, deps.getenv, deps.envFile) }},
		{"Configuration", func(w io.Writer) error {
			c, err := deps.loadConfig()
			if err != nil {
				return err
			}
			cfg = c
			fmt.Fprintf(w, "  addr=%s auth_mode=%s livekit_http_url=%s\n", cfg.Addr, cfg.AuthMode, cfg.LiveKitHTTPURL)
			return nil
		}},
		{"Role scripts", func(w io.Writer) error { return checkScripts(ctx, w, deps.loadScripts, cfg.RoleScriptsPath) }},
	}

	fmt.Fprintln(w, "Checking medical triage gateway setup")
	passed := 0
	for _, c := range checks {
		fmt.Fprintf(w, "\n%s\n", c.name)
		if err := c.run(w); err != nil {
			fmt.Fprintf(w, "  FAIL %v\n", err)
			continue
		}
		fmt.Fprintln(w, "  ok")
		passed++
	}
	fmt.Fprintf(w, "\n%d/%d checks passed\n", passed, len(checks))
	return passed == len(checks)
}

func checkEnv(w io.Writer, getenv func(string) string, envFile string) error {
	if envFile != "" {
		keys, err := dotenv.Keys(envFile)
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			fmt.Fprintf(w, "  %s defines %s\n", envFile, strings.Join(keys, ", "))
		}
	}
	var missing []string
	for _, key := range requiredEnv {
		if strings.TrimSpace(getenv(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s (add them to your .env file)", strings.Join(missing, ", "))
	}
	return nil
}

// checkScripts loads the scripts and walks a session through every role.
func checkScripts(ctx context.Context, w io.Writer, load func(string) (*triage.Scripts, error), path string) error {
	scripts, err := load(path)
	if err != nil {
		return err
	}
	source := "built-in"
	if path != "" {
		source = path
	}
	fmt.Fprintf(w, "  scripts: %s\n", source)

	spoken := 0
	ctrl := triage.NewController(scripts, triage.SpeakerFunc(func(context.Context, triage.Utterance) error {
		spoken++
		return nil
	}))
	steps := []struct {
		action string
		args   string
	}{
		{triage.ActionCollectPatientInfo, `{"patient_name":"Test Patient","symptoms":"headache","urgency_level":"low"}`},
		{"transfer_to_support", ""},
		{"transfer_to_triage", ""},
		{"transfer_to_billing", ""},
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	for _, step := range steps {
		if err := ctrl.Invoke(ctx, step.action, json.RawMessage(step.args)); err != nil {
			return fmt.Errorf("%s: %w", step.action, err)
		}
	}
	if got := ctrl.ActiveRole(); got != triage.RoleBilling {
		return errors.New("walkthrough ended in " + string(got))
	}
	fmt.Fprintf(w, "  walkthrough: %d handoffs, %d utterances\n", len(ctrl.State().Handoffs), spoken)
	return nil
}

func main() {
	stdout := os.Stdout
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "triage-doctor: %v\n", err)
		os.Exit(1)
	}
	ok := runDoctor(context.Background(), stdout, doctorDeps{
		getenv:      os.Getenv,
		envFile:     ".env",
		loadConfig:  config.LoadFromEnv,
		loadScripts: triage.LoadScripts,
	})
	if !ok {
		os.Exit(1)
	}
}
