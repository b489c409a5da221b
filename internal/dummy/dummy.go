// Package dummy is a scripted model provider for tests and offline runs.
//
// A script is a comma-separated list of actions consumed one per call; the
// last action repeats once the script is exhausted:
//
//	ok            reply "dummy-ok"
//	msg:TEXT      reply TEXT
//	msgb64:B64    reply the base64-decoded text
//	echo          reply "echo: " + the last user turn
//	err:CLASS     fail with a model error of CLASS (default transient)
//	sleep:MS      wait MS milliseconds (or until the context ends), then reply
package dummy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
	modelpkg "github.com/stupiduntilnot/chatmem/internal/model"
)

type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" || token == "echo" {
			actions = append(actions, action{kind: token})
			continue
		}
		if strings.HasPrefix(token, "err:") {
			actions = append(actions, action{kind: "err", arg: strings.TrimPrefix(token, "err:")})
			continue
		}
		if strings.HasPrefix(token, "sleep:") {
			arg := strings.TrimPrefix(token, "sleep:")
			if _, err := strconv.Atoi(arg); err != nil {
				return nil, fmt.Errorf("invalid dummy sleep duration: %s", token)
			}
			actions = append(actions, action{kind: "sleep", arg: arg})
			continue
		}
		if strings.HasPrefix(token, "msg:") {
			actions = append(actions, action{kind: "msg", arg: strings.TrimPrefix(token, "msg:")})
			continue
		}
		if strings.HasPrefix(token, "msgb64:") {
			actions = append(actions, action{kind: "msgb64", arg: strings.TrimPrefix(token, "msgb64:")})
			continue
		}
		return nil, fmt.Errorf("invalid dummy action: %s", token)
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

// Provider replays a script. It is safe for concurrent use; calls consume
// actions in arrival order.
type Provider struct {
	mu     sync.Mutex
	model  string
	script *scriptRunner
	calls  int
}

func NewProvider(model, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: model, script: runner}, nil
}

// Calls returns how many completions have been requested.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Provider) ChatCompletion(ctx context.Context, messages []ctxpkg.Turn) (modelpkg.CompletionResponse, error) {
	p.mu.Lock()
	a := p.script.next()
	p.calls++
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return modelpkg.CompletionResponse{}, err
	}

	switch a.kind {
	case "err":
		class := modelpkg.ErrorClass(emptyAs(a.arg, string(modelpkg.ClassTransient)))
		return modelpkg.CompletionResponse{}, &modelpkg.APIError{
			Class: class,
			Err:   errors.New("dummy provider error"),
		}
	case "sleep":
		ms, _ := strconv.Atoi(a.arg)
		if ms > 0 {
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return modelpkg.CompletionResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
		return reply("dummy-after-sleep"), nil
	case "msg":
		return reply(a.arg), nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		return reply(string(raw)), nil
	case "echo":
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == ctxpkg.RoleUser {
				return reply("echo: " + messages[i].Content), nil
			}
		}
		return reply("echo:"), nil
	default:
		return reply(emptyAs(a.arg, "dummy-ok")), nil
	}
}

func reply(content string) modelpkg.CompletionResponse {
	return modelpkg.CompletionResponse{
		Content:      content,
		InputTokens:  1,
		OutputTokens: 1,
	}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
