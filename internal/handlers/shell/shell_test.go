package shell

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"testing"

	"medflow/internal/worker"
)

func TestHandleCapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	params, _ := json.Marshal(Cmd{Command: "echo", Args: []string{"hello"}})
	result, err := Shell{}.Handle(context.Background(), params)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if strings.TrimSpace(out["output"]) != "hello" {
		t.Errorf("output = %q", out["output"])
	}
}

func TestHandleCommandFailureIsRetriable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	params, _ := json.Marshal(Cmd{Command: "false"})
	_, err := Shell{}.Handle(context.Background(), params)
	if err == nil {
		t.Fatal("want error for failing command")
	}
	if !worker.IsRetriable(err) {
		t.Error("command failures stay retriable")
	}
}

func TestHandleRejectsBadPayload(t *testing.T) {
	for name, params := range map[string]string{
		"malformed":  `{`,
		"no command": `{}`,
	} {
		_, err := Shell{}.Handle(context.Background(), json.RawMessage(params))
		if err == nil {
			t.Fatalf("%s: want error", name)
		}
		if worker.IsRetriable(err) {
			t.Errorf("%s: bad payloads must not be retried", name)
		}
	}
}
