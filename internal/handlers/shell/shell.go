package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"medflow/internal/worker"
)

// Shell runs a command and captures its combined output as the result.
type Shell struct{}

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func (h Shell) Handle(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var c Cmd
	if err := json.Unmarshal(params, &c); err != nil {
		return nil, worker.NonRetriable(err)
	}
	if c.Command == "" {
		return nil, worker.NonRetriable(fmt.Errorf("command is required"))
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	result, _ := json.Marshal(map[string]string{"output": string(out)})
	return result, nil
}
