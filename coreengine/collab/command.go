package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ExitTempFail (sysexits EX_TEMPFAIL) marks a command failure as transient.
const ExitTempFail = 75

// commandEnvelope is written to the collaborator's stdin.
type commandEnvelope struct {
	Op      string `json:"op"`
	Request any    `json:"request"`
}

// CommandClient runs a local program per call: the request goes to stdin as
// {"op": ..., "request": {...}} and the response is read from stdout as JSON.
type CommandClient struct {
	generatorArgv []string
	criticArgv    []string
	policy        RetryPolicy
	logger        Logger
}

// NewCommandClient creates a CommandClient.
func NewCommandClient(generatorArgv, criticArgv []string, policy RetryPolicy, logger Logger) *CommandClient {
	if logger == nil {
		logger = nopLogger{}
	}
	return &CommandClient{
		generatorArgv: generatorArgv,
		criticArgv:    criticArgv,
		policy:        policy,
		logger:        logger,
	}
}

// Propose implements Generator.
func (c *CommandClient) Propose(ctx context.Context, req ProposeRequest) (string, error) {
	resp, err := call(ctx, c.policy, c.logger, "command", "propose", func(ctx context.Context) (proposeResponse, error) {
		var out proposeResponse
		err := c.run(ctx, "propose", c.generatorArgv, req, &out)
		return out, err
	})
	if err != nil {
		return "", err
	}
	if resp.NoImprovement {
		return "", ErrNoImprovement
	}
	if strings.TrimSpace(resp.Description) == "" {
		return "", &ProtocolError{Op: "propose", Message: "empty description"}
	}
	return resp.Description, nil
}

// GenerateReplacement implements Generator.
func (c *CommandClient) GenerateReplacement(ctx context.Context, req GenerateRequest) ([]byte, error) {
	resp, err := call(ctx, c.policy, c.logger, "command", "generate", func(ctx context.Context) (generateResponse, error) {
		var out generateResponse
		err := c.run(ctx, "generate", c.generatorArgv, req, &out)
		return out, err
	})
	if err != nil {
		return nil, err
	}
	return []byte(resp.Content), nil
}

// Score implements Critic.
func (c *CommandClient) Score(ctx context.Context, req ScoreRequest) (Critique, error) {
	out, err := call(ctx, c.policy, c.logger, "command", "score", func(ctx context.Context) (Critique, error) {
		var out Critique
		err := c.run(ctx, "score", c.criticArgv, req, &out)
		return out, err
	})
	if err != nil {
		return Critique{}, err
	}
	if err := validateCritique("score", out); err != nil {
		return Critique{}, err
	}
	return out, nil
}

func (c *CommandClient) run(ctx context.Context, op string, argv []string, req, out any) error {
	if len(argv) == 0 {
		return fmt.Errorf("%s: no collaborator command configured", op)
	}

	input, err := json.Marshal(commandEnvelope{Op: op, Request: req})
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return &TransientError{Op: op, Err: ctx.Err()}
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			remote := &RemoteError{Op: op, Status: exitErr.ExitCode(), Message: msg}
			if exitErr.ExitCode() == ExitTempFail {
				return &TransientError{Op: op, Err: remote}
			}
			return remote
		}
		return fmt.Errorf("%s: start collaborator: %w", op, err)
	}

	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), out); err != nil {
		return &ProtocolError{Op: op, Message: err.Error()}
	}
	return nil
}

var (
	_ Generator = (*CommandClient)(nil)
	_ Critic    = (*CommandClient)(nil)
)
