package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"text/template"
)

// Output streams a CommandStage can capture.
const (
	StreamCombined = "combined"
	StreamStdout   = "stdout"
	StreamStderr   = "stderr"
)

// CommandError describes an external tool that exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// ParseFunc turns a tool's text output into the value stored in the state.
// An error marks the output as malformed.
type ParseFunc func(output []byte) (any, error)

// CommandStage shells out to an external tool. Args are text/template strings
// rendered against the run state (e.g. "{{.in_file}}"). The captured output
// is parsed with Parse (when set) and the result stored under Into; without
// Parse the raw output is stored as a string.
//
// When Artifact is set and the state has a cache_dir, the output is kept as
// a cache artifact and the tool is not run again while a parseable artifact
// exists.
type CommandStage struct {
	Args     []string
	Dir      string
	Env      []string
	Stream   string // StreamCombined (default), StreamStdout or StreamStderr
	Artifact string
	Into     string
	Parse    ParseFunc
}

// Command returns a CommandStage for args.
func Command(args ...string) *CommandStage {
	return &CommandStage{Args: args}
}

// Run implements Stage.
func (c *CommandStage) Run(ctx context.Context, state *State) Result {
	args, err := c.render(state)
	if err != nil {
		return Failed(err)
	}
	var out []byte
	if c.Artifact != "" && state.Has(CacheDirKey.Name()) {
		var opts []GateOption
		if c.Parse != nil {
			opts = append(opts, WithValidator(func(b []byte) error {
				_, err := c.Parse(b)
				return err
			}))
		}
		gate, err := GateFromState(state, opts...)
		if err != nil {
			return Failed(err)
		}
		data, hit, err := gate.Compute(ctx, c.Artifact, func(ctx context.Context, w io.Writer) error {
			b, err := c.execute(ctx, args)
			if err != nil {
				return err
			}
			_, err = w.Write(b)
			return err
		})
		if err != nil {
			return Failed(err)
		}
		out = data
		if c.Into != "" {
			state.Set(c.Into+"_path", gate.ArtifactPath(c.Artifact))
			state.Set(c.Into+"_cached", hit)
		}
	} else {
		out, err = c.execute(ctx, args)
		if err != nil {
			return Failed(err)
		}
	}

	var value any = string(out)
	if c.Parse != nil {
		value, err = c.Parse(out)
		if err != nil {
			return Failed(fmt.Errorf("parse output of %q: %w", args[0], err))
		}
	}
	if c.Into != "" {
		state.Set(c.Into, value)
	}
	return Done()
}

func (c *CommandStage) render(state *State) ([]string, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("command: no arguments")
	}
	data := state.Snapshot()
	out := make([]string, len(c.Args))
	for i, a := range c.Args {
		if !strings.Contains(a, "{{") {
			out[i] = a
			continue
		}
		tmpl, err := template.New("arg").Option("missingkey=error").Parse(a)
		if err != nil {
			return nil, fmt.Errorf("command arg %d: %w", i, err)
		}
		var b strings.Builder
		if err := tmpl.Execute(&b, data); err != nil {
			return nil, fmt.Errorf("command arg %d: %w", i, err)
		}
		out[i] = b.String()
	}
	return out, nil
}

func (c *CommandStage) execute(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	combined := &lockedBuffer{}
	cmd.Stdout = io.MultiWriter(&stdout, combined)
	cmd.Stderr = io.MultiWriter(&stderr, combined)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &CommandError{Args: args, ExitCode: exitErr.ExitCode(), Stderr: tail(stderr.String(), 512)}
		}
		return nil, fmt.Errorf("run %q: %w", args[0], err)
	}
	switch c.Stream {
	case StreamStdout:
		return stdout.Bytes(), nil
	case StreamStderr:
		return stderr.Bytes(), nil
	default:
		return combined.Bytes(), nil
	}
}

// lockedBuffer interleaves stdout and stderr, which exec copies from separate goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
