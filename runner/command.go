// Package runner executes training tasks as local processes. Parameters are
// passed as command-line flags and environment variables; the process reports
// metrics by printing HO_SCALAR lines on stdout.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thalesfsp/ho/tracking"
)

const (
	// ScalarPrefix starts a stdout line carrying one JSON-encoded scalar:
	//
	//	HO_SCALAR {"title":"Accuracy","series":"test","iteration":100,"value":0.93}
	ScalarPrefix = "HO_SCALAR "

	// EnvTaskID holds the ID of the task being run.
	EnvTaskID = "HO_TASK_ID"

	// EnvParamPrefix prefixes one variable per parameter, e.g. HO_PARAM_LR.
	EnvParamPrefix = "HO_PARAM_"

	stderrTail = 20
)

// Command runs task.Command with the task parameters appended.
type Command struct {
	// Dir is the working directory. Empty means the current one.
	Dir string

	// Env is added to the inherited environment.
	Env []string

	// WaitDelay bounds how long output is drained after cancellation.
	// Defaults to five seconds.
	WaitDelay time.Duration

	Log *zap.Logger
}

// Run executes task and reports every scalar it prints. It returns ctx.Err()
// when cancelled and an error when the process exits non-zero.
func (c *Command) Run(ctx context.Context, task *tracking.Task, reporter tracking.Reporter) error {
	if len(task.Command) == 0 {
		return fmt.Errorf("task %s has no command", task.ID)
	}

	log := c.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("task_id", task.ID))

	args := append(append([]string(nil), task.Command[1:]...), Args(task.Params)...)
	cmd := exec.CommandContext(ctx, task.Command[0], args...)
	cmd.Dir = c.Dir
	cmd.Env = append(append(os.Environ(), c.Env...), Env(task)...)
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	stdout := &lineWriter{fn: func(line string) {
		sc, ok, err := ParseScalarLine(line)
		switch {
		case err != nil:
			log.Warn("malformed scalar line", zap.String("line", line), zap.Error(err))
		case ok:
			sc.TaskID = task.ID
			if err := reporter.ReportScalar(ctx, sc); err != nil {
				log.Warn("report scalar", zap.Error(err))
			}
		default:
			log.Debug(line, zap.String("stream", "stdout"))
		}
	}}

	var tail []string
	stderr := &lineWriter{fn: func(line string) {
		log.Debug(line, zap.String("stream", "stderr"))
		if tail = append(tail, line); len(tail) > stderrTail {
			tail = tail[1:]
		}
	}}
	cmd.Stdout, cmd.Stderr = stdout, stderr

	log.Info("starting trial process", zap.Strings("argv", cmd.Args))
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		if len(tail) > 0 {
			return fmt.Errorf("run %s: %w: %s", task.Command[0], err, strings.Join(tail, "\n"))
		}
		return fmt.Errorf("run %s: %w", task.Command[0], err)
	}
	return nil
}

// Args renders params as --<name>=<value> flags, sorted by key. The name is
// the part of the key after the last '/'.
func Args(params map[string]string) []string {
	keys := sortedKeys(params)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, "--"+shortName(k)+"="+params[k])
	}
	return args
}

// Env returns the HO_TASK_ID and HO_PARAM_* variables of task.
func Env(task *tracking.Task) []string {
	env := []string{EnvTaskID + "=" + task.ID}
	for _, k := range sortedKeys(task.Params) {
		env = append(env, EnvParamPrefix+envName(shortName(k))+"="+task.Params[k])
	}
	return env
}

// ParseScalarLine decodes a HO_SCALAR line. ok is false for any other line.
func ParseScalarLine(line string) (sc tracking.Scalar, ok bool, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, ScalarPrefix) {
		return sc, false, nil
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, ScalarPrefix)), &sc); err != nil {
		return sc, false, err
	}
	if sc.Title == "" || sc.Series == "" {
		return sc, false, fmt.Errorf("scalar needs a title and a series")
	}
	return sc, true, nil
}

func shortName(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lineWriter calls fn for every complete line written to it.
type lineWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	fn  func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			return len(p), nil
		}
		line := string(bytes.TrimRight(w.buf.Next(i+1), "\r\n"))
		w.fn(line)
	}
}

// Flush hands over a trailing line without a newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.fn(w.buf.String())
		w.buf.Reset()
	}
}
