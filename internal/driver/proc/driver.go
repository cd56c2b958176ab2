package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tabrelay/tabrelay/internal/common/logger"
	"github.com/tabrelay/tabrelay/internal/driver"
)

// scanBufferSize bounds a single protocol line; tool outputs can be large.
const scanBufferSize = 10 * 1024 * 1024

// killDelay is how long an interrupted child gets to exit cleanly before it
// is killed.
const killDelay = 2 * time.Second

// Driver runs the agent backend as one child process per run. Conversation
// continuity across runs goes through the backend's resume token.
type Driver struct {
	command []string
	logger  *logger.Logger

	mu      sync.Mutex
	current *exec.Cmd
	stdin   io.WriteCloser
	closed  bool
}

// New creates a process driver. command is the argv of the agent binary.
func New(command []string, log *logger.Logger) (*Driver, error) {
	if len(command) == 0 {
		return nil, errors.New("process driver requires a command")
	}
	if log == nil {
		log = logger.Default()
	}
	return &Driver{
		command: command,
		logger:  log.WithFields(zap.String("component", "proc-driver")),
	}, nil
}

// Run spawns the child, writes the prompt, and translates its output lines
// into driver events until the result message or cancellation.
func (d *Driver) Run(ctx context.Context, prompt string, opts driver.RunOptions) (<-chan driver.Event, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("driver is closed")
	}
	if d.current != nil {
		d.mu.Unlock()
		return nil, errors.New("a run is already in flight")
	}
	d.mu.Unlock()

	args := append([]string{}, d.command[1:]...)
	args = append(args,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	)
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.ConversationID != "" {
		args = append(args, "--resume", opts.ConversationID)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}

	cmd := exec.Command(d.command[0], args...)
	cmd.Dir = opts.ProjectRoot

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = &logWriter{logger: d.logger}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	d.mu.Lock()
	d.current = cmd
	d.stdin = stdin
	d.mu.Unlock()

	log := d.logger.WithFields(zap.Int("pid", cmd.Process.Pid))
	log.Info("agent process started", zap.String("command", d.command[0]))

	if err := writeLine(stdin, &userMessage{
		Type:    msgTypeUser,
		Message: userMessageBody{Role: "user", Content: prompt},
	}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		d.clearCurrent(cmd)
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}

	events := make(chan driver.Event, 64)

	// Interrupt watcher: on cancel, ask the child to stop, then kill it if
	// it lingers past the delay.
	runDone := make(chan struct{})
	go func() {
		select {
		case <-runDone:
			return
		case <-ctx.Done():
		}
		log.Info("interrupting agent process")
		_ = writeLine(stdin, &sdkControlRequest{
			Type:      msgTypeControlRequest,
			RequestID: uuid.New().String(),
			Request:   sdkControlRequestBody{Subtype: subtypeInterrupt},
		})
		select {
		case <-runDone:
		case <-time.After(killDelay):
			log.Warn("agent process did not stop, killing")
			_ = cmd.Process.Kill()
		}
	}()

	go func() {
		defer close(runDone)
		defer d.clearCurrent(cmd)

		d.readLoop(ctx, stdout, stdin, opts, events, log)
		close(events)

		// End of input: a conforming child exits once stdin closes; it
		// keeps reading for follow-up user messages otherwise.
		_ = stdin.Close()

		waitErr := make(chan error, 1)
		go func() { waitErr <- cmd.Wait() }()
		select {
		case err := <-waitErr:
			if err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("agent process exited with error")
			}
		case <-time.After(killDelay):
			log.Warn("agent process did not exit after end of input, killing")
			_ = cmd.Process.Kill()
			<-waitErr
		}
	}()

	return events, nil
}

func (d *Driver) readLoop(ctx context.Context, stdout io.Reader, stdin io.Writer, opts driver.RunOptions, events chan<- driver.Event, log *logger.Logger) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
	tr := newTranslator()
	sawResult := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg agentMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			log.WithError(err).Warn("skipping unparseable agent line")
			continue
		}

		if msg.Type == msgTypeControlRequest && msg.Request != nil {
			d.handleControlRequest(ctx, stdin, msg.RequestID, msg.Request, opts, log)
			continue
		}

		for _, ev := range tr.translate(&msg) {
			if ev.Type == driver.EventResult {
				sawResult = true
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if sawResult {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("agent stdout read failed")
	}
	if !sawResult && ctx.Err() == nil {
		// Child died without a result message.
		select {
		case events <- driver.Event{Type: driver.EventResult, OK: false, Err: "agent process exited unexpectedly"}:
		default:
		}
	}
}

// handleControlRequest resolves a can_use_tool check through the run's
// permission hook and answers the child.
func (d *Driver) handleControlRequest(ctx context.Context, stdin io.Writer, requestID string, req *controlRequest, opts driver.RunOptions, log *logger.Logger) {
	if req.Subtype != subtypeCanUseTool {
		log.Warn("ignoring unsupported control request", zap.String("subtype", req.Subtype))
		return
	}

	decision := driver.Deny("denied")
	if opts.OnPermission != nil {
		if resolved, err := opts.OnPermission(ctx, buildPermissionRequest(req)); err == nil && resolved != nil {
			decision = resolved
		}
	}

	resp := &controlResponseMessage{
		Type:      msgTypeControlResponse,
		RequestID: requestID,
		Response:  &controlResponse{Subtype: "success"},
	}
	if decision.Approved {
		resp.Response.Result = &permissionResult{
			Behavior:     behaviorAllow,
			UpdatedInput: decision.ModifiedInput,
		}
	} else {
		resp.Response.Result = &permissionResult{
			Behavior: behaviorDeny,
			Message:  decision.Reason,
		}
	}
	if err := writeLine(stdin, resp); err != nil {
		log.WithError(err).Error("failed to answer permission check")
	}
}

// Close kills any in-flight child process.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.current != nil && d.current.Process != nil {
		_ = d.current.Process.Kill()
		d.current = nil
		d.stdin = nil
	}
	return nil
}

// SetPermissionMode forwards a permission-mode change to the in-flight
// child, so its next tool prompt is gated under the new mode. With no run in
// flight the next Run bakes the mode into its argv.
func (d *Driver) SetPermissionMode(mode string) error {
	d.mu.Lock()
	stdin := d.stdin
	d.mu.Unlock()
	if stdin == nil {
		return nil
	}
	return writeLine(stdin, &sdkControlRequest{
		Type:      msgTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   sdkControlRequestBody{Subtype: subtypeSetPermissionMode, Mode: mode},
	})
}

func (d *Driver) clearCurrent(cmd *exec.Cmd) {
	d.mu.Lock()
	if d.current == cmd {
		d.current = nil
		d.stdin = nil
	}
	d.mu.Unlock()
}

func writeLine(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// logWriter forwards child stderr lines to the logger at debug level.
type logWriter struct {
	logger *logger.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.Debug("agent stderr", zap.String("line", line))
		}
	}
	return len(p), nil
}
