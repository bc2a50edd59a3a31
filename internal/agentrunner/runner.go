// Package agentrunner implements the Agent Runner (C4): binds an agent
// task to an already-started session, exposes pause/resume/stop/status,
// and tees the agent's logs into the Log Relay. The LLM client and the
// agent's own reasoning loop are external collaborators (out of scope
// here); this package only supplies the binding, the tool set's
// upload_file/human_in_the_loop guards, and the log-capture plumbing.
package agentrunner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/priorauth/browseragent/internal/apperrors"
	"github.com/priorauth/browseragent/internal/domain"
)

// LLMConfig parameterizes the agent's LLM client.
type LLMConfig struct {
	Model       string
	Temperature float64
	APIKey      string
}

// Agent is the external reasoning loop collaborator. A concrete
// implementation drives an LLM against the BrowserHandle's page using
// Tools; Run blocks until the task completes, errors, or ctx is
// cancelled by Stop. Implementations write one "LEVEL TIMESTAMP [source]
// message" line per logged event to logOut; the runner tees and parses
// that stream rather than touching process-wide stdout.
type Agent interface {
	Run(ctx context.Context, task string, llm LLMConfig, tools Tools, extendPrompt string, logOut io.Writer) error
	Pause() error
	Resume() error
	Status() string
}

// Tools is the capability list exposed to the agent.
type Tools struct {
	UploadFile      func(index int, path string) (ok bool, errMsg string)
	HumanInTheLoop  func(requestID string) (ok bool, errMsg string)
}

// SessionBinding is the narrow view of a Session Registry entry the
// runner needs: enough to drive the browser and to gate operations on
// session lifetime.
type SessionBinding interface {
	SessionID() string
	AcquireEventSink() func(event string, payload map[string]any)
}

// LogSink is the Log Relay's append capability, scoped to one request-id.
type LogSink interface {
	Append(ctx context.Context, requestID string, rec domain.LogRecord) error
}

// HITLNotifier POSTs the human-in-the-loop webhook payload.
type HITLNotifier interface {
	Notify(ctx context.Context, requestID, sessionID string) error
}

// Run is one bound agent task. Runner.Run registers a *Run under its
// request-id for the duration of the task, and Runner.Get looks it up.
type Run struct {
	requestID string
	sessionID string
	agent     Agent

	mu     sync.Mutex
	status string // "running", "paused", "completed", "failed", "stopped"

	cancel context.CancelFunc
}

// RequestID returns the request-id this run is keyed by.
func (r *Run) RequestID() string { return r.requestID }

// Status is the non-blocking status query.
func (r *Run) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Pause is non-blocking.
func (r *Run) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != "running" {
		return fmt.Errorf("cannot pause a run in status %q", r.status)
	}
	if err := r.agent.Pause(); err != nil {
		return err
	}
	r.status = "paused"
	return nil
}

// Resume is non-blocking.
func (r *Run) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != "paused" {
		return fmt.Errorf("cannot resume a run in status %q", r.status)
	}
	if err := r.agent.Resume(); err != nil {
		return err
	}
	r.status = "running"
	return nil
}

// Stop is cooperative: it cancels the run's context and lets Run's
// blocking call return on its own.
func (r *Run) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

func (r *Run) setStatus(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// Runner is the Agent Runner (C4).
type Runner struct {
	sink     LogSink
	hitl     HITLNotifier
	apiKey   string

	mu   sync.Mutex
	runs map[string]*Run // keyed by request-id
}

// New builds a Runner. apiKey is the process-wide GOOGLE_API_KEY; an
// empty value makes every Run call fail fast with a configuration error.
func New(sink LogSink, hitl HITLNotifier, apiKey string) *Runner {
	return &Runner{sink: sink, hitl: hitl, apiKey: apiKey, runs: make(map[string]*Run)}
}

// Run blocks until the agent terminates, binding it to sessionID and
// request-id, and teeing its logs to the Log Relay. The caller supplies
// the concrete Agent (the external reasoning loop) since building one
// requires an LLM client this package does not own.
func (r *Runner) Run(ctx context.Context, agent Agent, binding SessionBinding, requestID, task string, llm LLMConfig, fileWhitelist []string, extendPrompt string) error {
	if r.apiKey == "" {
		return apperrors.ErrMissingAPIKey
	}
	if binding == nil {
		return apperrors.ErrInvalidSession
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{requestID: requestID, sessionID: binding.SessionID(), agent: agent, status: "running", cancel: cancel}

	r.mu.Lock()
	r.runs[requestID] = run
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.runs, requestID)
		r.mu.Unlock()
	}()

	logReader, logWriter, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("set up log tee pipe: %w", err)
	}
	teeDone := make(chan struct{})
	go func() {
		defer close(teeDone)
		r.teeLogs(ctx, requestID, logReader)
	}()
	defer func() {
		logWriter.Close()
		<-teeDone
	}()

	emit := binding.AcquireEventSink()
	tools := Tools{
		UploadFile: r.uploadFileTool(fileWhitelist, emit),
		HumanInTheLoop: func(reqID string) (bool, string) {
			if err := run.Pause(); err != nil {
				return false, err.Error()
			}
			if err := r.hitl.Notify(ctx, reqID, binding.SessionID()); err != nil {
				if resumeErr := run.Resume(); resumeErr != nil {
					run.setStatus("running")
				}
				return false, err.Error()
			}
			return true, ""
		},
	}

	err = agent.Run(runCtx, task, llm, tools, extendPrompt, logWriter)
	switch {
	case runCtx.Err() != nil && ctx.Err() == nil:
		run.setStatus("stopped")
		return nil
	case err != nil:
		run.setStatus("failed")
		return fmt.Errorf("%w: %v", apperrors.ErrAgentFailed, err)
	default:
		run.setStatus("completed")
		return nil
	}
}

// Get returns the in-flight Run for a request-id, or nil.
func (r *Runner) Get(requestID string) *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[requestID]
}

func (r *Runner) uploadFileTool(whitelist []string, emit func(event string, payload map[string]any)) func(int, string) (bool, string) {
	allowed := make(map[string]bool, len(whitelist))
	for _, p := range whitelist {
		allowed[p] = true
	}
	return func(index int, path string) (bool, string) {
		if !allowed[path] {
			return false, apperrors.ErrFileNotWhitelisted.Error()
		}
		if _, err := os.Stat(path); err != nil {
			return false, apperrors.ErrFileNotFound.Error()
		}
		if emit != nil {
			emit("upload", map[string]any{"index": index, "path": path})
		}
		return true, ""
	}
}

// ansiEscape strips terminal color/cursor codes from tee'd log lines.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// agentLogLine matches the stable LEVEL TIMESTAMP [source] message format.
var agentLogLine = regexp.MustCompile(`^(\w+)\s+(\S+)\s+\[([^\]]+)\]\s*(.*)$`)

// teeLogs reads lines from the agent's stdout pipe, strips ANSI escapes,
// and forwards lines matching the agent-event pattern to the Log Relay.
// The sink is detached (the goroutine returns) once logReader is closed
// on any exit path from Run.
func (r *Runner) teeLogs(ctx context.Context, requestID string, logReader *os.File) {
	defer logReader.Close()
	scanner := bufio.NewScanner(logReader)
	for scanner.Scan() {
		line := ansiEscape.ReplaceAllString(scanner.Text(), "")
		match := agentLogLine.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		rec := domain.LogRecord{
			Timestamp: time.Now(),
			Level:     strings.ToUpper(match[1]),
			Source:    match[3],
			Message:   match[4],
		}
		if err := r.sink.Append(ctx, requestID, rec); err != nil {
			log.Warn().Str("request_id", requestID).Err(err).Msg("failed to tee agent log line to log relay")
		}
	}
}
