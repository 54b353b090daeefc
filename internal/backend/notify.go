package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ShayCichocki/opsbrain/internal/exec"
)

// Notifier delivers a message to a participant.
type Notifier interface {
	Notify(ctx context.Context, participant, message string) error
}

// Logger is the minimal logging dependency of LogNotifier.
type Logger interface {
	Printf(format string, args ...any)
}

// LogNotifier writes notifications to a logger. It is always enabled so
// every escalation leaves a trace even when no channel is configured.
type LogNotifier struct {
	logger Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the message.
func (n *LogNotifier) Notify(ctx context.Context, participant, message string) error {
	n.logger.Printf("notify %s: %s", participant, message)
	return nil
}

// CommandNotifier runs a shell command per notification with
// BRAIN_PARTICIPANT and BRAIN_MESSAGE in its environment.
type CommandNotifier struct {
	command string
	runner  exec.CommandRunner
}

// NewCommandNotifier creates a CommandNotifier. runner may be nil.
func NewCommandNotifier(command string, runner exec.CommandRunner) *CommandNotifier {
	if runner == nil {
		runner = exec.NewRunner()
	}
	return &CommandNotifier{command: command, runner: runner}
}

// Notify runs the command.
func (n *CommandNotifier) Notify(ctx context.Context, participant, message string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := n.runner.Run(ctx, "", "env",
		"BRAIN_PARTICIPANT="+participant,
		"BRAIN_MESSAGE="+message,
		"sh", "-c", n.command)
	if err != nil {
		return fmt.Errorf("notify command: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SlackNotifier posts to a Slack incoming webhook, mentioning the participant.
type SlackNotifier struct {
	webhook string
	http    *http.Client
}

// NewSlackNotifier creates a SlackNotifier.
func NewSlackNotifier(webhook string) *SlackNotifier {
	return &SlackNotifier{webhook: webhook, http: &http.Client{Timeout: 10 * time.Second}}
}

// Notify posts the message.
func (n *SlackNotifier) Notify(ctx context.Context, participant, message string) error {
	text := message
	if participant != "" {
		text = fmt.Sprintf("<@%s> %s", participant, message)
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhook, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack post: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Multi fans a notification out to every notifier. All are tried; the
// joined errors are returned.
type Multi []Notifier

// Notify calls each notifier in order.
func (m Multi) Notify(ctx context.Context, participant, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, participant, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
