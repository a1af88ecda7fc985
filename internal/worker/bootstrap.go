package worker

import (
	"context"
	"strings"
	"time"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/audit"
)

// BootstrapRequest lists the setup commands for a fresh workspace.
type BootstrapRequest struct {
	TaskID   string
	Dir      string
	Commands []string
	Timeout  time.Duration
	Env      map[string]string
}

// RunBootstrap runs each command in order and stops at the first non-zero exit, which is
// returned as a *BootstrapError. Summaries are returned for every command that ran.
func RunBootstrap(ctx context.Context, runner CommandRunner, request BootstrapRequest, events EventSink) ([]CommandSummary, error) {
	if events == nil {
		events = audit.Discard
	}
	commands := make([]string, 0, len(request.Commands))
	for _, command := range request.Commands {
		if strings.TrimSpace(command) != "" {
			commands = append(commands, command)
		}
	}
	if len(commands) == 0 {
		return nil, nil
	}

	events.Emit(audit.Entry{
		TaskID: request.TaskID,
		Event:  audit.EventBootstrapStart,
		Fields: []audit.Field{audit.F("commands", len(commands))},
	})
	summaries := make([]CommandSummary, 0, len(commands))
	for _, command := range commands {
		result, err := runner.Run(ctx, Command{
			Dir:     request.Dir,
			Shell:   command,
			Timeout: request.Timeout,
			Env:     request.Env,
		})
		if err != nil {
			return summaries, err
		}
		summary := summarizeCommand(command, result)
		summaries = append(summaries, summary)
		if result.ExitCode != 0 || result.TimedOut {
			events.Emit(audit.Entry{
				TaskID: request.TaskID,
				Event:  audit.EventBootstrapCmdFail,
				Fields: []audit.Field{
					audit.F("cmd", command),
					audit.F("exit_code", result.ExitCode),
					audit.F("timed_out", result.TimedOut),
					audit.F("output", preview(result.Output(), agentEventPreview)),
				},
			})
			return summaries, &BootstrapError{Command: command, ExitCode: result.ExitCode, Output: summary.OutputPreview}
		}
		events.Emit(audit.Entry{
			TaskID: request.TaskID,
			Event:  audit.EventBootstrapCmd,
			Fields: []audit.Field{
				audit.F("cmd", command),
				audit.F("exit_code", result.ExitCode),
				audit.F("duration_ms", result.Duration.Milliseconds()),
			},
		})
	}
	events.Emit(audit.Entry{TaskID: request.TaskID, Event: audit.EventBootstrapDone})
	return summaries, nil
}
