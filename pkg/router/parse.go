// Package router validates parsed chat commands and maps them onto queue,
// store and state machine operations.
package router

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies a chat command.
type Kind string

// Supported commands.
const (
	KindRun      Kind = "run"
	KindStatus   Kind = "status"
	KindResume   Kind = "resume"
	KindAbort    Kind = "abort"
	KindProjects Kind = "projects"
	KindHistory  Kind = "history"
	KindLogs     Kind = "logs"
	KindHelp     Kind = "help"
)

// Command is a parsed chat command.
type Command struct {
	Kind      Kind
	Project   string
	Sprint    int
	Branch    string
	SessionID string
}

// Keyword is the case-insensitive trigger word opening every command.
const Keyword = "legba"

// sprintPattern matches sprint identifiers: sprint-1 through sprint-99.
var sprintPattern = regexp.MustCompile(`^sprint-([1-9][0-9]?)$`)

// identPattern restricts project, branch and session identifiers to safe
// characters. Shell metacharacters never reach an external process.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,127}$`)

// ErrNotCommand is returned for text that does not start with the keyword;
// the chat layer should ignore such messages silently.
var ErrNotCommand = fmt.Errorf("not a %s command", Keyword)

// Parse parses a raw chat message into a Command.
//
// Grammar:
//
//	legba run sprint-N on {project} [branch {branch}]
//	legba status [{sessionId}]
//	legba resume {sessionId}
//	legba abort {sessionId}
//	legba projects
//	legba history {project}
//	legba logs {sessionId}
//	legba help
func Parse(text string) (*Command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.EqualFold(fields[0], Keyword) {
		return nil, ErrNotCommand
	}
	if len(fields) == 1 {
		return nil, fmt.Errorf("missing command, try %q", Keyword+" help")
	}

	verb := strings.ToLower(fields[1])
	args := fields[2:]

	switch verb {
	case "run":
		return parseRun(args)
	case "status":
		cmd := &Command{Kind: KindStatus}
		if len(args) > 1 {
			return nil, fmt.Errorf("usage: %s status [sessionId]", Keyword)
		}
		if len(args) == 1 {
			id, err := ident(args[0], "session id")
			if err != nil {
				return nil, err
			}
			cmd.SessionID = id
		}
		return cmd, nil
	case "resume", "abort", "logs":
		if len(args) != 1 {
			return nil, fmt.Errorf("usage: %s %s {sessionId}", Keyword, verb)
		}
		id, err := ident(args[0], "session id")
		if err != nil {
			return nil, err
		}
		return &Command{Kind: Kind(verb), SessionID: id}, nil
	case "projects":
		if len(args) != 0 {
			return nil, fmt.Errorf("usage: %s projects", Keyword)
		}
		return &Command{Kind: KindProjects}, nil
	case "history":
		if len(args) != 1 {
			return nil, fmt.Errorf("usage: %s history {project}", Keyword)
		}
		project, err := ident(args[0], "project")
		if err != nil {
			return nil, err
		}
		return &Command{Kind: KindHistory, Project: project}, nil
	case "help":
		return &Command{Kind: KindHelp}, nil
	default:
		return nil, fmt.Errorf("unknown command %q, try %q", verb, Keyword+" help")
	}
}

func parseRun(args []string) (*Command, error) {
	// run sprint-N on {project} [branch {branch}]
	if len(args) < 3 || !strings.EqualFold(args[1], "on") {
		return nil, fmt.Errorf("usage: %s run sprint-N on {project} [branch {branch}]", Keyword)
	}

	m := sprintPattern.FindStringSubmatch(strings.ToLower(args[0]))
	if m == nil {
		return nil, fmt.Errorf("invalid sprint %q, expected sprint-1 through sprint-99", args[0])
	}
	sprint, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sprint number: %w", err)
	}

	project, err := ident(args[2], "project")
	if err != nil {
		return nil, err
	}

	cmd := &Command{Kind: KindRun, Project: project, Sprint: sprint}

	rest := args[3:]
	switch {
	case len(rest) == 0:
		// default branch picked at enqueue time
	case len(rest) == 2 && strings.EqualFold(rest[0], "branch"):
		branch, err := ident(rest[1], "branch")
		if err != nil {
			return nil, err
		}
		cmd.Branch = branch
	default:
		return nil, fmt.Errorf("usage: %s run sprint-N on {project} [branch {branch}]", Keyword)
	}
	return cmd, nil
}

// ident validates an identifier argument against the safe pattern.
func ident(s, what string) (string, error) {
	if !identPattern.MatchString(s) {
		return "", fmt.Errorf("invalid %s %q", what, s)
	}
	return s, nil
}

// HelpText is the reply to `legba help`.
const HelpText = `Commands:
  legba run sprint-N on {project} [branch {branch}]  queue a sprint run
  legba status [{sessionId}]                         show session or queue status
  legba resume {sessionId}                           resume a paused session
  legba abort {sessionId}                            abort a session
  legba projects                                     list runnable projects
  legba history {project}                            list past sessions
  legba logs {sessionId}                             show recent session logs
  legba help                                         this text`
