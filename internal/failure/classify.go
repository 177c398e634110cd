// Package failure maps raw tool-execution errors to a stable category
// taxonomy used for user-facing messages and retry decisions.
//
// Categories, most specific first:
//   - tool_not_installed: the tool binary could not be found
//   - not_authenticated: the tool rejected the session's credentials
//   - out_of_quota: usage or token quota exhausted
//   - rate_limited: provider throttling, including HTTP 429
//   - permission_denied: filesystem or API permission failure
//   - execution_timeout: the session deadline expired
//   - network_error: connection-level failure reaching the provider
//   - execution_error: any other non-zero exit
//   - unknown: nothing matched
//
// Dispatch order matters: diagnostic text frequently matches more than one
// heuristic, so the most actionable cause wins.
package failure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"

	"github.com/mattjoyce/crucible/internal/log"
)

// Category is a stable tag describing why a job failed.
type Category string

const (
	ToolNotInstalled Category = "tool_not_installed"
	NotAuthenticated Category = "not_authenticated"
	OutOfQuota       Category = "out_of_quota"
	RateLimited      Category = "rate_limited"
	PermissionDenied Category = "permission_denied"
	ExecutionTimeout Category = "execution_timeout"
	NetworkError     Category = "network_error"
	ExecutionError   Category = "execution_error"
	Unknown          Category = "unknown"
)

// Classified is the error surfaced to the job-queue client. UserMessage is
// a short actionable summary; TechnicalDetails always carries the raw
// error, the diagnostic text, and the exit code for support use.
type Classified struct {
	Category         Category
	UserMessage      string
	TechnicalDetails string
	PartialOutput    string
}

// Error implements the error interface.
func (c *Classified) Error() string {
	return fmt.Sprintf("%s: %s", c.Category, c.UserMessage)
}

// ExitCodeUnknown marks a failure where the process never produced an
// exit code (spawn failure, forced kill before exit was observed).
const ExitCodeUnknown = -1

type rule struct {
	category Category
	match    func(in input) bool
	message  func(in input) string
}

type input struct {
	err        error
	errText    string
	diagnostic string
	exitCode   int
}

// Classifier resolves raw errors into Classified values. The tool name is
// only used to phrase user messages.
type Classifier struct {
	tool  string
	rules []rule
}

var (
	authPattern = regexp.MustCompile(`(?i)(not (logged in|authenticated)|authentication (failed|error)|invalid api key|api key not (found|set)|please (log|sign) in|login required|unauthorized|\b401\b)`)

	quotaPattern = regexp.MustCompile(`(?i)(quota exceeded|out of (credits|quota)|credit balance|insufficient credits|usage limit|token limit|monthly limit)`)

	ratePattern = regexp.MustCompile(`(?i)(rate.?limit|too many requests|\b429\b|overloaded|capacity constraints)`)

	permissionPattern = regexp.MustCompile(`(?i)(permission denied|access denied|operation not permitted|EACCES)`)

	timeoutPattern = regexp.MustCompile(`(?i)(timed out|timeout|deadline exceeded)`)

	networkPattern = regexp.MustCompile(`(?i)(connection (refused|reset)|no such host|network is unreachable|host is down|ECONNREFUSED|ECONNRESET|ENOTFOUND|ETIMEDOUT|EAI_AGAIN)`)
)

// New creates a Classifier for the named tool binary.
func New(tool string) *Classifier {
	c := &Classifier{tool: tool}
	c.rules = []rule{
		{
			category: ToolNotInstalled,
			match:    func(in input) bool { return isSpawnNotFound(in.err) },
			message: func(input) string {
				return fmt.Sprintf("The %s CLI is not installed or not on PATH. Install it and try again.", c.tool)
			},
		},
		{
			category: NotAuthenticated,
			match:    func(in input) bool { return authPattern.MatchString(in.diagnostic) },
			message: func(input) string {
				return fmt.Sprintf("The %s CLI is not authenticated. Log in on this machine and retry the job.", c.tool)
			},
		},
		{
			category: OutOfQuota,
			match:    func(in input) bool { return quotaPattern.MatchString(in.diagnostic) },
			message: func(input) string {
				return "The account is out of usage quota. The job can be retried once quota is available."
			},
		},
		{
			category: RateLimited,
			match: func(in input) bool {
				return ratePattern.MatchString(in.diagnostic) || ratePattern.MatchString(in.errText)
			},
			message: func(input) string {
				return "The provider is rate limiting requests. The job will succeed if retried later."
			},
		},
		{
			category: PermissionDenied,
			match: func(in input) bool {
				return permissionPattern.MatchString(in.diagnostic) || isSpawnPermission(in.err)
			},
			message: func(input) string {
				return "A file or API could not be accessed due to missing permissions."
			},
		},
		{
			category: ExecutionTimeout,
			match: func(in input) bool {
				return errors.Is(in.err, context.DeadlineExceeded) || timeoutPattern.MatchString(in.errText)
			},
			message: func(input) string {
				return "The tool did not finish before the configured timeout and was terminated."
			},
		},
		{
			category: NetworkError,
			match: func(in input) bool {
				return isSpawnNetwork(in.err) || networkPattern.MatchString(in.errText) || networkPattern.MatchString(in.diagnostic)
			},
			message: func(input) string {
				return "A network error occurred while the tool was talking to its provider."
			},
		},
		{
			category: ExecutionError,
			match:    func(in input) bool { return in.exitCode > 0 },
			message: func(in input) string {
				return fmt.Sprintf("The %s CLI exited with code %d.", c.tool, in.exitCode)
			},
		},
	}
	return c
}

// Classify resolves err into a Classified failure. diagnostic is the
// captured stderr text; exitCode is the process exit code or
// ExitCodeUnknown. The caller attaches any partial output afterwards.
func (c *Classifier) Classify(err error, diagnostic string, exitCode int) *Classified {
	in := input{
		err:        err,
		diagnostic: diagnostic,
		exitCode:   exitCode,
	}
	if err != nil {
		in.errText = err.Error()
	}

	out := &Classified{
		Category:         Unknown,
		UserMessage:      fmt.Sprintf("The job failed for an unrecognized reason: %s", firstLine(in.errText)),
		TechnicalDetails: technicalDetails(in),
	}
	for _, r := range c.rules {
		if r.match(in) {
			out.Category = r.category
			out.UserMessage = r.message(in)
			break
		}
	}

	log.WithComponent("failure").Debug("classified failure",
		"category", string(out.Category),
		"exit_code", exitCode)
	return out
}

// technicalDetails concatenates every raw input regardless of category so
// support always sees the full picture.
func technicalDetails(in input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "error: %s", in.errText)
	if in.diagnostic != "" {
		fmt.Fprintf(&b, "\nstderr: %s", strings.TrimRight(in.diagnostic, "\n"))
	}
	fmt.Fprintf(&b, "\nexit code: %d", in.exitCode)
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func isSpawnNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.ENOENT
}

func isSpawnPermission(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno) && (errno == syscall.EACCES || errno == syscall.EPERM)
}

func isSpawnNetwork(err error) bool {
	if err == nil {
		return false
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EHOSTUNREACH,
		syscall.ENETUNREACH, syscall.ENETDOWN, syscall.ETIMEDOUT:
		return true
	}
	return false
}
