package runner

import (
	"context"
	"strings"
	"sync"
)

// FakeResponse scripts the result for commands whose argv starts with Prefix.
type FakeResponse struct {
	Prefix []string
	Result Result
}

// FakeRunner is a scripted CommandRunner for tests. Calls are recorded;
// the first matching response wins, unmatched commands succeed with empty
// output.
type FakeRunner struct {
	mu        sync.Mutex
	Responses []FakeResponse
	Calls     []Command
}

var _ CommandRunner = (*FakeRunner)(nil)

// Respond appends a scripted response for argv starting with prefix.
func (f *FakeRunner) Respond(prefix []string, res Result) {
	f.Responses = append(f.Responses, FakeResponse{Prefix: prefix, Result: res})
}

// Run records the call and returns the first matching scripted result.
func (f *FakeRunner) Run(_ context.Context, cmd Command) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, cmd)
	for _, r := range f.Responses {
		if hasPrefix(cmd.Argv, r.Prefix) {
			return r.Result
		}
	}
	return Result{ExitCode: 0}
}

// CalledWith reports whether any recorded call starts with prefix.
func (f *FakeRunner) CalledWith(prefix ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Calls {
		if hasPrefix(c.Argv, prefix) {
			return true
		}
	}
	return false
}

// FindCall returns the first recorded call starting with prefix.
func (f *FakeRunner) FindCall(prefix ...string) (Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Calls {
		if hasPrefix(c.Argv, prefix) {
			return c, true
		}
	}
	return Command{}, false
}

func hasPrefix(argv, prefix []string) bool {
	if len(prefix) > len(argv) {
		return false
	}
	for i, p := range prefix {
		if argv[i] != p {
			return false
		}
	}
	return true
}

// JoinedArgv is a debugging helper used in test failure messages.
func JoinedArgv(c Command) string {
	return strings.Join(c.Argv, " ")
}
