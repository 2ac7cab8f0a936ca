package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type ReplCommand func(string, *REPLConfig) (output string, err error)

const (
	// Trigger for the help meta-command that prints out all help strings
	TriggerHelpMetacommand = ".help"

	// String that should be prepended to any error before being sent to the output writer
	ErrorPrependStr = "ERROR: "
)

var (
	// use in combine repls function
	ErrOverlappingCommands = errors.New("found overlapping")

	// Error for when a sent trigger is not associated with any known commands
	ErrCommandNotFound = errors.New("command not found")

	// Error for attempts to register the help meta-command
	ErrReservedTrigger = errors.New("trigger is reserved")
)

// REPL struct.
type REPL struct {
	commands map[string]ReplCommand
	help     map[string]string
}

// REPLConfig carries what a command needs to know about the client running it.
type REPLConfig struct {
	ctx      context.Context
	clientId uuid.UUID
}

// NewREPLConfig returns the config a command sees when run for `clientId`.
func NewREPLConfig(ctx context.Context, clientId uuid.UUID) *REPLConfig {
	return &REPLConfig{ctx: ctx, clientId: clientId}
}

// Get address.
func (replConfig *REPLConfig) GetAddr() uuid.UUID {
	return replConfig.clientId
}

// Context is cancelled when the client goes away; commands that block should
// give up when it is done.
func (replConfig *REPLConfig) Context() context.Context {
	if replConfig.ctx == nil {
		return context.Background()
	}
	return replConfig.ctx
}

// Construct an empty REPL.
func NewRepl() *REPL {
	return &REPL{make(map[string]ReplCommand),
		make(map[string]string)}
}

// Combines a slice of REPLs. Errors if any two of them share a trigger.
func CombineRepls(repls []*REPL) (*REPL, error) {
	combined := NewRepl()
	for _, r := range repls {
		for trigger, command := range r.commands {
			if _, exists := combined.commands[trigger]; exists {
				return nil, errors.Wrapf(ErrOverlappingCommands, "trigger %q", trigger)
			}
			combined.commands[trigger] = command
			combined.help[trigger] = r.help[trigger]
		}
	}
	return combined, nil
}

// Get commands.
func (r *REPL) GetCommands() map[string]ReplCommand {
	return r.commands
}

// Get help.
func (r *REPL) GetHelp() map[string]string {
	return r.help
}

// Add a command, along with its help string, to the set of commands.
// An existing command with the same trigger is overwritten.
func (r *REPL) AddCommand(trigger string, action ReplCommand, help string) error {
	if trigger == TriggerHelpMetacommand {
		return errors.Wrapf(ErrReservedTrigger, "%q", trigger)
	}
	r.commands[trigger] = action
	r.help[trigger] = help
	return nil
}

// Return all REPL commands' help strings as one string, sorted by trigger.
func (r *REPL) HelpString() string {
	triggers := make([]string, 0, len(r.help))
	for k := range r.help {
		triggers = append(triggers, k)
	}
	sort.Strings(triggers)
	var sb strings.Builder
	for _, k := range triggers {
		sb.WriteString(fmt.Sprintf("%s: %s\n", k, r.help[k]))
	}
	return sb.String()
}

// execute runs one line of input and returns what should be written back.
func (r *REPL) execute(payload string, replConfig *REPLConfig) (string, bool) {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return "", false
	}
	trigger := fields[0]
	if trigger == TriggerHelpMetacommand {
		return r.HelpString(), true
	}
	command, exists := r.commands[trigger]
	if !exists {
		return fmt.Sprintf("%s%s\n", ErrorPrependStr, ErrCommandNotFound), true
	}
	result, err := command(payload, replConfig)
	if err != nil {
		return fmt.Sprintf("%s%s\n", ErrorPrependStr, err), true
	}
	// Append newline if there is output and if it doesn't end with a newline already
	if len(result) != 0 && !strings.HasSuffix(result, "\n") {
		result = result + "\n"
	}
	return result, true
}

// Run writes the welcome string and then runs the REPL loop over `input`
// until EOF, writing results to `output`. Input and output default to
// stdin and stdout. The whole line, trigger included, is passed to the
// command.
func (r *REPL) Run(ctx context.Context, clientId uuid.UUID, prompt string, input io.Reader, output io.Writer) {
	if input == nil {
		input = os.Stdin
	}
	if output == nil {
		output = os.Stdout
	}

	scanner := bufio.NewScanner(input)
	replConfig := NewREPLConfig(ctx, clientId)
	fmt.Fprintln(output, "Welcome to the dinolock REPL! Please type '.help' to see the list of available commands.")
	io.WriteString(output, prompt)

	for scanner.Scan() {
		if result, ok := r.execute(scanner.Text(), replConfig); ok {
			io.WriteString(output, result)
		}
		io.WriteString(output, prompt)
	}
	// Print an additional line if we encountered an EOF character.
	io.WriteString(output, "\n")
}

// WatchInput returns a reader over `input` and a context that is cancelled
// as soon as `input` reaches EOF or fails, even while a command is still
// running. The returned cancel func must be called once the reader is done.
func WatchInput(parent context.Context, input io.Reader) (context.Context, io.Reader, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	pr, pw := io.Pipe()
	go func() {
		_, err := io.Copy(pw, input)
		cancel()
		pw.CloseWithError(err)
	}()
	return ctx, pr, func() {
		cancel()
		pr.Close()
	}
}

// RunChan runs the REPL over payloads received on `c`, echoing each payload
// before its result. Used by the stress driver.
func (r *REPL) RunChan(ctx context.Context, c <-chan string, clientId uuid.UUID, prompt string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}
	replConfig := NewREPLConfig(ctx, clientId)
	io.WriteString(output, prompt)
	for payload := range c {
		io.WriteString(output, payload+"\n")
		if result, ok := r.execute(payload, replConfig); ok {
			io.WriteString(output, result)
		}
		io.WriteString(output, prompt)
	}
	io.WriteString(output, "\n")
}
