package repl_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"dinolock/pkg/repl"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quiet is how long the REPL must stay silent before its output is
// considered complete.
const quiet = 10 * time.Millisecond

type session struct {
	input  *io.PipeWriter
	output chan string
}

func startRepl(t *testing.T, r *repl.REPL) *session {
	return startReplWithPrompt(t, r, "")
}

// startReplWithPrompt runs `r` in the background and discards the welcome
// banner.
func startReplWithPrompt(t *testing.T, r *repl.REPL, prompt string) *session {
	return startReplWithContext(t, r, context.Background(), prompt, nil)
}

// startReplWithContext runs `r` over a pipe. If `wrap` is set it decides
// the context and reader the REPL actually sees.
func startReplWithContext(t *testing.T, r *repl.REPL, ctx context.Context, prompt string,
	wrap func(context.Context, io.Reader) (context.Context, io.Reader)) *session {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })

	var input io.Reader = inR
	if wrap != nil {
		ctx, input = wrap(ctx, inR)
	}
	go func() {
		r.Run(ctx, uuid.New(), prompt, input, outW)
		_ = outW.Close()
	}()

	s := &session{input: inW, output: make(chan string, 1024)}
	go func() {
		defer close(s.output)
		buf := make([]byte, 1024)
		for {
			n, err := outR.Read(buf)
			if n > 0 {
				s.output <- string(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	s.drain()
	return s
}

func (s *session) send(line string) {
	fmt.Fprintln(s.input, line)
}

// drain collects output until the REPL has been quiet for a while.
func (s *session) drain() string {
	var sb strings.Builder
	for {
		select {
		case chunk, ok := <-s.output:
			if !ok {
				return sb.String()
			}
			sb.WriteString(chunk)
		case <-time.After(quiet):
			return sb.String()
		}
	}
}

// finish collects output until the REPL exits.
func (s *session) finish(t *testing.T) string {
	t.Helper()
	var sb strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-s.output:
			if !ok {
				return sb.String()
			}
			sb.WriteString(chunk)
		case <-deadline:
			t.Fatalf("repl did not exit; output so far %q", sb.String())
		}
	}
}

func (s *session) expect(t *testing.T, expected string) {
	t.Helper()
	require.Equal(t, expected, s.drain())
}

func (s *session) expectError(t *testing.T, err error) {
	t.Helper()
	s.expect(t, repl.ErrorPrependStr+err.Error()+"\n")
}

// expectHelp checks that .help prints exactly one line per entry of `help`.
func (s *session) expectHelp(t *testing.T, help map[string]string) {
	t.Helper()
	s.send(repl.TriggerHelpMetacommand)
	out := s.drain()
	for trigger, msg := range help {
		assert.Contains(t, out, fmt.Sprintf("%s: %s\n", trigger, msg))
	}
	assert.Equal(t, len(help), strings.Count(out, "\n"), "help output %q", out)
}
