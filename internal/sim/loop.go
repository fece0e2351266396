package sim

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"fleetsim/internal/fleet"
	"fleetsim/internal/model"
)

const commands = `commands:
  create <name> <role>                    role: controller, drone, inspector, node
  remove <name>
  up <name> [<group>:<peer>[,<peer>...] ...]
  down <name>
  connect <name1> <name2>
  disconnect <name1> <name2>
  view <name>
  logs <name>                             follow output; press enter to stop
  help
  quit
`

// maxLogLine bounds a single tailed log line; beyond this the stream error
// is surfaced instead of silently stopping.
const maxLogLine = 1024 * 1024

// Loop reads operator commands from a single control stream and applies them
// to the session, one at a time. No command failure ends the loop; only quit,
// the stream closing, or ctx cancellation does, and all three drain the
// session first.
type Loop struct {
	session *fleet.Session
	in      io.Reader
	lines   chan string
	out     io.Writer
	log     zerolog.Logger
}

func New(session *fleet.Session, in io.Reader, out io.Writer, logger zerolog.Logger) *Loop {
	return &Loop{
		session: session,
		in:      in,
		out:     out,
		log:     logger,
	}
}

// Run executes the read-eval loop until quit, end of input, or ctx
// cancellation, then tears the session down. Input is read on its own
// goroutine so a signal interrupts the session even while the loop is
// waiting on the operator.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		if failures := l.session.Cleanup(); failures > 0 {
			fmt.Fprintf(l.out, "cleanup finished with %d failure(s); some resources may need manual removal\n", failures)
		}
	}()

	l.lines = make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(l.in)
		for sc.Scan() {
			select {
			case l.lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
		close(l.lines)
	}()

	for {
		fmt.Fprint(l.out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(l.out)
			return nil
		case line, ok := <-l.lines:
			if !ok {
				// Stream closed: treat as quit.
				fmt.Fprintln(l.out)
				return <-readErr
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if fields[0] == "quit" {
				return nil
			}
			l.dispatch(ctx, fields[0], fields[1:])
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, verb string, args []string) {
	switch verb {
	case "help":
		fmt.Fprint(l.out, commands)
	case "create":
		if !l.want(verb, args, 2) {
			return
		}
		if err := l.session.Create(args[0], args[1]); err != nil {
			l.fail(err)
			return
		}
		fmt.Fprintf(l.out, "created %s (%s)\n", args[0], args[1])
	case "remove":
		if !l.want(verb, args, 1) {
			return
		}
		if err := l.session.Remove(args[0]); err != nil {
			l.fail(err)
			return
		}
		fmt.Fprintf(l.out, "removed %s\n", args[0])
	case "up":
		l.up(args)
	case "down":
		if !l.want(verb, args, 1) {
			return
		}
		stopped, err := l.session.Down(args[0])
		if err != nil {
			l.fail(err)
			return
		}
		if !stopped {
			fmt.Fprintf(l.out, "%s is not running\n", args[0])
			return
		}
		fmt.Fprintf(l.out, "%s is down\n", args[0])
	case "connect":
		if !l.want(verb, args, 2) {
			return
		}
		if err := l.session.Connect(args[0], args[1]); err != nil {
			l.fail(err)
			return
		}
		fmt.Fprintf(l.out, "connected %s and %s\n", args[0], args[1])
	case "disconnect":
		if !l.want(verb, args, 2) {
			return
		}
		if err := l.session.Disconnect(args[0], args[1]); err != nil {
			l.fail(err)
			return
		}
		fmt.Fprintf(l.out, "disconnected %s and %s\n", args[0], args[1])
	case "view":
		if !l.want(verb, args, 1) {
			return
		}
		view, err := l.session.View(args[0])
		if err != nil {
			l.fail(err)
			return
		}
		fmt.Fprint(l.out, view)
	case "logs":
		if !l.want(verb, args, 1) {
			return
		}
		l.tail(ctx, args[0])
	default:
		fmt.Fprintf(l.out, "unknown command %q (try help)\n", verb)
	}
}

func (l *Loop) up(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(l.out, "usage: up <name> [<group>:<peer>[,<peer>...] ...]\n")
		return
	}
	var memberships []model.Membership
	for _, token := range args[1:] {
		m, err := model.ParseMembership(token)
		if err != nil {
			l.fail(err)
			return
		}
		memberships = append(memberships, m)
	}
	started, err := l.session.Up(args[0], memberships)
	if err != nil {
		l.fail(err)
		return
	}
	if !started {
		fmt.Fprintf(l.out, "%s is already running\n", args[0])
		return
	}
	fmt.Fprintf(l.out, "%s is up\n", args[0])
}

// tail follows an instance's output until the operator sends the next input
// line. Cancelling the stream has no effect on the instance.
func (l *Loop) tail(ctx context.Context, name string) {
	tailCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rc, err := l.session.Logs(tailCtx, name)
	if err != nil {
		l.fail(err)
		return
	}
	fmt.Fprintf(l.out, "following %s; press enter to stop\n", name)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(rc)
		sc.Buffer(make([]byte, 0, 64*1024), maxLogLine)
		for sc.Scan() {
			fmt.Fprintln(l.out, sc.Text())
		}
		if err := sc.Err(); err != nil && tailCtx.Err() == nil {
			fmt.Fprintf(l.out, "log stream ended: %v\n", err)
		}
	}()

	// The next input line, the end of input, or cancellation stops the tail.
	select {
	case <-l.lines:
	case <-ctx.Done():
	}
	cancel()
	_ = rc.Close()
	<-done
}

func (l *Loop) want(verb string, args []string, n int) bool {
	if len(args) != n {
		fmt.Fprintf(l.out, "%s takes %d argument(s) (try help)\n", verb, n)
		return false
	}
	return true
}

func (l *Loop) fail(err error) {
	l.log.Debug().Err(err).Msg("command failed")
	fmt.Fprintf(l.out, "error: %v\n", err)
}
