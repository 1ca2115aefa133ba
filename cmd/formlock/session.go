package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/ehr/formlock/internal/autosave"
	"github.com/ehr/formlock/internal/config"
	"github.com/ehr/formlock/internal/conflict"
	"github.com/ehr/formlock/internal/lockctl"
	"github.com/ehr/formlock/internal/platform/websocket"
	"github.com/ehr/formlock/internal/syncchan"
	"github.com/ehr/formlock/internal/tui"
	"github.com/ehr/formlock/pkg/lease"
)

type sessionOptions struct {
	server   string
	formID   string
	hint     string
	resolver string
	poll     time.Duration
	window   time.Duration
}

func sessionCmd() *cobra.Command {
	var (
		opts    sessionOptions
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "session <formId>",
		Short: "Open a form as an interactive editing session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts.formID = args[0]
			if opts.server == "" {
				opts.server = cfg.ServerURL
			}
			if opts.poll <= 0 {
				opts.poll = cfg.PollInterval
			}
			if opts.window <= 0 {
				opts.window = cfg.StalenessWindow
			}

			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)

			resolver, err := newResolver(opts.resolver, os.Stdin, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSession(ctx, opts, resolver, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "", "Lease server base URL (defaults to SERVER_URL)")
	cmd.Flags().StringVar(&opts.hint, "name", "", "Display name shown to other sessions")
	cmd.Flags().StringVar(&opts.resolver, "on-conflict", "prompt", "Conflict decision: prompt, take or watch")
	cmd.Flags().DurationVar(&opts.poll, "poll", 0, "Read-only refresh interval (defaults to POLL_INTERVAL)")
	cmd.Flags().DurationVar(&opts.window, "staleness", 0, "Lease staleness window (defaults to STALENESS_WINDOW)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log protocol traffic to stderr")
	return cmd
}

func newResolver(kind string, in io.Reader, out io.Writer) (conflict.Resolver, error) {
	switch kind {
	case "", "prompt":
		return conflict.NewPrompt(in, out), nil
	case "take":
		return conflict.Always(conflict.TakeOwnership), nil
	case "watch":
		return conflict.Always(conflict.Watch), nil
	}
	return nil, fmt.Errorf("--on-conflict must be prompt, take or watch, got %q", kind)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) println(a ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, a...)
}

func formatFields(f lease.Fields) string {
	if len(f) == 0 {
		return "(empty form)"
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "  %s = %s", k, f[k])
	}
	return b.String()
}

const sessionHelp = `commands:
  edit               request write permission
  set <field> <val>  change a field (saved automatically)
  show               print the form and lock status
  release            give up write permission
  quit               close the form`

// runSession opens formID against the server and processes line commands
// from in until quit, EOF or ctx is done.
func runSession(ctx context.Context, opts sessionOptions, resolver conflict.Resolver, in io.Reader, out io.Writer, logger zerolog.Logger) error {
	ch := syncchan.NewHTTP(opts.server)
	sid, token, err := ch.NewSession(ctx)
	if err != nil {
		return err
	}
	ch.SetToken(token)
	logger = logger.With().Str("session_id", sid).Logger()

	ctl, err := lockctl.New(lockctl.Config{
		FormID:          opts.formID,
		SessionID:       sid,
		OwnerHint:       opts.hint,
		PollInterval:    opts.poll,
		StalenessWindow: opts.window,
	}, ch, resolver, lockctl.WithLogger(logger))
	if err != nil {
		return err
	}

	disp := autosave.NewDispatcher(opts.formID, sid, ch, ctl)
	disp.SetLogger(logger)
	disp.OnSaved(func(s *lease.Snapshot) {
		logger.Debug().Int("fields", len(s.Fields)).Time("saved_at", s.SavedAt).Msg("form saved")
	})
	disp.Listen(ctl)

	w := &syncWriter{w: out}
	settled := make(chan struct{})
	var once sync.Once
	ctl.Subscribe(func(ev lockctl.Event) {
		switch ev.Kind {
		case lockctl.ModeChanged:
			once.Do(func() { close(settled) })
			w.println(tui.Banner(ctl.State(), sid, time.Now()))
		case lockctl.WriteRejected:
			w.println(tui.Notice(ev.Notice))
		case lockctl.SnapshotPulled:
			logger.Debug().Int("fields", len(ev.Fields)).Msg("snapshot pulled")
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	var workers conc.WaitGroup
	workers.Go(func() {
		_ = ctl.Run(runCtx)
	})
	workers.Go(func() {
		watchPush(runCtx, syncchan.NewNotifier(opts.server), opts.formID, ctl, logger)
	})
	defer func() {
		disp.Wait()
		cancel()
		workers.Wait()
	}()

	select {
	case <-settled:
	case <-ctx.Done():
		return nil
	}
	w.println(sessionHelp)

	next := make(chan struct{})
	lines := make(chan string, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for range next {
			if !sc.Scan() {
				return
			}
			lines <- sc.Text()
		}
	}()
	defer close(next)

	for {
		select {
		case next <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		var (
			line string
			ok   bool
		)
		select {
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
		if done := handleCommand(ctx, line, ctl, disp, w, sid); done {
			return nil
		}
	}
}

func handleCommand(ctx context.Context, line string, ctl *lockctl.Controller, disp *autosave.Dispatcher, w *syncWriter, sid string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "quit", "exit":
		return true
	case "help":
		w.println(sessionHelp)
	case "edit":
		if err := ctl.RequestWrite(ctx); err != nil {
			w.println("edit:", err)
		}
	case "release":
		if err := ctl.Release(ctx); err != nil {
			w.println("release:", err)
		}
	case "show":
		w.println(tui.Banner(ctl.State(), sid, time.Now()))
		w.println(formatFields(disp.Form()))
	case "set":
		rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "set"))
		name, value, ok := strings.Cut(rest, " ")
		if !ok || name == "" {
			w.println("usage: set <field> <value>")
			return false
		}
		err := disp.FieldChanged(ctx, name, strings.TrimSpace(value))
		switch {
		case errors.Is(err, autosave.ErrReadOnly):
			w.println("read-only: type 'edit' to request control")
		case err != nil:
			w.println("set:", err)
		}
	default:
		w.println("unknown command:", fields[0])
	}
	return false
}

// watchPush nudges the controller whenever the server publishes an event
// for the form, reconnecting until ctx is done.
func watchPush(ctx context.Context, n *syncchan.Notifier, formID string, ctl *lockctl.Controller, logger zerolog.Logger) {
	for {
		err := n.Watch(ctx, formID, func(websocket.Event) {
			ctl.Nudge()
		})
		if ctx.Err() != nil {
			return
		}
		logger.Debug().Err(err).Msg("push channel closed, retrying")
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}
