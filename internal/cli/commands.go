// Package cli implements the interactive operator console.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/relaygate-project/relaygate/internal/config"
	"github.com/relaygate-project/relaygate/internal/events"
	"github.com/relaygate-project/relaygate/internal/relay"
)

// Relay is the part of the relay engine the console reads and controls.
type Relay interface {
	Sessions() []relay.SessionInfo
	Handoffs() []relay.HandoffInfo
	Stats() relay.Stats
	Kick(ctx context.Context, id string) error
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	relay    Relay
	shutdown func()

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
// shutdown is called by the quit command.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, r Relay, shutdown func(), in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		relay:    r,
		shutdown: shutdown,
		in:       in,
		out:      out,
	}
}

// Start reads commands until quit, end of input or ctx is done.
func (c *CLI) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fmt.Fprintln(c.out, "\nrelaygate console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input error, console disabled")
		}
	}()

	for {
		fmt.Fprint(c.out, "relaygate> ")

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		stop, err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		if stop {
			return
		}
	}
}

// execute runs one command. It reports true when the console should stop.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "sessions", "ls":
		c.printSessions()
	case "handoffs":
		c.printHandoffs()
	case "kick":
		return false, c.cmdKick(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down relaygate...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		if c.shutdown != nil {
			c.shutdown()
		}
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status          Show relay summary
  sessions        List live sessions
  handoffs        List pending hand-offs
  kick <id>       Close a session (id prefix accepted)
  quit            Shut down relaygate
  help            Show this help message`)
	fmt.Fprintln(c.out)
}

// printStatus displays the relay summary.
func (c *CLI) printStatus() {
	st := c.relay.Stats()
	relayCfg := c.cfg.GetRelay()

	uptime := "-"
	if !st.StartedAt.IsZero() {
		uptime = time.Since(st.StartedAt).Truncate(time.Second).String()
	}

	fmt.Fprintf(c.out, "\n  Listening:        %s\n", relayCfg.ListenAddr())
	fmt.Fprintf(c.out, "  Public host:      %s\n", relayCfg.PublicHost)
	fmt.Fprintf(c.out, "  Uptime:           %s\n", uptime)
	fmt.Fprintf(c.out, "  Sessions:         %d (%d relaying)\n", st.Sessions, st.Relaying)
	fmt.Fprintf(c.out, "  Peers:            %d client, %d server\n", st.ClientPeers, st.ServerPeers)
	fmt.Fprintf(c.out, "  Pending handoffs: %d\n\n", st.PendingHandoffs)
}

// printSessions displays live sessions in a table.
func (c *CLI) printSessions() {
	sessions := c.relay.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No sessions")
		return
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Client", "State", "Backend", "Handoff", "In", "Out", "Uptime"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, s := range sessions {
		backend := s.Backend
		if backend == "" {
			backend = "-"
		}
		tw.Append([]string{
			shortID(s.ID),
			s.ClientAddr,
			s.State.String(),
			backend,
			fmt.Sprintf("%v", s.FromHandoff),
			fmt.Sprintf("%d", s.MessagesIn),
			fmt.Sprintf("%d", s.MessagesOut),
			s.Uptime,
		})
	}

	tw.Render()
}

// printHandoffs displays pending hand-offs in a table.
func (c *CLI) printHandoffs() {
	handoffs := c.relay.Handoffs()
	if len(handoffs) == 0 {
		fmt.Fprintln(c.out, "No pending hand-offs")
		return
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Client IP", "Target", "Door", "Session", "Expires In"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, h := range handoffs {
		tw.Append([]string{
			h.ClientIP,
			h.Target.Addr(),
			h.Target.DoorID,
			shortID(h.SessionID),
			time.Until(h.ExpiresAt).Truncate(time.Second).String(),
		})
	}

	tw.Render()
}

func (c *CLI) cmdKick(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <session id>")
	}

	id, err := c.resolveID(args[0])
	if err != nil {
		return err
	}
	if err := c.relay.Kick(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Session %s kicked\n", shortID(id))
	return nil
}

// resolveID expands a unique prefix into a full session id.
func (c *CLI) resolveID(prefix string) (string, error) {
	var match string
	for _, s := range c.relay.Sessions() {
		if s.ID == prefix {
			return s.ID, nil
		}
		if strings.HasPrefix(s.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("session id prefix %q is ambiguous", prefix)
			}
			match = s.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no session matches %q", prefix)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
