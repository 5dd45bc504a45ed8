package logging

import (
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"
)

// Console provides human-readable session output, usually to stderr.
type Console struct {
	out     io.Writer
	clock   timeutil.Clock
	quiet   bool
	verbose bool
}

// NewConsole creates a new Console writing to out.  If clock is nil,
// [timeutil.SystemClock] is used.
func NewConsole(out io.Writer, clock timeutil.Clock, quiet, verbose bool) (c *Console) {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}

	return &Console{
		out:     out,
		clock:   clock,
		quiet:   quiet,
		verbose: verbose,
	}
}

// Verbose returns true if verbose output is enabled.
func (c *Console) Verbose() (ok bool) {
	return c.verbose
}

// Info prints an informational message.
func (c *Console) Info(format string, args ...any) {
	if c.quiet {
		return
	}

	_, _ = fmt.Fprintf(c.out, "[tunfilter] %s\n", fmt.Sprintf(format, args...))
}

// Debug prints a message only if verbose output is enabled.
func (c *Console) Debug(format string, args ...any) {
	if c.quiet || !c.verbose {
		return
	}

	_, _ = fmt.Fprintf(c.out, "[tunfilter] DEBUG: %s\n", fmt.Sprintf(format, args...))
}

// Error prints an error message, even in quiet mode.
func (c *Console) Error(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, "[tunfilter] Error: %s\n", fmt.Sprintf(format, args...))
}

// Separator prints a visual separator line.
func (c *Console) Separator() {
	if c.quiet {
		return
	}

	_, _ = fmt.Fprintln(c.out, "[tunfilter] -----------------------------------------------")
}

// SessionStart prints the session start information.
func (c *Console) SessionStart(sessionID, mode, device string, patterns, networks int) {
	if c.quiet {
		return
	}

	c.Info("Session %s started", sessionID)
	if device != "" {
		c.Info("Mode: %s | Device: %s", mode, device)
	} else {
		c.Info("Mode: %s", mode)
	}

	c.Info("Blocklist: %d patterns, %d networks", patterns, networks)
	c.Separator()
}

// Stats prints one periodic statistics line.
func (c *Console) Stats(blocked, relayed, dropped uint64, flows int) {
	c.Info("stats: %d blocked, %d relayed, %d dropped, %d active flows", blocked, relayed, dropped, flows)
}

// Event prints a filtering event.  seen is the number of times the event's
// destination has been seen so far, including this one.
func (c *Console) Event(ev Event, seen int) {
	if c.quiet {
		return
	}

	ts := ev.Timestamp.Format(time.TimeOnly)
	proto := strings.ToUpper(ev.Protocol)

	switch ev.Type {
	case EventBlocked:
		_, _ = fmt.Fprintf(c.out, "[tunfilter] %s %-4s BLOCKED  %s%s [%s]\n", ts, proto, ev.Dst, label(ev), ev.Reason)
	case EventAllowed:
		if !c.verbose {
			return
		}

		_, _ = fmt.Fprintf(c.out, "[tunfilter] %s %-4s ALLOWED  %s%s%s\n", ts, proto, ev.Dst, label(ev), seenSuffix(seen))
	case EventFlowError:
		_, _ = fmt.Fprintf(c.out, "[tunfilter] %s %-4s ERROR    %s%s: %s\n", ts, proto, ev.Dst, label(ev), ev.Extra)
	case EventResolved:
		if !c.verbose {
			return
		}

		_, _ = fmt.Fprintf(c.out, "[tunfilter] %s DNS  %s (%s) -> %s\n", ts, ev.Domain, ev.QueryType, joinAddrs(ev.Addrs))
		if len(ev.CNAMEs) > 0 {
			_, _ = fmt.Fprintf(c.out, "[tunfilter]   CNAME chain: %s\n", strings.Join(ev.CNAMEs, " -> "))
		}
	case EventDoHWarning:
		_, _ = fmt.Fprintf(
			c.out,
			"[tunfilter] %s %-4s %s: possible encrypted DNS (%s), queries may not be visible\n",
			ts,
			proto,
			ev.Dst,
			ev.Extra,
		)
	}
}

// label returns the domain suffix of a flow event line.
func label(ev Event) (s string) {
	switch {
	case ev.Domain == "":
		return ""
	case ev.DomainSrc == "":
		return " (" + ev.Domain + ")"
	default:
		return fmt.Sprintf(" (%s via %s)", ev.Domain, ev.DomainSrc)
	}
}

func seenSuffix(seen int) (s string) {
	if seen > 1 {
		return fmt.Sprintf(" [seen %dx]", seen)
	}

	return " [first seen]"
}

func joinAddrs(addrs []netip.Addr) (s string) {
	strs := make([]string, 0, len(addrs))
	for _, a := range addrs {
		strs = append(strs, a.String())
	}

	return strings.Join(strs, ", ")
}

// SessionSummary prints the session-end summary.
func (c *Console) SessionSummary(sessionID string, duration time.Duration, s Summary, blocked []DestInfo) {
	if c.quiet {
		return
	}

	c.Separator()
	c.Info("Session %s finished (duration %.1fs)", sessionID, duration.Seconds())
	c.Info(
		"Flows: %d allowed, %d blocked, %d errors, %d unique destinations",
		s.Allowed,
		s.Blocked,
		s.FlowErrors,
		s.UniqueDestinations,
	)

	if s.Resolutions > 0 {
		c.Info("DNS: %d replies, %d unique domains", s.Resolutions, s.UniqueDomains)
	}

	if s.DoHWarnings > 0 {
		c.Info("Encrypted DNS warnings: %d", s.DoHWarnings)
	}

	if len(blocked) == 0 {
		return
	}

	c.Info("  Blocked:")
	for _, d := range blocked {
		name := d.Domain
		if name == "" {
			name = d.Addr
		}

		c.Info("    %s [%s] x%d", name, d.Reason, d.Count)
	}
}
