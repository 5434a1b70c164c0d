// File: internal/console/console.go
// Brief: Line-oriented progress rendering for pipeline runs.

// Package console renders pipeline events as progress lines on a terminal.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/example/tierdeploy/internal/pipeline"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
)

// Options tunes rendering.
type Options struct {
	// Verbose shows skipped steps and command output.
	Verbose bool
	// Width truncates lines when positive.
	Width int
	Color bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Console is a pipeline.Observer that writes progress lines.
type Console struct {
	out     io.Writer
	opts    Options
	command string

	mu        sync.Mutex
	startedAt time.Time
	failures  []failure
	skipped   int

	bold, faint, green, red, yellow, cyan *color.Color
}

type failure struct {
	tier    int
	pkg     string
	step    string
	attempt int
	msg     string
}

// New returns a console writing to out.
func New(out io.Writer, command string, opts Options) *Console {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Console{
		out:     out,
		opts:    opts,
		command: strings.TrimSpace(command),
		bold:    color.New(color.Bold),
		faint:   color.New(color.Faint),
		green:   color.New(color.FgGreen),
		red:     color.New(color.FgRed, color.Bold),
		yellow:  color.New(color.FgYellow),
		cyan:    color.New(color.FgCyan),
	}
	for _, col := range []*color.Color{c.bold, c.faint, c.green, c.red, c.yellow, c.cyan} {
		if opts.Color {
			col.EnableColor()
		} else {
			col.DisableColor()
		}
	}
	return c
}

// ObserveEvent implements pipeline.Observer.
func (c *Console) ObserveEvent(ev pipeline.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := c.prefix(ev)
	switch ev.Type {
	case pipeline.RunStarted:
		c.startedAt = c.opts.Now()
		c.line(c.bold.Sprintf("%s: %d tiers", c.commandLabel(), ev.TierCount))
	case pipeline.TierStarted:
		c.line(c.cyan.Sprintf("tier %d/%d", ev.Tier, ev.TierCount) + c.faint.Sprintf(" (%s)", ev.Message))
	case pipeline.PackageExcluded:
		c.line(prefix + c.faint.Sprint("excluded"))
	case pipeline.StepSkipped:
		c.skipped++
		if c.opts.Verbose {
			c.line(prefix + c.faint.Sprintf("- %s (%s)", ev.Step, ev.Message))
		}
	case pipeline.StepRunning:
		label := fmt.Sprintf("%s ...", ev.Step)
		if ev.Decision == pipeline.DecisionRunAfterReset {
			label = fmt.Sprintf("%s ... attempt %d with reset", ev.Step, ev.Attempt)
		}
		c.line(prefix + label)
	case pipeline.StepSucceeded:
		c.line(prefix + c.green.Sprintf("ok %s", ev.Step) + c.faint.Sprintf(" %s", formatDuration(ev.Duration)))
	case pipeline.StepFailed:
		msg := firstLine(ev.Err)
		c.failures = append(c.failures, failure{tier: ev.Tier, pkg: ev.Package, step: string(ev.Step), attempt: ev.Attempt, msg: msg})
		c.line(prefix + c.red.Sprintf("FAIL %s", ev.Step) + ": " + msg)
	case pipeline.RetryScheduled:
		c.line(prefix + c.yellow.Sprintf("retry %s in %s", ev.Step, formatDuration(ev.Duration)))
	case pipeline.PackageFailed:
		c.line(prefix + c.red.Sprint("package failed"))
	case pipeline.PackageSucceeded:
		if c.opts.Verbose {
			c.line(prefix + c.green.Sprint("done") + c.faint.Sprintf(" %s", formatDuration(ev.Duration)))
		}
	case pipeline.StepLog:
		if c.opts.Verbose {
			c.line(c.faint.Sprintf("    %s | ", ev.Package) + ev.Message)
		}
	case pipeline.RunCompleted:
		c.summaryLocked(ev)
	}
}

func (c *Console) summaryLocked(ev pipeline.Event) {
	elapsed := ev.Duration
	if elapsed == 0 && !c.startedAt.IsZero() {
		elapsed = c.opts.Now().Sub(c.startedAt)
	}
	if ev.Err == nil {
		c.line(c.green.Sprintf("%s succeeded", c.commandLabel()) + c.faint.Sprintf(" in %s (%d steps skipped)", formatDuration(elapsed), c.skipped))
		return
	}
	c.line(c.red.Sprintf("%s failed", c.commandLabel()) + c.faint.Sprintf(" after %s", formatDuration(elapsed)))
	for _, f := range c.failures {
		c.line(fmt.Sprintf("  tier %d %s %s (attempt %d): %s", f.tier, f.pkg, f.step, f.attempt, f.msg))
	}
}

func (c *Console) commandLabel() string {
	if c.command == "" {
		return "run"
	}
	return c.command
}

func (c *Console) prefix(ev pipeline.Event) string {
	if ev.Package == "" {
		return ""
	}
	return c.faint.Sprintf("[%d/%d] ", ev.Tier, ev.TierCount) + c.bold.Sprint(ev.Package) + "  "
}

func (c *Console) line(s string) {
	if c.opts.Width > 0 && !c.opts.Color {
		s = runewidth.Truncate(s, c.opts.Width, "...")
	}
	fmt.Fprintln(c.out, s)
}

func firstLine(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}
