package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"cortex/internal/engine/event"
)

var (
	cyan   = color.New(color.FgCyan).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// renderer turns the frame stream into terminal output. Thought and response
// chunks stream inline; everything else gets its own line.
type renderer struct {
	out      io.Writer
	verbose  bool
	midChunk bool
}

func (r *renderer) frame(f event.Frame) {
	switch ev := f.Payload.(type) {
	case event.ThoughtChunkEvent:
		if r.verbose {
			fmt.Fprint(r.out, gray(ev.Text))
			r.midChunk = true
		}

	case event.ResponseChunkEvent:
		fmt.Fprint(r.out, ev.Text)
		r.midChunk = true

	case event.ActionStartEvent:
		r.line("%s %s", cyan(">"), describeAction(ev))

	case event.ActionCompleteEvent:
		switch ev.Status {
		case event.StatusOK:
			r.line("%s %s (%s)", green("ok"), ev.Name, shortDuration(ev.DurationMS))
		case event.StatusCancelled:
			r.line("%s %s cancelled", yellow("--"), ev.Name)
		default:
			r.line("%s %s: %s (%s)", red("!!"), ev.Name, ev.Error, shortDuration(ev.DurationMS))
		}

	case event.ContextFeedUpdateEvent:
		if r.verbose {
			r.line("%s", gray(fmt.Sprintf("feed %s %s", ev.FeedID, ev.Cause)))
		}

	case event.MetadataUpdateEvent:
		if r.verbose {
			r.line("%s", gray(fmt.Sprintf("metadata %v", ev.Applied)))
		}

	case event.SoftErrorEvent:
		r.line("%s %s: %s", yellow("warning"), ev.Code, ev.Message)

	case event.IterationBoundaryEvent:
		if ev.Phase == "start" && r.verbose {
			r.line("%s", gray(fmt.Sprintf("--- iteration %d ---", ev.Iteration)))
		}

	case event.IterationErrorEvent:
		r.line("%s iteration %d failed (%s): %s", red("error"), ev.Iteration, ev.Reason, ev.Message)

	case event.SessionEndEvent:
		r.end(ev)
	}
}

func (r *renderer) end(ev event.SessionEndEvent) {
	switch ev.Status {
	case "done":
		r.line("%s", bold(green(fmt.Sprintf("done in %d iteration(s)", ev.Iterations))))
	case "cancelled":
		r.line("%s", yellow("cancelled"))
	default:
		r.line("%s %s", bold(red("failed:")), ev.Reason)
	}
}

func (r *renderer) line(format string, args ...any) {
	if r.midChunk {
		fmt.Fprintln(r.out)
		r.midChunk = false
	}
	fmt.Fprintf(r.out, format+"\n", args...)
}

func describeAction(ev event.ActionStartEvent) string {
	s := ev.Kind
	if ev.Name != "" && ev.Name != ev.Kind {
		s += ":" + ev.Name
	}
	if ev.Mode != "" && ev.Mode != "sync" {
		s += " [" + ev.Mode + "]"
	}
	if ev.OutputKey != "" {
		s += " -> $" + ev.OutputKey
	}
	return s
}

func shortDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d >= time.Second {
		return d.Round(100 * time.Millisecond).String()
	}
	return d.String()
}
