package notifier

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
	"unicode/utf8"

	"botrunner/internal/eventbus"
	"botrunner/internal/task/engine"
)

const defaultExcerpt = 500

// messageFor renders a run event into a notification. Only failures are
// reported; retry notices are skipped when cfg.OnlyFinal is set.
func messageFor(ev eventbus.Event, cfg Config) (key, text string, ok bool) {
	re, isRun := ev.Data.(engine.RunEvent)
	if !isRun {
		return "", "", false
	}
	switch ev.Type {
	case "run.failed":
		return failureKey(ev.Type, re), formatFailure(re, cfg.OutputExcerpt), true
	case "run.retry":
		if cfg.OnlyFinal {
			return "", "", false
		}
		return failureKey(ev.Type, re), formatRetry(re, cfg.OutputExcerpt), true
	default:
		return "", "", false
	}
}

func formatFailure(ev engine.RunEvent, excerpt int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "❌ %s failed", ev.Task)
	writeMeta(&b, ev)
	writeError(&b, ev.Error, excerpt)
	return b.String()
}

func formatRetry(ev engine.RunEvent, excerpt int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ %s attempt %d failed, retrying in %s", ev.Task, ev.Attempt, ev.RetryIn.Round(time.Second))
	writeMeta(&b, ev)
	writeError(&b, ev.Error, excerpt)
	return b.String()
}

func writeMeta(b *strings.Builder, ev engine.RunEvent) {
	fmt.Fprintf(b, "\nrun #%d · attempt %d · %s", ev.RunID, ev.Attempt, ev.Trigger)
	if ev.ExitCode != nil {
		fmt.Fprintf(b, " · exit %d", *ev.ExitCode)
	}
	if ev.Duration > 0 {
		fmt.Fprintf(b, " · %s", ev.Duration.Round(time.Millisecond))
	}
}

func writeError(b *strings.Builder, msg string, excerpt int) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	b.WriteString("\n\n")
	b.WriteString(truncate(msg, excerpt))
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// failureKey groups repeated failures of a task with the same first error
// line, so a broken task doesn't flood the chat when dedup is on.
func failureKey(typ string, ev engine.RunEvent) string {
	first := ev.Error
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(typ + "\x00" + ev.Task + "\x00" + first))
	return fmt.Sprintf("%x", h.Sum64())
}
