package mobile

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/randalmurphal/appflow/pkg/appflow"
	"github.com/randalmurphal/appflow/pkg/appflow/retry"
)

// Summarize describes why a thread failed: what was being built, for how
// long, how many attempts were used, and the last error.
func Summarize(s appflow.State, now time.Time) string {
	var b strings.Builder

	app := s.String(FieldAppName)
	if app == "" {
		app = "app"
	}
	b.WriteString(app)
	if p := s.String(FieldPlatform); p != "" {
		fmt.Fprintf(&b, " for %s", p)
	}
	b.WriteString(" failed")
	if started, err := time.Parse(time.RFC3339, s.String(FieldStartedAt)); err == nil {
		fmt.Fprintf(&b, " after %s", strings.TrimSpace(humanize.RelTime(started, now, "", "")))
	}
	b.WriteString(".")

	var a retry.Attempt
	lastErr := ""
	if ok, _ := s.Decode(FieldAttempt, &a); ok && a.Number > 0 {
		switch {
		case a.State() == retry.StateExhausted:
			fmt.Fprintf(&b, " The build failed on the %s and final attempt.", humanize.Ordinal(a.Number))
			lastErr = a.LastError
		case a.Outcome == retry.OutcomeSucceeded:
			fmt.Fprintf(&b, " The build succeeded on the %s attempt.", humanize.Ordinal(a.Number))
		default:
			fmt.Fprintf(&b, " %d of %d build attempts used.", a.Number, a.Max)
		}
	}
	if errs := s.Strings(appflow.FieldErrors); lastErr == "" && len(errs) > 0 {
		lastErr = errs[len(errs)-1]
	}
	if lastErr != "" {
		fmt.Fprintf(&b, " Last error: %s", lastErr)
	}
	return b.String()
}
