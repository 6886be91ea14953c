package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"BatchSettle/internal/ledger"
	"BatchSettle/internal/model"
)

// FormatProcessed formats a BATCH_PROCESSED event.
func FormatProcessed(evt model.Event) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("✅ <b>Batch processed</b> | %s\n\n", evt.Time.Format("2006-01-02 15:04")))
	b.WriteString(fmt.Sprintf("Batch: %s\n", evt.Batch))
	b.WriteString(fmt.Sprintf("Shares: %s\n", evt.Shares))
	b.WriteString(fmt.Sprintf("Output: %s\n", evt.Amount))
	if evt.Target != nil {
		b.WriteString(fmt.Sprintf("Next open batch: %s\n", *evt.Target))
	}
	if evt.Caller != "" {
		b.WriteString(fmt.Sprintf("Operator: %s\n", html.EscapeString(evt.Caller)))
	}
	return b.String()
}

// FormatProcessFailed formats a processing attempt that was not applied.
func FormatProcessFailed(kind model.BatchKind, batch model.BatchID, err error) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("⚠️ <b>Processing failed</b> | %s\n\n", time.Now().Format("2006-01-02 15:04")))
	b.WriteString(fmt.Sprintf("Kind: %s\n", kind))
	b.WriteString(fmt.Sprintf("Batch: %s\n", batch))
	b.WriteString(fmt.Sprintf("Reason: %s\n", ledger.ErrorKind(err)))
	b.WriteString(fmt.Sprintf("Detail: %s\n", html.EscapeString(err.Error())))
	b.WriteString("\nThe batch stays open and will be retried on the next tick.")
	return b.String()
}

// FormatStatus formats the engine state for the /status command.
func FormatStatus(params ledger.Params, kinds []ledger.Eligibility) string {
	var b strings.Builder
	b.WriteString("📦 <b>Engine status</b>\n\n")
	if params.Paused {
		b.WriteString("State: ⏸ paused\n")
	} else {
		b.WriteString("State: ▶️ running\n")
	}
	b.WriteString(fmt.Sprintf("Cooldown: %s\n", params.Cooldown))
	for _, e := range kinds {
		b.WriteString(fmt.Sprintf("\n<b>%s</b> %s\n", e.Batch.Kind, e.Batch))
		b.WriteString(fmt.Sprintf("  Supplied: %s / %s\n", e.Supplied, e.Threshold))
		switch {
		case e.Ready:
			b.WriteString("  Ready to process\n")
		default:
			b.WriteString(fmt.Sprintf("  Eligible in %s or after %s more\n", e.Remaining.Round(time.Second), e.ThresholdGap))
		}
	}
	return b.String()
}

func helpText() string {
	return "Commands:\n" +
		"/status - engine and batch status\n" +
		"/process mint|redeem - process the open batch\n" +
		"/pause - block deposits, processing and hot-swaps\n" +
		"/unpause - resume"
}
