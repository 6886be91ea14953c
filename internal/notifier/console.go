package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"BatchSettle/internal/ledger"
	"BatchSettle/internal/model"
)

// OperatorID is the ledger identity of a Telegram chat. The configured chat
// is registered as an operator at startup; other chats need an entry in
// engine.operators.
func OperatorID(chatID string) string { return "telegram:" + chatID }

// Console answers chat commands against the ledger.
type Console struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

func NewConsole(l *ledger.Ledger, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{ledger: l, logger: logger}
}

// Handle implements CommandHandler.
func (c *Console) Handle(ctx context.Context, chatID, command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	caller := OperatorID(chatID)

	switch strings.ToLower(fields[0]) {
	case "/status":
		return c.status()
	case "/process":
		if len(fields) < 2 {
			return "Usage: /process mint|redeem"
		}
		kind, err := model.ParseBatchKind(fields[1])
		if err != nil {
			return "Usage: /process mint|redeem"
		}
		res, err := c.ledger.Process(ctx, ledger.ProcessRequest{Kind: kind, Caller: caller})
		if err != nil {
			return fmt.Sprintf("❌ %s not processed: %s", kind, err)
		}
		return fmt.Sprintf("✅ %s processed: %s supplied, %s output. Next batch %s.", res.Batch, res.Supplied, res.Output, res.Next)
	case "/pause":
		if err := c.ledger.Pause(ctx, caller); err != nil {
			return fmt.Sprintf("❌ pause failed: %s", err)
		}
		return "⏸ Engine paused."
	case "/unpause":
		if err := c.ledger.Unpause(ctx, caller); err != nil {
			return fmt.Sprintf("❌ unpause failed: %s", err)
		}
		return "▶️ Engine resumed."
	case "/help", "/start":
		return helpText()
	default:
		return "Unknown command.\n" + helpText()
	}
}

func (c *Console) status() string {
	kinds := make([]ledger.Eligibility, 0, len(model.Kinds))
	for _, k := range model.Kinds {
		e, err := c.ledger.Eligibility(k, time.Time{})
		if err != nil {
			c.logger.Error("eligibility query failed", zap.Stringer("kind", k), zap.Error(err))
			continue
		}
		kinds = append(kinds, e)
	}
	return FormatStatus(c.ledger.Params(), kinds)
}
