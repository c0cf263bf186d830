// Package bot is the Telegram query surface. Every command reads through
// the query service; the bot has no path to the gate or the repositories.
package bot

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"

	"paper-tape/internal/service"
)

// StartTelegramBot wires the read-only commands and begins long polling in
// the background. Without a token the bot stays off and the rest of the
// process runs normally.
func StartTelegramBot(query *service.QueryService) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		log.Println("TELEGRAM_BOT_TOKEN not set, skipping Telegram bot startup")
		return
	}
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}
	b, err := tele.NewBot(pref)
	if err != nil {
		log.Fatalf("failed to create Telegram bot: %v", err)
	}

	registerHandlers(b, query)

	log.Println("Telegram bot started")
	go b.Start()
}

func registerHandlers(b *tele.Bot, query *service.QueryService) {
	b.Handle("/ping", func(c tele.Context) error {
		return c.Send("pong")
	})

	b.Handle("/signal", func(c tele.Context) error {
		args := c.Args()
		if len(args) == 0 {
			return c.Send("Usage: /signal AAPL")
		}
		symbol := strings.ToUpper(args[0])
		signals, err := query.LatestSignals(context.Background(), []string{symbol})
		if err != nil {
			return c.Send(fmt.Sprintf("Error fetching signal for %s: %v", symbol, err))
		}
		if len(signals) == 0 {
			return c.Send(fmt.Sprintf("No active signal for %s", symbol))
		}
		p := signals[0]
		msg := fmt.Sprintf(
			"%s: %s\nConfidence: %.0f%%\nAs of: %s\nModel: %s",
			p.Symbol, p.Action, p.Confidence*100,
			p.PredictionTime.Format("2006-01-02 15:04 MST"),
			p.ModelVersion,
		)
		if p.EntryPrice != nil {
			msg += fmt.Sprintf("\nEntry: $%.2f", *p.EntryPrice)
		}
		return c.Send(msg)
	})

	b.Handle("/outcomes", func(c tele.Context) error {
		args := c.Args()
		if len(args) == 0 {
			return c.Send("Usage: /outcomes AAPL")
		}
		symbol := strings.ToUpper(args[0])
		groups, err := query.RecentOutcomes(context.Background(), symbol, 5)
		if err != nil {
			return c.Send(fmt.Sprintf("Error fetching outcomes for %s: %v", symbol, err))
		}
		if len(groups) == 0 {
			return c.Send(fmt.Sprintf("No predictions on record for %s", symbol))
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "%s recent outcomes\n", symbol)
		for _, group := range groups {
			p := group.Prediction
			fmt.Fprintf(&sb, "\n%s %s (%.0f%%)", p.PredictionTime.Format("01-02 15:04"), p.Action, p.Confidence*100)
			if len(group.Outcomes) == 0 {
				sb.WriteString(" — pending")
				continue
			}
			for _, o := range group.Outcomes {
				fmt.Fprintf(&sb, "\n  %s: %+.2f%% (%s)", o.Horizon, o.ReturnPct, o.RealizedLabel)
			}
		}
		return c.Send(sb.String())
	})

	b.Handle("/performance", func(c tele.Context) error {
		report, err := query.Performance(context.Background(), 0)
		if err != nil {
			return c.Send(fmt.Sprintf("Error building performance report: %v", err))
		}
		if report.TotalOutcomes == 0 {
			return c.Send("No evaluated outcomes in the trailing window yet")
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Performance since %s (%d outcomes)\n", report.Since.Format("2006-01-02"), report.TotalOutcomes)
		for _, h := range report.Horizons {
			fmt.Fprintf(&sb, "\n%s: hit rate %.0f%% (%d/%d directional), avg return %+.2f%%",
				h.Horizon, h.HitRate*100, h.Hits, h.Directional, h.AvgReturnPct)
		}
		return c.Send(sb.String())
	})
}
