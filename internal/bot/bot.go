// Package bot serves conversation threads over a polled chat source such
// as Telegram. Every chat is its own thread with its own memory.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/chatmem/internal/commander"
	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
	"github.com/stupiduntilnot/chatmem/internal/db"
	"github.com/stupiduntilnot/chatmem/internal/session"
)

const (
	welcomeText = "Hi! I'm your sports trainer. Ask me anything about training.\n" +
		"/memory shows what I remember, /clear makes me forget."
	clearedText = "Conversation history and summaries cleared!"
)

// Bot polls Source and answers each message on the thread of its chat.
type Bot struct {
	Source  cmdpkg.Commander
	Threads *session.Registry
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int
	// RetryDelay is the pause after a failed poll. Zero means 3s.
	RetryDelay time.Duration

	Events        *db.EventLog
	ParentEventID int64
}

// ThreadID maps a chat to its thread identifier.
func ThreadID(chatID int64) string {
	return "telegram-" + strconv.FormatInt(chatID, 10)
}

// Run polls until ctx is cancelled. Messages from one chat are answered in
// order; different chats in the same batch are answered concurrently.
func (b *Bot) Run(ctx context.Context) error {
	b.poll(ctx)
	slog.Info("bot stopped", "threads", b.Threads.IDs())
	return nil
}

func (b *Bot) poll(ctx context.Context) {
	delay := b.RetryDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}

	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := b.Source.GetUpdates(ctx, offset, b.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("poll failed", "offset", offset, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		byChat := map[int64][]string{}
		var order []int64
		for _, update := range updates {
			offset = update.UpdateID + 1
			msg := update.Message
			if msg == nil || msg.Text == nil || strings.TrimSpace(*msg.Text) == "" {
				continue
			}
			if _, seen := byChat[msg.Chat.ID]; !seen {
				order = append(order, msg.Chat.ID)
			}
			byChat[msg.Chat.ID] = append(byChat[msg.Chat.ID], *msg.Text)
		}

		var wg sync.WaitGroup
		for _, chatID := range order {
			wg.Add(1)
			go func(chatID int64, texts []string) {
				defer wg.Done()
				for _, text := range texts {
					b.handle(ctx, chatID, text)
				}
			}(chatID, byChat[chatID])
		}
		wg.Wait()
	}
}

func (b *Bot) handle(ctx context.Context, chatID int64, text string) {
	threadID := ThreadID(chatID)
	sess, _, err := b.Threads.Get(ctx, threadID)
	if err != nil {
		slog.Error("open thread failed", "thread", threadID, "error", err)
		b.send(ctx, chatID, "Error: "+err.Error())
		return
	}

	command := strings.ToLower(strings.TrimSpace(text))
	if i := strings.IndexByte(command, '@'); i > 0 && strings.HasPrefix(command, "/") {
		command = command[:i]
	}
	switch command {
	case "/start", "/help":
		b.send(ctx, chatID, welcomeText)
		return
	case "/clear":
		if err := sess.Reset(ctx); err != nil {
			b.send(ctx, chatID, "Error: "+err.Error())
			return
		}
		// The next message reloads the emptied thread.
		b.Threads.Drop(threadID)
		b.send(ctx, chatID, clearedText)
		return
	case "/memory":
		b.send(ctx, chatID, FormatStats(sess.Stats()))
		return
	}

	reply, err := sess.Turn(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		msg := "Error: " + err.Error()
		if ctxpkg.Retryable(err) {
			msg += "\nNothing was saved for that message. Please send it again."
		}
		if reply.Content != "" {
			msg = reply.Content + "\n\n" + msg
		}
		b.send(ctx, chatID, msg)
		return
	}
	b.send(ctx, chatID, reply.Content)
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) {
	if err := b.Source.SendMessage(ctx, chatID, text); err != nil {
		slog.Warn("send failed", "chat_id", chatID, "error", err)
		b.Events.Log(&b.ParentEventID, db.EventReplySendFailed, map[string]any{
			"chat_id": chatID,
			"error":   err.Error(),
		})
	}
}

// FormatStats renders thread statistics as plain text.
func FormatStats(st session.Stats) string {
	var sb strings.Builder
	sb.WriteString("MEMORY STATISTICS\n")
	fmt.Fprintf(&sb, "Active summaries: %d\n", st.Summaries)
	fmt.Fprintf(&sb, "Current messages: %d\n", st.Pending)
	fmt.Fprintf(&sb, "Summarized messages: %d\n", st.SummarizedTurns)
	fmt.Fprintf(&sb, "Total memory span: %d messages\n", st.TotalTurns)
	fmt.Fprintf(&sb, "History limit: %d\n", st.ChunkSize)
	fmt.Fprintf(&sb, "Estimated context tokens: %d", st.EstimatedTokens)
	return sb.String()
}
