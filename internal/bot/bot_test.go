package bot

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmdpkg "github.com/stupiduntilnot/chatmem/internal/commander"
	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
	"github.com/stupiduntilnot/chatmem/internal/control"
	"github.com/stupiduntilnot/chatmem/internal/dummy"
	modelpkg "github.com/stupiduntilnot/chatmem/internal/model"
	"github.com/stupiduntilnot/chatmem/internal/session"
	"github.com/stupiduntilnot/chatmem/internal/transcript"
)

type sentMessage struct {
	chatID int64
	text   string
}

// fakeSource replays update batches, then cancels the bot.
type fakeSource struct {
	mu        sync.Mutex
	batches   [][]cmdpkg.Update
	failPolls int
	offsets   []int64
	sent      []sentMessage
	sendErr   error
	cancel    context.CancelFunc
}

func (f *fakeSource) GetUpdates(ctx context.Context, offset int64, _ int) ([]cmdpkg.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	if f.failPolls > 0 {
		f.failPolls--
		return nil, errors.New("network down")
	}
	if len(f.batches) == 0 {
		f.cancel()
		return nil, ctx.Err()
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeSource) SendMessage(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return f.sendErr
}

func (f *fakeSource) sentTo(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.chatID == chatID {
			out = append(out, m.text)
		}
	}
	return out
}

func textUpdate(id, chatID int64, text string) cmdpkg.Update {
	return cmdpkg.Update{UpdateID: id, Message: &cmdpkg.Message{Chat: cmdpkg.Chat{ID: chatID}, Text: &text}}
}

func newRegistry(t *testing.T, script string) *session.Registry {
	t.Helper()
	provider, err := dummy.NewProvider("test", script)
	require.NoError(t, err)
	compactor, err := ctxpkg.NewCompactor(ctxpkg.PolicyChunk, modelpkg.NewSummarizer(provider), ctxpkg.TrimSpace, 20, 0)
	require.NoError(t, err)
	return session.NewRegistry(func(ctx context.Context, id string) (*session.Session, []*ctxpkg.MalformedStateError, error) {
		mem := transcript.NewMemory(nil)
		return session.New(ctx, session.Options{
			ID:        id,
			ChunkSize: 20,
			Compactor: compactor,
			Builder:   ctxpkg.NewBuilder("persona", mem, mem),
			Provider:  provider,
			Policy:    control.Policy{},
		})
	})
}

func runBot(t *testing.T, src *fakeSource, threads *session.Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	src.cancel = cancel
	b := &Bot{Source: src, Threads: threads, RetryDelay: time.Millisecond}
	require.NoError(t, b.Run(ctx))
}

func TestBotAnswersEachChatOnItsOwnThread(t *testing.T) {
	src := &fakeSource{batches: [][]cmdpkg.Update{{
		textUpdate(1, 100, "hello"),
		textUpdate(2, 200, "hi"),
		textUpdate(3, 100, "again"),
	}}}
	threads := newRegistry(t, "echo")

	runBot(t, src, threads)

	assert.Equal(t, []string{"echo: hello", "echo: again"}, src.sentTo(100))
	assert.Equal(t, []string{"echo: hi"}, src.sentTo(200))
	assert.Equal(t, []int64{0, 4}, src.offsets)
	assert.Equal(t, []string{"telegram-100", "telegram-200"}, threads.IDs())

	sess, _, err := threads.Get(context.Background(), ThreadID(100))
	require.NoError(t, err)
	assert.Equal(t, 4, sess.Stats().Pending)
}

func TestBotCommands(t *testing.T) {
	src := &fakeSource{batches: [][]cmdpkg.Update{
		{textUpdate(1, 7, "/start"), textUpdate(2, 7, "how fast?")},
		{textUpdate(3, 7, "/memory"), textUpdate(4, 7, "/clear"), textUpdate(5, 7, "/memory@trainer_bot")},
	}}
	runBot(t, src, newRegistry(t, "msg:Steady pace."))

	sent := src.sentTo(7)
	require.Len(t, sent, 5)
	assert.Equal(t, welcomeText, sent[0])
	assert.Equal(t, "Steady pace.", sent[1])
	assert.Contains(t, sent[2], "Current messages: 2")
	assert.Equal(t, clearedText, sent[3])
	assert.Contains(t, sent[4], "Current messages: 0")
}

func TestBotClearDropsThread(t *testing.T) {
	src := &fakeSource{batches: [][]cmdpkg.Update{
		{textUpdate(1, 5, "hi"), textUpdate(2, 6, "yo")},
		{textUpdate(3, 5, "/clear")},
	}}
	threads := newRegistry(t, "echo")
	runBot(t, src, threads)

	assert.Equal(t, []string{"echo: hi", clearedText}, src.sentTo(5))
	assert.Equal(t, []string{"telegram-6"}, threads.IDs())
}

func TestBotLogsLiveThreadsOnStop(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	src := &fakeSource{batches: [][]cmdpkg.Update{{textUpdate(1, 11, "hi")}}}
	runBot(t, src, newRegistry(t, "ok"))

	assert.Contains(t, buf.String(), "bot stopped")
	assert.Contains(t, buf.String(), "telegram-11")
}

func TestBotReportsTurnErrorsInline(t *testing.T) {
	src := &fakeSource{batches: [][]cmdpkg.Update{{textUpdate(1, 9, "hi")}}}
	threads := newRegistry(t, "err:fatal")

	runBot(t, src, threads)

	sent := src.sentTo(9)
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0], "Error:"), sent[0])

	sess, _, err := threads.Get(context.Background(), ThreadID(9))
	require.NoError(t, err)
	assert.Equal(t, 0, sess.Stats().Pending, "failed turn must not be committed")
}

func TestBotRetriesFailedPoll(t *testing.T) {
	src := &fakeSource{failPolls: 2, batches: [][]cmdpkg.Update{{textUpdate(5, 1, "ping")}}}
	runBot(t, src, newRegistry(t, "msg:pong"))

	assert.Equal(t, []string{"pong"}, src.sentTo(1))
	assert.Equal(t, []int64{0, 0, 0, 6}, src.offsets)
}

func TestBotSkipsNonTextUpdates(t *testing.T) {
	blank := "   "
	src := &fakeSource{batches: [][]cmdpkg.Update{{
		{UpdateID: 1},
		{UpdateID: 2, Message: &cmdpkg.Message{Chat: cmdpkg.Chat{ID: 3}}},
		{UpdateID: 3, Message: &cmdpkg.Message{Chat: cmdpkg.Chat{ID: 3}, Text: &blank}},
	}}}
	threads := newRegistry(t, "ok")
	runBot(t, src, threads)

	assert.Empty(t, src.sentTo(3))
	assert.Empty(t, threads.IDs())
	assert.Equal(t, []int64{0, 4}, src.offsets)
}

func TestBotSendFailureDoesNotStop(t *testing.T) {
	src := &fakeSource{
		sendErr: errors.New("forbidden"),
		batches: [][]cmdpkg.Update{{textUpdate(1, 1, "a")}, {textUpdate(2, 1, "b")}},
	}
	runBot(t, src, newRegistry(t, "echo"))
	assert.Equal(t, []string{"echo: a", "echo: b"}, src.sentTo(1))
}

func TestFormatStats(t *testing.T) {
	out := FormatStats(session.Stats{Summaries: 2, Pending: 3, SummarizedTurns: 40, TotalTurns: 43, ChunkSize: 20, EstimatedTokens: 99})
	assert.Contains(t, out, "Active summaries: 2")
	assert.Contains(t, out, "Total memory span: 43 messages")
	assert.Contains(t, out, "History limit: 20")
}
