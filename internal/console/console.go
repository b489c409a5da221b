// Package console implements the interactive chat loop.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
	"github.com/stupiduntilnot/chatmem/internal/session"
)

// Chat is the thread the console talks to.
type Chat interface {
	Turn(ctx context.Context, text string) (ctxpkg.Turn, error)
	Reset(ctx context.Context) error
	Stats() session.Stats
}

// Options configures output rendering.
type Options struct {
	// Color enables lipgloss colors.
	Color bool
	// Markdown renders replies with glamour. Width <= 0 means 80 columns.
	Markdown bool
	Width    int
}

// Console reads user input line by line and prints replies.
type Console struct {
	chat   Chat
	in     io.Reader
	out    io.Writer
	styles Styles
	md     *glamour.TermRenderer
}

// New creates a console. Markdown rendering falls back to plain text when
// the renderer cannot be built.
func New(chat Chat, in io.Reader, out io.Writer, opts Options) *Console {
	c := &Console{chat: chat, in: in, out: out, styles: NoColorStyles()}
	if opts.Color {
		c.styles = DefaultStyles()
	}
	if opts.Markdown {
		width := opts.Width
		if width <= 0 {
			width = 80
		}
		md, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle("dark"),
			glamour.WithWordWrap(width),
		)
		if err == nil {
			c.md = md
		}
	}
	return c
}

// Run loops until the user quits, input ends or ctx is cancelled. Turn
// failures are reported inline and the loop continues.
func (c *Console) Run(ctx context.Context) error {
	c.welcome()
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		if ctx.Err() != nil {
			c.println("\nChat interrupted. Goodbye!")
			return nil
		}
		fmt.Fprint(c.out, c.styles.Prompt.Render("You: "))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			c.println("\nGoodbye!")
			return nil
		}
		input := strings.TrimSpace(scanner.Text())

		switch strings.ToLower(input) {
		case "":
			continue
		case "quit", "exit", "bye":
			c.println("\nThanks for chatting! Keep training hard!")
			return nil
		case "clear":
			if err := c.chat.Reset(ctx); err != nil {
				c.printError(err)
				continue
			}
			c.println("\nConversation history and summaries cleared!")
			c.println(c.styles.Separator.Render(strings.Repeat("=", 40)))
			continue
		case "memory":
			c.printStats(c.chat.Stats())
			continue
		}

		c.println(c.styles.Dim.Render("Thinking..."))
		reply, err := c.chat.Turn(ctx, input)
		if err != nil {
			c.printError(err)
			continue
		}
		c.printReply(reply.Content)
	}
}

func (c *Console) welcome() {
	rule := c.styles.Separator.Render(strings.Repeat("=", 60))
	c.println(rule)
	c.println(c.styles.Banner.Render("SPORTS TRAINER CHATBOT - LIVE CHAT"))
	c.println(rule)
	c.println("Type 'quit', 'exit', or 'bye' to end the conversation")
	c.println("Type 'clear' to reset conversation history")
	c.println("Type 'memory' to see memory statistics")
	c.println(rule)
	c.println("")
}

func (c *Console) printReply(content string) {
	fmt.Fprint(c.out, c.styles.Speaker.Render("Trainer:")+" ")
	if c.md != nil {
		if rendered, err := c.md.Render(content); err == nil {
			fmt.Fprint(c.out, rendered)
			c.println(c.styles.Separator.Render(strings.Repeat("-", 50)))
			return
		}
	}
	c.println(content)
	c.println(c.styles.Separator.Render(strings.Repeat("-", 50)))
}

func (c *Console) printError(err error) {
	c.println(c.styles.Error.Render("Error: " + err.Error()))
	if ctxpkg.Retryable(err) {
		c.println(c.styles.Dim.Render("Nothing was saved for that message. Let's try again..."))
	}
}

func (c *Console) printStats(st session.Stats) {
	label := c.styles.StatLabel.Render
	c.println("")
	c.println(c.styles.Banner.Render("MEMORY STATISTICS"))
	c.println(c.styles.Separator.Render(strings.Repeat("=", 30)))
	c.println(fmt.Sprintf("%s %d", label("Active summaries:"), st.Summaries))
	c.println(fmt.Sprintf("%s %d", label("Current messages:"), st.Pending))
	c.println(fmt.Sprintf("%s %d", label("Summarized messages:"), st.SummarizedTurns))
	c.println(fmt.Sprintf("%s %d messages", label("Total memory span:"), st.TotalTurns))
	c.println(fmt.Sprintf("%s %d", label("History limit:"), st.ChunkSize))
	c.println(fmt.Sprintf("%s %d", label("Estimated context tokens:"), st.EstimatedTokens))
	c.println(c.styles.Separator.Render(strings.Repeat("=", 30)))
	c.println("")
}

func (c *Console) println(s string) {
	fmt.Fprintln(c.out, s)
}
