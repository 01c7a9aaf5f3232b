package main

import (
	"fmt"
	"io"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/apoorvam/goterminal"

	"github.com/ypodo/VisualQuestionAnswering/src/inference"
	"github.com/ypodo/VisualQuestionAnswering/src/model"
)

const escape = 27

// console is the repaint progress UI of the generate command. Every update
// clears the lines of the previous paint and redraws the whole status
// block: progress, timings, the latest engine log line and the accumulated
// assistant text. Painted line widths are remembered so the right number of
// terminal rows gets cleared even after soft-wrapping.
type console struct {
	mu      sync.Mutex
	out     io.Writer
	measure *goterminal.Writer

	// Escape directives take no terminal cells, they are stripped before
	// line width accounting.
	escapeDirectiveRegexp *regexp.Regexp
	prevLineWidths        []int

	sequenceLength int
	promptText     string
	promptTokens   []model.TokenPiece
	generated      []model.TokenPiece
	generatedText  string
	waitingBytes   []byte
	progressText   string
	latestLogText  string
	startTimeTotal time.Time
	startTimeToken time.Time
}

func newConsole(out io.Writer, measure *goterminal.Writer) *console {
	return &console{
		out:                   out,
		measure:               measure,
		escapeDirectiveRegexp: regexp.MustCompile(string(rune(escape)) + `\[\d+[a-zA-Z]`),
	}
}

// setProgress replaces the whole status block with a literal line, used
// during model load when no token stream exists yet.
func (c *console) setProgress(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progressText = text
	c.repaint()
}

// start switches from the literal progress line to the generation view.
func (c *console) start(promptTokens []model.TokenPiece, promptText string, sequenceLength int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progressText = ""
	c.promptTokens = promptTokens
	c.promptText = promptText
	c.sequenceLength = sequenceLength
	c.startTimeTotal = time.Now()
	c.startTimeToken = c.startTimeTotal
	c.repaint()
}

func (c *console) tokenGenerated(part inference.GeneratedPart) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generated = append(c.generated, part.Token)
	c.generatedText += inference.EmojiAlias(part.DecodedString, true)
	c.waitingBytes = part.WaitingBytes
	c.startTimeToken = time.Now()
	c.repaint()
}

// logLine is the engine's logFn target, called from the generation
// goroutine.
func (c *console) logLine(format string, v ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latestLogText = fmt.Sprintf(format, v...)
	c.repaint()
}

// reset forgets the painted lines. Called after other code wrote to the
// terminal between paints, such as the model loader printing its metadata
// report, so the next paint does not erase that output.
func (c *console) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prevLineWidths = nil
}

// finish leaves the last paint on screen and moves past it.
func (c *console) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prevLineWidths = nil
	fmt.Fprintln(c.out)
}

func (c *console) repaint() {
	c.clear()
	logText := c.latestLogText
	if logText == "" {
		logText = "..."
	}
	elapsedTotal, elapsedToken := c.durations()
	c.printLine(c.progressLine())
	c.printLine(fmt.Sprintf("Total elapsed: %c[1m%s%c[0m, elapsed for next token: %c[1m%s%c[0m",
		escape, elapsedTotal, escape, escape, elapsedToken, escape))
	c.printLine("Running for next token: " + logText)
	c.printLine("")
	if c.promptText == "" {
		c.printLine("...")
		return
	}
	generatedText := c.generatedText
	if generatedText == "" {
		generatedText = "..."
	}
	body := fmt.Sprintf("%c[1mPrompt:%c[0m ", escape, escape) + c.promptText +
		fmt.Sprintf("\n%c[1mAssistant:%c[0m ", escape, escape) + generatedText
	if len(c.waitingBytes) > 0 {
		body += fmt.Sprintf("\n%c[1mTokens waiting to be processed further:%c[0m %s (possibly a part of an upcoming emoji)",
			escape, escape, formatWaitingBytes(c.waitingBytes))
	}
	c.printLine(body)
}

func formatWaitingBytes(waiting []byte) string {
	parts := make([]string, len(waiting))
	for i, b := range waiting {
		parts[i] = fmt.Sprintf("\"<0x%02X>\"", b)
	}
	return strings.Join(parts, ", ")
}

// printLine writes the text and records the visible width of each painted
// line for the next clear.
func (c *console) printLine(text string) {
	lines := strings.Split(text, "\n")
	for _, line := range lines {
		line = c.escapeDirectiveRegexp.ReplaceAllString(line, "")
		c.prevLineWidths = append(c.prevLineWidths, len(line))
	}
	fmt.Fprint(c.out, text+"\n")
}

// terminalWidth falls back to 80 columns when no measuring writer is set
// or the measurement fails, as with a non-terminal stdout.
func (c *console) terminalWidth() int {
	if c.measure == nil {
		return 80
	}
	width, _ := c.measure.GetTermDimensions()
	if width <= 0 {
		return 80
	}
	return width
}

// clear erases the lines painted last time. A logical line wider than the
// terminal soft-wraps over multiple rows, each row must be cleared.
func (c *console) clear() {
	if len(c.prevLineWidths) == 0 {
		return
	}
	consoleWidth := c.terminalWidth()
	rowsToClear := 0
	for _, lineWidth := range c.prevLineWidths {
		rows := int(math.Ceil(float64(lineWidth) / float64(consoleWidth)))
		if rows == 0 {
			rows = 1
		}
		rowsToClear += rows
	}
	for i := 0; i < rowsToClear; i++ {
		fmt.Fprintf(c.out, "%c[1A%c[2K\r", escape, escape)
	}
	c.prevLineWidths = nil
}

func (c *console) progressLine() string {
	if c.progressText != "" {
		return c.progressText
	}
	latestTokenText := "(generating)"
	if len(c.generated) > 0 {
		latestTokenText = c.generated[len(c.generated)-1].String()
	}
	nextTokenNum := len(c.promptTokens) + len(c.generated)
	if nextTokenNum < c.sequenceLength {
		nextTokenNum++
	}
	return fmt.Sprintf("%c[1mGenerating tokens %d / %d, including %d prompt tokens...%c[0m Latest generated token: %s",
		escape, nextTokenNum, c.sequenceLength, len(c.promptTokens), escape, latestTokenText)
}

func (c *console) durations() (elapsedTotal string, elapsedToken string) {
	elapsedTotal = "..:.."
	elapsedToken = "..:.."
	if c.startTimeTotal.IsZero() {
		return
	}
	total := time.Since(c.startTimeTotal).Round(time.Second)
	hourPart := total / time.Hour
	total -= hourPart * time.Hour
	minutePart := total / time.Minute
	secondPart := (total - minutePart*time.Minute) / time.Second
	elapsedTotal = fmt.Sprintf("%02dh:%02dm:%02ds", hourPart, minutePart, secondPart)
	elapsedToken = fmt.Sprintf("%.4f sec(s)", time.Since(c.startTimeToken).Seconds())
	return
}
