package main

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/ypodo/VisualQuestionAnswering/src/inference"
	"github.com/ypodo/VisualQuestionAnswering/src/model"
)

var escapeDirectives = regexp.MustCompile(string(rune(escape)) + `\[\d+[a-zA-Z]`)

func stripEscapes(s string) string {
	return escapeDirectives.ReplaceAllString(s, "")
}

func normalPiece(piece string) model.TokenPiece {
	return model.TokenPiece{Piece: piece, PieceType: model.TokenPieceTypeNormal}
}

func wordPart(word string) inference.GeneratedPart {
	return inference.GeneratedPart{
		Token:         normalPiece(word),
		DecodedString: word,
		Probability:   1.0,
	}
}

func TestConsoleProgressPaint(t *testing.T) {
	var buffer bytes.Buffer
	cons := newConsole(&buffer, nil)

	cons.setProgress("Loading model \"models/7B-chat\"...")

	out := stripEscapes(buffer.String())
	for _, want := range []string{
		"Loading model \"models/7B-chat\"...",
		"Total elapsed: ..:.., elapsed for next token: ..:..",
		"Running for next token: ...",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("painted output does not contain %q:\n%s", want, out)
		}
	}
}

func TestConsoleRepaintClearsPreviousLines(t *testing.T) {
	var buffer bytes.Buffer
	cons := newConsole(&buffer, nil)

	cons.setProgress("first")
	if got := strings.Count(buffer.String(), "\x1b[1A\x1b[2K\r"); got != 0 {
		t.Errorf("first paint emitted %d clear directives, want 0", got)
	}

	cons.setProgress("second")
	// The first paint is 5 rows: progress, timings, log, separator, body.
	if got := strings.Count(buffer.String(), "\x1b[1A\x1b[2K\r"); got != 5 {
		t.Errorf("second paint emitted %d clear directives, want 5", got)
	}
}

func TestConsoleClearCountsSoftWrappedRows(t *testing.T) {
	var buffer bytes.Buffer
	cons := newConsole(&buffer, nil)

	// 100 columns wrap over two 80-column rows.
	cons.setProgress(strings.Repeat("x", 100))
	cons.setProgress("after")

	if got := strings.Count(buffer.String(), "\x1b[1A\x1b[2K\r"); got != 6 {
		t.Errorf("clear emitted %d directives, want 6 (progress line counts twice)", got)
	}
}

func TestConsoleGenerationView(t *testing.T) {
	var buffer bytes.Buffer
	cons := newConsole(&buffer, nil)

	promptPieces := []model.TokenPiece{normalPiece("Hello"), normalPiece(" world")}
	cons.start(promptPieces, "Hello world", 10)

	out := stripEscapes(buffer.String())
	if !strings.Contains(out, "Generating tokens 3 / 10, including 2 prompt tokens... Latest generated token: (generating)") {
		t.Errorf("start paint missing initial progress line:\n%s", out)
	}
	if !strings.Contains(out, "Prompt: Hello world") {
		t.Errorf("start paint missing prompt line:\n%s", out)
	}
	if !strings.Contains(out, "Assistant: ...") {
		t.Errorf("start paint missing assistant placeholder:\n%s", out)
	}

	buffer.Reset()
	cons.tokenGenerated(wordPart("Once"))

	out = stripEscapes(buffer.String())
	if !strings.Contains(out, "Generating tokens 4 / 10, including 2 prompt tokens... Latest generated token: \"Once\" rank: 0, type: NORMAL") {
		t.Errorf("token paint missing progress line:\n%s", out)
	}
	if !strings.Contains(out, "Assistant: Once") {
		t.Errorf("token paint missing generated text:\n%s", out)
	}
	if !regexp.MustCompile(`Total elapsed: \d{2}h:\d{2}m:\d{2}s, elapsed for next token: \d+\.\d{4} sec\(s\)`).MatchString(out) {
		t.Errorf("token paint missing timing line:\n%s", out)
	}
}

func TestConsoleWaitingBytesLine(t *testing.T) {
	var buffer bytes.Buffer
	cons := newConsole(&buffer, nil)
	cons.start([]model.TokenPiece{normalPiece("Hi")}, "Hi", 8)

	waitingPart := inference.GeneratedPart{
		Token:          model.TokenPiece{Piece: "<0xF0>", PieceType: model.TokenPieceTypeByte, ByteFallback: 0xF0},
		WaitingBytes:   []byte{0xF0, 0x9F},
		AddedToWaiting: true,
	}
	cons.tokenGenerated(waitingPart)

	out := stripEscapes(buffer.String())
	if !strings.Contains(out, "Tokens waiting to be processed further: \"<0xF0>\", \"<0x9F>\" (possibly a part of an upcoming emoji)") {
		t.Errorf("waiting bytes line missing:\n%s", out)
	}

	// A completed rune drops the waiting line from the next paint.
	cons.tokenGenerated(wordPart("done"))
	tail := stripEscapes(buffer.String())
	tail = tail[strings.LastIndex(tail, "Generating tokens"):]
	if strings.Contains(tail, "Tokens waiting to be processed further") {
		t.Errorf("waiting bytes line still painted after bytes resolved:\n%s", tail)
	}
}

func TestConsoleAnnotatesEmoji(t *testing.T) {
	var buffer bytes.Buffer
	cons := newConsole(&buffer, nil)
	cons.start([]model.TokenPiece{normalPiece("Hi")}, "Hi", 8)

	annotated := inference.EmojiAlias("\U0001F600", true)
	if annotated == "\U0001F600" {
		t.Fatalf("emoji alias map does not know the grinning face emoji")
	}
	cons.tokenGenerated(inference.GeneratedPart{
		Token:         normalPiece("\U0001F600"),
		DecodedString: "\U0001F600",
	})

	if out := stripEscapes(buffer.String()); !strings.Contains(out, "Assistant: "+annotated) {
		t.Errorf("emoji not annotated with its alias:\n%s", out)
	}
}

func TestConsoleLogLine(t *testing.T) {
	var buffer bytes.Buffer
	cons := newConsole(&buffer, nil)
	cons.start([]model.TokenPiece{normalPiece("Hi")}, "Hi", 8)

	buffer.Reset()
	cons.logLine("Transformer layer %d / %d...", 3, 32)

	if out := stripEscapes(buffer.String()); !strings.Contains(out, "Running for next token: Transformer layer 3 / 32...") {
		t.Errorf("log line not painted:\n%s", out)
	}
}

func TestConsoleFinishKeepsLastPaint(t *testing.T) {
	var buffer bytes.Buffer
	cons := newConsole(&buffer, nil)
	cons.start([]model.TokenPiece{normalPiece("Hi")}, "Hi", 8)
	cons.tokenGenerated(wordPart("there"))

	cons.finish()
	before := buffer.String()

	cons.setProgress("new block")
	next := strings.TrimPrefix(buffer.String(), before)
	if strings.Contains(next, "\x1b[1A\x1b[2K\r") {
		t.Errorf("paint after finish erased the finished block:\n%q", next)
	}
}
