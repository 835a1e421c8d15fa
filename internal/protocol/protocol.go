// Package protocol implements the line protocol spoken on client
// connections: splitting a command line into tokens and rendering typed
// replies back into display text.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/anirudhdahiya9/keyval-db/internal/command"
)

// ErrUnterminatedQuote is returned for a line whose quoted token never
// closes.
var ErrUnterminatedQuote = errors.New("protocol: unterminated quote")

// SplitTokens splits a command line into tokens. Whitespace separates
// tokens; single or double quotes group a token containing whitespace, and
// a backslash inside double quotes escapes the next character.
func SplitTokens(line string) ([]string, error) {
	var tokens []string
	var buf strings.Builder

	inToken := false
	quote := byte(0)

	flush := func() {
		if inToken {
			tokens = append(tokens, buf.String())
			buf.Reset()
			inToken = false
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == '\\' && quote == '"' && i+1 < len(line) {
				i++
				buf.WriteByte(line[i])
				continue
			}
			if c == quote {
				quote = 0
				continue
			}
			buf.WriteByte(c)
		case c == '\'' || c == '"':
			quote = c
			inToken = true
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			flush()
		default:
			inToken = true
			buf.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, ErrUnterminatedQuote
	}
	flush()
	return tokens, nil
}

// Render formats a reply as the text sent back to the client. Multi-line
// replies use numbered items.
func Render(reply command.Reply) string {
	switch reply.Kind {
	case command.ReplyOK:
		return "OK"
	case command.ReplyNil:
		return "(nil)"
	case command.ReplyInt:
		return fmt.Sprintf("(integer) %d", reply.Int)
	case command.ReplyStr:
		return fmt.Sprintf("%q", reply.Str)
	case command.ReplyList:
		if len(reply.List) == 0 {
			return "(empty list)"
		}
		var sb strings.Builder
		for i, item := range reply.List {
			if i > 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "%d) %q", i+1, item)
		}
		return sb.String()
	case command.ReplyErr:
		return fmt.Sprintf("(error) %s %s", reply.Err.Kind, reply.Err.Message)
	}
	return "(error) ERR unrenderable reply"
}
