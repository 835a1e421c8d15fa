package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhdahiya9/keyval-db/internal/command"
)

func TestSplitTokens(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"GET k", []string{"GET", "k"}},
		{"  SET   k   v  ", []string{"SET", "k", "v"}},
		{`SET k "hello world"`, []string{"SET", "k", "hello world"}},
		{`SET k 'single quoted'`, []string{"SET", "k", "single quoted"}},
		{`SET k "she said \"hi\""`, []string{"SET", "k", `she said "hi"`}},
		{"ZRANGE z 0 -1 -WITHSCORES", []string{"ZRANGE", "z", "0", "-1", "-WITHSCORES"}},
		{`SET k ""`, []string{"SET", "k", ""}},
		{"", nil},
		{"   ", nil},
	}
	for _, tt := range tests {
		got, err := SplitTokens(tt.line)
		require.NoError(t, err, "line %q", tt.line)
		assert.Equal(t, tt.want, got, "line %q", tt.line)
	}
}

func TestSplitTokensUnterminatedQuote(t *testing.T) {
	_, err := SplitTokens(`SET k "no end`)
	assert.ErrorIs(t, err, ErrUnterminatedQuote)
}

func TestRender(t *testing.T) {
	tests := []struct {
		reply command.Reply
		want  string
	}{
		{command.OK(), "OK"},
		{command.Nil(), "(nil)"},
		{command.Int(42), "(integer) 42"},
		{command.Int(-2), "(integer) -2"},
		{command.Str("hello"), `"hello"`},
		{command.List(nil), "(empty list)"},
		{command.List([]string{"a", "b"}), "1) \"a\"\n2) \"b\""},
		{
			command.Err(command.Errorf(command.ErrWrongType, "bad kind")),
			"(error) WRONGTYPE bad kind",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Render(tt.reply))
	}
}
