package iocli

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Проверяем что NewStdio возвращает валидный объект
func TestNewStdio(t *testing.T) {
	stdio := NewStdio()
	assert.NotNil(t, stdio)
}

func TestPrintlnAndPrintf(t *testing.T) {
	var out bytes.Buffer
	stdio := NewStreams(strings.NewReader(""), &out)

	stdio.Println("hello", "world")
	stdio.Printf("test %d %s", 1, "abc")
	_, err := stdio.Write([]byte("!"))
	require.NoError(t, err)

	assert.Equal(t, "hello world\ntest 1 abc!", out.String())
}

func TestReadInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{name: "single line", input: "user input\n", want: []string{"user input"}},
		{name: "trims spaces", input: "  y  \r\n", want: []string{"y"}},
		{name: "several lines", input: "first\nsecond\n", want: []string{"first", "second"}},
		{name: "no trailing newline", input: "last", want: []string{"last"}},
		{name: "empty input", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			stdio := NewStreams(strings.NewReader(tt.input), &out)

			if tt.wantErr {
				_, err := stdio.ReadInput("Prompt: ")
				assert.ErrorIs(t, err, io.EOF)
				return
			}

			for _, want := range tt.want {
				got, err := stdio.ReadInput("Prompt: ")
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
			assert.True(t, strings.HasPrefix(out.String(), "Prompt: "))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, NewStreams(strings.NewReader(""), &bytes.Buffer{}).IsTerminal())

	// pipe не является терминалом
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	assert.False(t, NewStreams(r, w).IsTerminal())
}
