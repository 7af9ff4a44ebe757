package source

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tributary/internal/config"
	"github.com/mattjoyce/tributary/internal/message"
)

func writeDelim(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"data.txt": content})
	return filepath.Join(dir, "data.txt")
}

// records flattens messages into name/value pairs, keeping field order.
func records(msgs []message.Message) [][]message.Field {
	out := make([][]message.Field, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Fields())
	}
	return out
}

func TestDelim(t *testing.T) {
	f := message.F

	tests := []struct {
		name    string
		content string
		opts    func(*DelimOptions)
		want    [][]message.Field
	}{
		{
			name:    "header row",
			content: "name,age\nalice,30\nbob,41\n",
			want: [][]message.Field{
				{f("name", "alice"), f("age", "30")},
				{f("name", "bob"), f("age", "41")},
			},
		},
		{
			name:    "explicit cols disable the header",
			content: "1,2\n3,4\n",
			opts:    func(o *DelimOptions) { o.Cols = []string{"a", "b"} },
			want: [][]message.Field{
				{f("a", "1"), f("b", "2")},
				{f("a", "3"), f("b", "4")},
			},
		},
		{
			name:    "missing trailing fields are nil",
			content: "x,y,z\n1,2\n",
			want: [][]message.Field{
				{f("x", "1"), f("y", "2"), f("z", nil)},
			},
		},
		{
			name:    "no header and no cols",
			content: "a,b,c\n",
			opts:    func(o *DelimOptions) { o.HasHeader = false },
			want: [][]message.Field{
				{f("Column_1", "a"), f("Column_2", "b"), f("Column_3", "c")},
			},
		},
		{
			name:    "comments are skipped",
			content: "k,v\n# a comment\n  # indented comment\n1,2\n",
			want: [][]message.Field{
				{f("k", "1"), f("v", "2")},
			},
		},
		{
			name:    "comment char disabled",
			content: "k,v\n#1,2\n",
			opts:    func(o *DelimOptions) { o.CommentChar = "" },
			want: [][]message.Field{
				{f("k", "#1"), f("v", "2")},
			},
		},
		{
			name:    "lines without the delimiter are skipped",
			content: "k,v\nno delimiter here\n\n1,2\n",
			want: [][]message.Field{
				{f("k", "1"), f("v", "2")},
			},
		},
		{
			name:    "lines without the delimiter are kept when asked",
			content: "k,v\nlonely\n",
			opts:    func(o *DelimOptions) { o.SkipLinesWithoutDelim = false },
			want: [][]message.Field{
				{f("k", "lonely"), f("v", nil)},
			},
		},
		{
			name:    "pre and post header skips",
			content: "generated by tool\nversion 2\nk,v\n-,-\n1,2\n",
			opts: func(o *DelimOptions) {
				o.SkipPreHeaderLines = 2
				o.SkipPostHeaderLines = 1
			},
			want: [][]message.Field{
				{f("k", "1"), f("v", "2")},
			},
		},
		{
			name:    "skips add up without a header",
			content: "junk\njunk\njunk\n1,2\n",
			opts: func(o *DelimOptions) {
				o.HasHeader = false
				o.SkipPreHeaderLines = 1
				o.SkipPostHeaderLines = 2
			},
			want: [][]message.Field{
				{f("Column_1", "1"), f("Column_2", "2")},
			},
		},
		{
			name:    "regexp delimiter",
			content: "a;b|c\n1; 2 |3\n",
			opts:    func(o *DelimOptions) { o.Delimiter = `[;|]` },
			want: [][]message.Field{
				{f("a", "1"), f("b", "2"), f("c", "3")},
			},
		},
		{
			name:    "whitespace split",
			content: "name   score\nalice  10\n\nbob\t7\n",
			opts:    func(o *DelimOptions) { o.Delimiter = "" },
			want: [][]message.Field{
				{f("name", "alice"), f("score", "10")},
				{f("name", "bob"), f("score", "7")},
			},
		},
		{
			name:    "windows line endings and no final newline",
			content: "k,v\r\n1,2\r\n3,4",
			want: [][]message.Field{
				{f("k", "1"), f("v", "2")},
				{f("k", "3"), f("v", "4")},
			},
		},
		{
			name:    "header only",
			content: "k,v\n",
			want:    [][]message.Field{},
		},
		{
			name:    "empty file",
			content: "",
			want:    [][]message.Field{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultDelimOptions()
			if tt.opts != nil {
				tt.opts(&opts)
			}
			d, err := NewDelim("delim", writeDelim(t, tt.content), opts)
			require.NoError(t, err)

			got := produce(t, d)
			assert.Equal(t, tt.want, records(got))
			assert.Equal(t, int64(len(tt.want)), d.Ticks())
		})
	}
}

func TestDelimColsWithoutHeader(t *testing.T) {
	opts := DefaultDelimOptions()
	opts.Cols = []string{"a", "b"}
	opts.HasHeader = true

	d, err := NewDelim("delim", writeDelim(t, "1,2\n"), opts)
	require.NoError(t, err)

	got := produce(t, d)
	require.Len(t, got, 1, "the first line is data, not a header")
	assert.Equal(t, []string{"a", "b"}, got[0].Names())
	assert.Equal(t, "1", got[0].String("a"))
}

func TestDelimBatch(t *testing.T) {
	opts := DefaultDelimOptions()
	opts.Batch = true

	d, err := NewDelim("delim", writeDelim(t, "k,v\n1,2\n3,4\n"), opts)
	require.NoError(t, err)

	got := produce(t, d)
	require.Len(t, got, 1)
	assert.Equal(t, message.ChannelBatch, got[0].Channel())
	assert.Equal(t, int64(1), d.Ticks())

	batch, ok := got[0].Value("data").([]message.Message)
	require.True(t, ok, "data field holds the records")
	require.Len(t, batch, 2)
	assert.Equal(t, "3", batch[1].String("k"))
}

func TestDelimErrors(t *testing.T) {
	t.Run("invalid delimiter", func(t *testing.T) {
		opts := DefaultDelimOptions()
		opts.Delimiter = "("
		_, err := NewDelim("delim", "unused", opts)
		assert.Error(t, err)
	})

	t.Run("negative skip", func(t *testing.T) {
		opts := DefaultDelimOptions()
		opts.SkipPreHeaderLines = -1
		_, err := NewDelim("delim", "unused", opts)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		d, err := NewDelim("delim", filepath.Join(t.TempDir(), "missing.csv"), DefaultDelimOptions())
		require.NoError(t, err)
		assert.Error(t, d.Produce(testContext(t)))
	})
}

func TestDelimOptionsFromConfig(t *testing.T) {
	opts := DelimOptionsFromConfig(config.DelimConfig{Delimiter: `\t`, CommentChar: ";", SkipLinesWithoutDelim: false})
	assert.Equal(t, `\t`, opts.Delimiter)
	assert.Equal(t, ";", opts.CommentChar)
	assert.False(t, opts.SkipLinesWithoutDelim)
	assert.True(t, opts.HasHeader)
}
