package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/mattjoyce/tributary/internal/config"
	"github.com/mattjoyce/tributary/internal/graph"
	"github.com/mattjoyce/tributary/internal/log"
	"github.com/mattjoyce/tributary/internal/message"
)

// DelimOptions configures a Delim source. Start from DefaultDelimOptions:
// the zero value splits on whitespace and expects no header.
type DelimOptions struct {
	// Delimiter is a regular expression separating fields. Empty splits on
	// runs of whitespace.
	Delimiter string
	// Cols names the fields. Setting it implies HasHeader is false.
	Cols []string
	// HasHeader reads column names from the first line after the
	// pre-header skip.
	HasHeader           bool
	SkipPreHeaderLines  int
	SkipPostHeaderLines int
	// CommentChar marks lines to ignore. Empty disables comments.
	CommentChar string
	// SkipLinesWithoutDelim ignores lines the delimiter does not match.
	SkipLinesWithoutDelim bool
	// Batch emits every record in one message instead of one message each.
	Batch  bool
	Logger *slog.Logger
}

// DefaultDelimOptions returns comma-separated parsing with a header row.
func DefaultDelimOptions() DelimOptions {
	return DelimOptions{
		Delimiter:             ",",
		HasHeader:             true,
		CommentChar:           "#",
		SkipLinesWithoutDelim: true,
	}
}

// DelimOptionsFromConfig applies the delim config section to the defaults.
func DelimOptionsFromConfig(cfg config.DelimConfig) DelimOptions {
	opts := DefaultDelimOptions()
	opts.Delimiter = cfg.Delimiter
	opts.CommentChar = cfg.CommentChar
	opts.SkipLinesWithoutDelim = cfg.SkipLinesWithoutDelim
	return opts
}

// Delim reads a delimited text file and emits one message per record.
type Delim struct {
	*graph.Base
	filename string
	opts     DelimOptions
	re       *regexp.Regexp // nil splits on whitespace
	logger   *slog.Logger
}

// NewDelim returns a Delim reading filename. It fails if the delimiter is not
// a valid regular expression.
func NewDelim(name, filename string, opts DelimOptions) (*Delim, error) {
	if len(opts.Cols) > 0 {
		opts.HasHeader = false
	}
	if opts.SkipPreHeaderLines < 0 || opts.SkipPostHeaderLines < 0 {
		return nil, fmt.Errorf("delim %s: skip counts must not be negative", name)
	}

	d := &Delim{
		Base:     graph.NewBase(name),
		filename: filename,
		opts:     opts,
		logger:   opts.Logger,
	}
	if d.logger == nil {
		d.logger = log.WithNode(name)
	}
	if opts.Delimiter != "" {
		re, err := regexp.Compile(opts.Delimiter)
		if err != nil {
			return nil, fmt.Errorf("delim %s: invalid delimiter %q: %w", name, opts.Delimiter, err)
		}
		d.re = re
	}
	return d, nil
}

// Produce parses the file and scatters its records.
func (d *Delim) Produce(ctx context.Context) error {
	f, err := os.Open(d.filename)
	if err != nil {
		return fmt.Errorf("delim %s: %w", d.Name(), err)
	}
	defer f.Close()

	var batch []message.Message
	n, err := d.parse(ctx, bufio.NewReader(f), func(rec message.Message) error {
		if d.opts.Batch {
			batch = append(batch, rec)
			return nil
		}
		if err := d.Scatter(ctx, rec); err != nil {
			return err
		}
		d.Tick()
		return nil
	})
	if err != nil {
		return fmt.Errorf("delim %s: %w", d.Name(), err)
	}

	if d.opts.Batch {
		if err := d.Scatter(ctx, message.Batch(batch)); err != nil {
			return err
		}
		d.Tick()
	}
	d.logger.Debug("parsed delimited file", "file", d.filename, "records", n)
	return nil
}

// parse reads records from r and calls emit for each, returning the count.
func (d *Delim) parse(ctx context.Context, r *bufio.Reader, emit func(message.Message) error) (int, error) {
	for i := 0; i < d.opts.SkipPreHeaderLines; i++ {
		if _, err := readLine(r); err != nil {
			return 0, ignoreEOF(err)
		}
	}

	cols := d.opts.Cols
	if d.opts.HasHeader {
		line, err := readLine(r)
		if err != nil {
			return 0, ignoreEOF(err)
		}
		cols = nil
		for _, c := range d.split(line) {
			cols = append(cols, strings.TrimSpace(c))
		}
	}

	for i := 0; i < d.opts.SkipPostHeaderLines; i++ {
		if _, err := readLine(r); err != nil {
			return 0, ignoreEOF(err)
		}
	}

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		line, err := readLine(r)
		if err != nil {
			return n, ignoreEOF(err)
		}

		rec, ok := d.record(line, cols)
		if !ok {
			continue
		}
		if err := emit(rec); err != nil {
			return n, err
		}
		n++
	}
}

// record turns one line into a message. It reports false for lines that are
// skipped.
func (d *Delim) record(line string, cols []string) (message.Message, bool) {
	trimmed := strings.TrimSpace(line)
	if d.opts.CommentChar != "" && strings.HasPrefix(trimmed, d.opts.CommentChar) {
		return message.Message{}, false
	}
	if d.re != nil && d.opts.SkipLinesWithoutDelim && !d.re.MatchString(line) {
		return message.Message{}, false
	}
	if d.re == nil && trimmed == "" {
		return message.Message{}, false
	}

	values := d.split(trimmed)
	var fields []message.Field
	if cols != nil {
		fields = make([]message.Field, 0, len(cols))
		for i, col := range cols {
			if i < len(values) {
				fields = append(fields, message.F(col, strings.TrimSpace(values[i])))
			} else {
				fields = append(fields, message.F(col, nil))
			}
		}
	} else {
		fields = make([]message.Field, 0, len(values))
		for i, v := range values {
			fields = append(fields, message.F("Column_"+strconv.Itoa(i+1), strings.TrimSpace(v)))
		}
	}
	return message.New(fields...), true
}

func (d *Delim) split(line string) []string {
	line = strings.TrimSpace(line)
	if d.re == nil {
		return strings.Fields(line)
	}
	return d.re.Split(line, -1)
}

// readLine returns the next line without its terminator. A final line with
// no newline is returned before io.EOF.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
