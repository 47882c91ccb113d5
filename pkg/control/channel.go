package control

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Channel writes directives to the supervisor, one flushed line each.
type Channel struct {
	w      *bufio.Writer
	closer io.Closer
}

// NewChannel creates a channel over an existing writer.
func NewChannel(w io.Writer) *Channel {
	return &Channel{
		w: bufio.NewWriter(w),
	}
}

// Open creates a channel over a file descriptor inherited from the
// supervisor. The descriptor must already be open.
func Open(fd int) (*Channel, error) {
	if fd < 0 {
		return nil, fmt.Errorf("invalid control fd %d", fd)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return nil, fmt.Errorf("control fd %d is not open: %w", fd, err)
	}
	f := os.NewFile(uintptr(fd), "cmd_pipe")
	if f == nil {
		return nil, fmt.Errorf("control fd %d is not usable", fd)
	}
	ch := NewChannel(f)
	ch.closer = f
	return ch, nil
}

// Send writes one directive and flushes it.
func (c *Channel) Send(msg Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	if _, err := c.w.WriteString(msg.String()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// lineBreaks turns "\r\n" and lone "\r" into "\n".
var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// UIPrint shows text to the user. Multi-line text becomes one ui_print
// directive per line, in order. A carriage return also ends a line.
func (c *Channel) UIPrint(text string) error {
	for _, line := range strings.Split(lineBreaks.Replace(text), "\n") {
		if err := c.Send(Message{Verb: VerbUIPrint, Payload: line}); err != nil {
			return err
		}
	}
	return nil
}

// UIPrintf formats and shows text to the user.
func (c *Channel) UIPrintf(format string, args ...interface{}) error {
	return c.UIPrint(fmt.Sprintf(format, args...))
}

// LogError reports the structured error code.
func (c *Channel) LogError(code int) error {
	return c.Send(ErrorLog(code))
}

// LogCause reports the structured cause code.
func (c *Channel) LogCause(code int) error {
	return c.Send(CauseLog(code))
}

// RetryUpdate asks the supervisor to run the whole update again.
func (c *Channel) RetryUpdate() error {
	return c.Send(Message{Verb: VerbRetryUpdate})
}

// Progress starts a progress segment covering fraction of the bar, expected
// to take the given number of seconds (0 means driven by SetProgress).
func (c *Channel) Progress(fraction float64, seconds int) error {
	return c.Send(Message{
		Verb:    VerbProgress,
		Payload: strconv.FormatFloat(fraction, 'f', -1, 64) + " " + strconv.Itoa(seconds),
	})
}

// SetProgress sets the position within the current progress segment.
func (c *Channel) SetProgress(fraction float64) error {
	return c.Send(Message{
		Verb:    VerbSetProgress,
		Payload: strconv.FormatFloat(fraction, 'f', -1, 64),
	})
}

// Close flushes and, for channels opened from a descriptor, closes it.
func (c *Channel) Close() error {
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if c.closer != nil {
		closer := c.closer
		c.closer = nil
		return closer.Close()
	}
	return nil
}

// Decoder reads directives written by a Channel.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new directive decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	const maxCapacity = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next directive. It returns io.EOF at end of stream.
func (d *Decoder) Decode() (Message, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return Message{}, fmt.Errorf("scan error: %w", err)
		}
		return Message{}, io.EOF
	}
	return ParseLine(d.r.Text())
}

// DecodeAll reads directives until end of stream.
func (d *Decoder) DecodeAll() ([]Message, error) {
	var msgs []Message
	for {
		msg, err := d.Decode()
		if err == io.EOF {
			return msgs, nil
		}
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
}
