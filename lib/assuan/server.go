// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/pinentry/lib/secret"
)

var (
	// ErrClosed is returned by Process once the peer said BYE or closed
	// its end of the stream.
	ErrClosed = errors.New("assuan: connection closed")

	// ErrNoMoreConnections is returned by Accept after the single
	// connection of a context has been accepted.
	ErrNoMoreConnections = errors.New("assuan: no more connections")

	// ErrDuplicateCommand is returned when a verb is registered twice.
	ErrDuplicateCommand = errors.New("assuan: command already registered")

	// ErrRegistrationClosed is returned by Register once the context
	// has started processing commands.
	ErrRegistrationClosed = errors.New("assuan: command table is frozen")
)

// FirstCommandID is the first id handed out by Register. Lower ids are
// reserved for the built-in commands.
const FirstCommandID = 256

// DefaultGreeting is the text of the OK line sent when a connection is
// accepted.
const DefaultGreeting = "Pleased to meet you"

// Handler runs one command. args is the rest of the line after the
// verb, still percent-escaped. A nil return writes OK (after any D or S
// lines the handler sent); an error writes ERR.
type Handler func(ctx *Context, args string) error

// OptionHandler applies one OPTION command. Unknown names should return
// an *Error with code InvalidOption.
type OptionHandler func(ctx *Context, name, value string) error

// Command is a registered verb. Commands are immutable once registered.
type Command struct {
	Name    string
	ID      int
	Handler Handler
}

// Options configures a Context.
type Options struct {
	// Logger receives protocol traces at debug level. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Pool, when set, holds the scratch space for escaping secrets
	// into D and INQUIRE lines.
	Pool *secret.Pool

	// Greeting overrides DefaultGreeting.
	Greeting string
}

// Context is the state of one protocol connection: the two stream
// endpoints, the line in flight, the command and option tables, and
// the notify hooks. A Context serves exactly one connection.
type Context struct {
	input  io.Reader
	reader *Reader
	output io.Writer
	logger *slog.Logger
	pool   *secret.Pool

	commands      map[string]*Command
	nextID        int
	optionHandler OptionHandler

	greeting string
	okText   string
	line     []byte
	pointer  any

	confidential bool
	inCommand    bool
	inInquire    bool
	accepted     bool
	closed       bool
	frozen       bool

	inputFD  int
	outputFD int

	// afterResponse is set by built-in handlers whose notify hook must
	// run only after the response line went out.
	afterResponse func()

	onBye    func(*Context)
	onReset  func(*Context)
	onCancel func(*Context)
	onInput  func(*Context, int)
	onOutput func(*Context, int)
}

// NewServer returns a Context serving the given stream pair. A pipe
// server passes the process's inherited stdin and stdout; the Listener
// passes both ends of an accepted socket.
func NewServer(input io.Reader, output io.Writer, options Options) *Context {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	greeting := options.Greeting
	if greeting == "" {
		greeting = DefaultGreeting
	}

	c := &Context{
		input:    input,
		reader:   NewReader(input),
		output:   output,
		logger:   logger,
		pool:     options.Pool,
		commands: make(map[string]*Command),
		nextID:   FirstCommandID,
		greeting: greeting,
		inputFD:  -1,
		outputFD: -1,
	}
	c.registerBuiltins()
	return c
}

func (c *Context) registerBuiltins() {
	builtins := []struct {
		name    string
		handler Handler
	}{
		{"NOP", handleNop},
		{"CANCEL", handleCancel},
		{"BYE", handleBye},
		{"AUTH", handleNop},
		{"RESET", handleReset},
		{"OPTION", handleOption},
		{"DATA", handleData},
		{"END", handleEnd},
		{"INPUT", handleInput},
		{"OUTPUT", handleOutput},
		{"HELP", handleHelp},
	}
	for index, builtin := range builtins {
		c.commands[builtin.name] = &Command{Name: builtin.name, ID: index + 1, Handler: builtin.handler}
	}
}

// Register adds a command with an id from FirstCommandID upwards and
// returns the id.
func (c *Context) Register(name string, handler Handler) (int, error) {
	return c.RegisterWithID(name, 0, handler)
}

// RegisterWithID adds a command with an explicit id; id 0 means assign
// one. Registering a verb that already exists fails with
// ErrDuplicateCommand and leaves the existing command in place.
func (c *Context) RegisterWithID(name string, id int, handler Handler) (int, error) {
	if c.frozen {
		return 0, ErrRegistrationClosed
	}
	if name == "" || strings.ContainsAny(name, " \t") {
		return 0, fmt.Errorf("assuan: invalid command name %q", name)
	}
	if handler == nil {
		return 0, fmt.Errorf("assuan: nil handler for %q", name)
	}
	if _, exists := c.commands[name]; exists {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateCommand, name)
	}
	if id == 0 {
		id = c.nextID
		c.nextID++
	}
	c.commands[name] = &Command{Name: name, ID: id, Handler: handler}
	return id, nil
}

// Lookup returns the command registered under name.
func (c *Context) Lookup(name string) (*Command, bool) {
	command, ok := c.commands[name]
	return command, ok
}

// RegisterOptionHandler installs the handler for OPTION commands.
func (c *Context) RegisterOptionHandler(handler OptionHandler) {
	c.optionHandler = handler
}

// OnBye registers a hook run after BYE has been answered.
func (c *Context) OnBye(hook func(*Context)) { c.onBye = hook }

// OnReset registers a hook run after RESET has been answered. Use it to
// clear request-scoped state.
func (c *Context) OnReset(hook func(*Context)) { c.onReset = hook }

// OnCancel registers a hook run after CANCEL has been answered.
func (c *Context) OnCancel(hook func(*Context)) { c.onCancel = hook }

// OnInput registers a hook run after INPUT FD=n has been answered.
func (c *Context) OnInput(hook func(*Context, int)) { c.onInput = hook }

// OnOutput registers a hook run after OUTPUT FD=n has been answered.
func (c *Context) OnOutput(hook func(*Context, int)) { c.onOutput = hook }

// SetPointer attaches handler state to the context.
func (c *Context) SetPointer(pointer any) { c.pointer = pointer }

// Pointer returns the state attached with SetPointer.
func (c *Context) Pointer() any { return c.pointer }

// Logger returns the context's logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Pool returns the secure pool configured for the context, if any.
func (c *Context) Pool() *secret.Pool { return c.pool }

// Line returns a copy of the line currently being processed.
func (c *Context) Line() []byte { return append([]byte(nil), c.line...) }

// BeginConfidential stops line contents from being logged until
// EndConfidential.
func (c *Context) BeginConfidential() { c.confidential = true }

// EndConfidential re-enables logging of line contents.
func (c *Context) EndConfidential() { c.confidential = false }

// Confidential reports whether line logging is suppressed.
func (c *Context) Confidential() bool { return c.confidential }

// SetOKText sets the text of the OK line that ends the current command.
func (c *Context) SetOKText(text string) { c.okText = text }

// InputFD returns the descriptor set by INPUT FD=n, or -1.
func (c *Context) InputFD() int { return c.inputFD }

// OutputFD returns the descriptor set by OUTPUT FD=n, or -1.
func (c *Context) OutputFD() int { return c.outputFD }

// PendingLine reports whether another complete command is already
// buffered.
func (c *Context) PendingLine() bool { return c.reader.PendingLine() }

// Closed reports whether the connection has ended.
func (c *Context) Closed() bool { return c.closed }

// Accept establishes the connection by sending the greeting. A context
// carries a single connection: the first call succeeds, later calls
// return ErrNoMoreConnections so a caller's outer loop knows to stop.
func (c *Context) Accept() error {
	if c.accepted {
		return ErrNoMoreConnections
	}
	c.accepted = true
	c.frozen = true
	return c.writeResponse("OK", c.greeting)
}

// Process reads one line and dispatches it. Protocol errors in the line
// itself and command failures are answered with ERR and do not end the
// connection; Process then returns nil. It returns ErrClosed after BYE
// or end of input, and a *Error with ReadError or WriteError when the
// stream fails.
func (c *Context) Process() error {
	if c.closed {
		return ErrClosed
	}
	c.frozen = true

	line, err := c.reader.ReadLine()
	if err != nil {
		return c.handleReadError(err)
	}
	c.line = line
	defer func() { c.line = nil }()
	c.traceIn(line)
	return c.dispatch(line)
}

func (c *Context) handleReadError(err error) error {
	if errors.Is(err, io.EOF) {
		c.logger.Debug("peer closed the connection")
		c.closed = true
		return ErrClosed
	}

	code := CodeOf(err)
	switch code {
	case LineTooLong:
		c.logger.Debug("rejecting overlong line")
		return c.writeError(err)
	case LineNotTerminated:
		c.logger.Debug("peer closed the connection mid-line")
		writeErr := c.writeError(err)
		c.closed = true
		if writeErr != nil {
			return writeErr
		}
		return ErrClosed
	default:
		c.closed = true
		return err
	}
}

func (c *Context) dispatch(raw []byte) error {
	if len(raw) == 0 {
		return c.writeError(NewError(SyntaxError, "empty line"))
	}

	parsed := ParseLine(raw)
	switch parsed.Kind {
	case KindComment:
		return nil
	case KindData, KindOK, KindErr, KindCancel, KindStatus, KindInquire:
		return c.writeError(Errorf(UnexpectedCommand, "unexpected %s line", parsed.Kind))
	}

	command, ok := c.commands[parsed.Verb]
	if !ok {
		return c.writeError(NewError(UnknownCommand, ""))
	}

	c.okText = ""
	c.afterResponse = nil
	c.inCommand = true
	handlerErr := command.Handler(c, parsed.Args)
	c.inCommand = false

	// A stream failure inside the handler (an inquiry that lost its
	// peer) leaves nothing to answer.
	if handlerErr != nil && c.closed && isStreamError(handlerErr) {
		return handlerErr
	}

	var responseErr error
	if handlerErr != nil {
		c.logger.Debug("command failed", "command", command.Name, "error", handlerErr)
		responseErr = c.writeError(handlerErr)
	} else {
		responseErr = c.writeResponse("OK", c.okText)
	}
	if responseErr != nil {
		return responseErr
	}

	if hook := c.afterResponse; hook != nil {
		c.afterResponse = nil
		hook()
	}
	if c.closed {
		return ErrClosed
	}
	return nil
}

// isStreamError reports whether err came from the underlying stream
// rather than from command semantics.
func isStreamError(err error) bool {
	code := CodeOf(err)
	return code == ReadError || code == WriteError
}

// peerGone reports whether err is a stream error caused by the peer
// hanging up: end of stream, a closed connection, a broken pipe or a
// reset. Serve surfaces these when a client drops its socket while a
// dialog is open or an inquiry is pending.
func peerGone(err error) bool {
	if !isStreamError(err) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno == unix.EPIPE || errno == unix.ECONNRESET
	}
	return false
}

// Serve accepts the connection and processes commands until the peer
// leaves, ctx is cancelled between commands, or the stream fails.
func (c *Context) Serve(ctx context.Context) error {
	for {
		if err := c.Accept(); err != nil {
			if errors.Is(err, ErrNoMoreConnections) {
				return nil
			}
			return err
		}
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := c.Process()
			if errors.Is(err, ErrClosed) {
				break
			}
			if err != nil {
				return err
			}
		}
	}
}

// SendStatus writes an out-of-band "S keyword text" line.
func (c *Context) SendStatus(keyword, text string) error {
	if text == "" {
		return c.writeResponse("S", keyword)
	}
	return c.writeResponse("S", keyword+" "+text)
}

// SendComment writes a "# text" line.
func (c *Context) SendComment(text string) error {
	line := "# " + truncatePayload("# ", text)
	return c.writeRaw([]byte(line+"\n"), line)
}

// SendData writes data as one or more D lines, percent-escaping as
// needed and splitting so no line exceeds MaxLineLength. The escaped
// lines are assembled in pool memory when a pool is configured, and
// wiped after writing either way. Line contents are never logged.
func (c *Context) SendData(data []byte) error {
	for len(data) > 0 {
		chunk := dataChunk(data, MaxPayloadLength-2)
		if err := c.writeSecretLine("D ", data[:chunk]); err != nil {
			return err
		}
		data = data[chunk:]
	}
	return nil
}

// dataChunk returns how many leading bytes of data fit in room bytes
// once escaped.
func dataChunk(data []byte, room int) int {
	used := 0
	for index, b := range data {
		width := 1
		if needsEscape(b) {
			width = 3
		}
		if used+width > room {
			return index
		}
		used += width
	}
	return len(data)
}

// writeSecretLine writes prefix, escaped payload and LF as one write.
func (c *Context) writeSecretLine(prefix string, payload []byte) error {
	size := len(prefix) + EscapedLen(payload) + 1

	var line []byte
	if c.pool != nil {
		scratch, err := c.pool.Alloc(size)
		if err != nil {
			return err
		}
		defer scratch.Close()
		line = scratch.Bytes()
	} else {
		line = make([]byte, size)
		defer secret.Zero(line)
	}

	copy(line, prefix)
	written := EscapeInto(line[len(prefix):], payload)
	line[len(prefix)+written] = '\n'
	return c.writeRaw(line[:len(prefix)+written+1], strings.TrimSpace(prefix)+" [hidden]")
}

func (c *Context) writeError(err error) error {
	return c.writeResponse("ERR", FormatError(err))
}

// writeResponse writes "keyword[ text]", clipping text to fit one line.
func (c *Context) writeResponse(keyword, text string) error {
	line := keyword
	if text != "" {
		line = keyword + " " + truncatePayload(keyword+" ", strings.ReplaceAll(text, "\n", " "))
	}
	return c.writeRaw([]byte(line+"\n"), line)
}

func (c *Context) writeRaw(line []byte, trace string) error {
	c.traceOut(trace)
	if _, err := c.output.Write(line); err != nil {
		c.closed = true
		return Errorf(WriteError, "writing line: %w", err)
	}
	return nil
}

func (c *Context) traceIn(line []byte) {
	if c.confidential {
		c.logger.Debug("assuan <- [confidential]")
		return
	}
	c.logger.Debug("assuan <-", "line", string(line))
}

func (c *Context) traceOut(line string) {
	if c.confidential {
		c.logger.Debug("assuan -> [confidential]")
		return
	}
	c.logger.Debug("assuan ->", "line", line)
}

func handleNop(*Context, string) error { return nil }

func handleCancel(c *Context, _ string) error {
	c.afterResponse = func() {
		if c.onCancel != nil {
			c.onCancel(c)
		}
	}
	return nil
}

func handleBye(c *Context, _ string) error {
	c.afterResponse = func() {
		c.closed = true
		if c.onBye != nil {
			c.onBye(c)
		}
	}
	return nil
}

func handleReset(c *Context, _ string) error {
	c.afterResponse = func() {
		if c.onReset != nil {
			c.onReset(c)
		}
	}
	return nil
}

func handleData(*Context, string) error {
	return NewError(NotImplemented, "DATA is not supported, use D lines")
}

func handleEnd(*Context, string) error {
	return NewError(UnexpectedCommand, "END outside of an inquiry")
}

// parseFD accepts "FD=<n>".
func parseFD(args string) (int, error) {
	args = strings.TrimSpace(args)
	if args == "FD" {
		return -1, NewError(NotImplemented, "descriptor passing is not supported")
	}
	value, ok := strings.CutPrefix(args, "FD=")
	if !ok {
		return -1, NewError(SyntaxError, "FD=<n> expected")
	}
	fd, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || fd < 0 {
		return -1, NewError(SyntaxError, "invalid file descriptor")
	}
	return fd, nil
}

func handleInput(c *Context, args string) error {
	fd, err := parseFD(args)
	if err != nil {
		return err
	}
	c.inputFD = fd
	c.afterResponse = func() {
		if c.onInput != nil {
			c.onInput(c, fd)
		}
	}
	return nil
}

func handleOutput(c *Context, args string) error {
	fd, err := parseFD(args)
	if err != nil {
		return err
	}
	c.outputFD = fd
	c.afterResponse = func() {
		if c.onOutput != nil {
			c.onOutput(c, fd)
		}
	}
	return nil
}

// handleOption parses "name", "name=value", "name value", with an
// optional leading "--" on the name.
func handleOption(c *Context, args string) error {
	name, value, err := parseOption(args)
	if err != nil {
		return err
	}
	if c.optionHandler == nil {
		return Errorf(InvalidOption, "unknown option %q", name)
	}
	return c.optionHandler(c, name, value)
}

func parseOption(args string) (string, string, error) {
	args = strings.TrimSpace(args)
	args = strings.TrimPrefix(args, "--")
	if args == "" {
		return "", "", NewError(SyntaxError, "argument required")
	}
	if strings.HasPrefix(args, "-") {
		return "", "", NewError(SyntaxError, "option should not begin with one dash")
	}

	end := strings.IndexAny(args, "= \t")
	if end < 0 {
		return args, "", nil
	}
	name := args[:end]
	rest := strings.TrimLeft(args[end:], " \t")
	rest = strings.TrimPrefix(rest, "=")
	return name, strings.TrimLeft(rest, " \t"), nil
}

func handleHelp(c *Context, _ string) error {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.SendComment(name); err != nil {
			return err
		}
	}
	return nil
}
