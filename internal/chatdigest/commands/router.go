// Package commands parses slash commands typed into a conversation and
// routes them to handlers.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bdobrica/chatdigest/internal/chatdigest/ingest"
)

// Prefix starts every command.
const Prefix = "/"

// Command is a parsed command.
type Command struct {
	Name string
	Args []string
	// Flags holds --name value pairs; a bare --name maps to "true".
	Flags map[string]string
	// RawArgs is everything after the command name, whitespace-trimmed.
	RawArgs string
}

// ErrNotACommand is returned by Parse when the text does not start with the
// prefix. Callers use errors.Is to tell it apart from real failures.
var ErrNotACommand = errors.New("not a command")

// ErrUnknownCommand is returned by Route for a well-formed command nobody
// registered.
var ErrUnknownCommand = errors.New("unknown command")

// Handler answers a command. A non-empty reply is posted back into the
// conversation the message came from.
type Handler func(ctx context.Context, cmd *Command, msg ingest.Message) (string, error)

// Router routes commands to handlers.
type Router struct {
	handlers map[string]Handler
	prefix   string
}

// NewRouter creates a router for prefix.
func NewRouter(prefix string) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		prefix:   prefix,
	}
}

// Register binds name (without prefix) to handler.
func (r *Router) Register(name string, handler Handler) {
	r.handlers[strings.ToLower(name)] = handler
}

// Names lists the registered command names, sorted.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsCommand reports whether text starts with the prefix.
func (r *Router) IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), r.prefix)
}

// Parse parses text into a command. A "@botname" suffix on the command name
// is dropped so "/stats@digestbot" and "/stats" are the same command.
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, r.prefix) {
		return nil, ErrNotACommand
	}
	text = strings.TrimPrefix(text, r.prefix)

	parts := strings.Fields(text)
	if len(parts) == 0 || strings.HasPrefix(text, " ") {
		return nil, fmt.Errorf("empty command")
	}

	name := parts[0]
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}

	cmd := &Command{
		Name:    strings.ToLower(name),
		Args:    []string{},
		Flags:   make(map[string]string),
		RawArgs: strings.TrimSpace(strings.TrimPrefix(text, parts[0])),
	}

	rest := parts[1:]
	for i := 0; i < len(rest); i++ {
		part := rest[i]
		if strings.HasPrefix(part, "--") && len(part) > 2 {
			flag := strings.TrimPrefix(part, "--")
			if i+1 < len(rest) && !strings.HasPrefix(rest[i+1], "--") {
				cmd.Flags[flag] = rest[i+1]
				i++
			} else {
				cmd.Flags[flag] = "true"
			}
			continue
		}
		cmd.Args = append(cmd.Args, part)
	}
	return cmd, nil
}

// Route parses text and runs the matching handler.
func (r *Router) Route(ctx context.Context, msg ingest.Message) (string, error) {
	cmd, err := r.Parse(msg.Text)
	if err != nil {
		return "", err
	}
	handler, ok := r.handlers[cmd.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s%s", ErrUnknownCommand, r.prefix, cmd.Name)
	}
	return handler(ctx, cmd, msg)
}

// GetFlag returns a flag value with a default.
func (c *Command) GetFlag(name, defaultValue string) string {
	if v, ok := c.Flags[name]; ok {
		return v
	}
	return defaultValue
}

// GetArg returns the positional argument at index.
func (c *Command) GetArg(index int) (string, bool) {
	if index < 0 || index >= len(c.Args) {
		return "", false
	}
	return c.Args[index], true
}
