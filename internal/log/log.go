// Package log wires the process-wide [slog.Logger] handlers used across the
// transaction and STUN packages.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/golang-cz/devslog"
	console "github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(c net.Conn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.Any("local_addr", c.LocalAddr()),
			slog.Any("remote_addr", c.RemoteAddr()),
		)
	}),
	slogformatter.FormatByType(func(c net.PacketConn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.Any("local_addr", c.LocalAddr()),
		)
	}),
)

// Default is the logger handed to transactions and STUN sessions that were
// not given an explicit *slog.Logger in their options.
var Default = slog.New(newHandler(
	console.NewHandler(os.Stdout, &console.HandlerOptions{
		Level:      slog.LevelInfo,
		TimeFormat: time.RFC3339Nano,
	}),
))

// Dev is a verbose, human-oriented handler useful while developing new
// transaction states or retransmit schedules.
var Dev = slog.New(newHandler(
	devslog.NewHandler(os.Stdout, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{Level: slog.LevelDebug},
		SortKeys:       true,
		TimeFormat:     time.RFC3339Nano,
	}),
))

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (noopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h noopHandler) WithGroup(string) slog.Handler            { return h }

// Noop discards everything; used as the logger default in tests that assert
// on timing rather than log output.
var Noop = slog.New(noopHandler{})
