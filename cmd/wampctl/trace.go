package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/trace"
)

// runTrace печатает записанную трассу: одна строка на кадр.
//
//	trace [-conn id] [-dir in|out] [-type call] <file>
func runTrace(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("trace", flag.ContinueOnError)
	fs.SetOutput(out)

	conn := fs.String("conn", "", "Only frames of this connection id")
	dir := fs.String("dir", "", "Only frames in this direction: in, out")
	msgType := fs.String("type", "", "Only messages of this type (name or code)")
	full := fs.Bool("full", false, "Print frame payloads")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("%w: trace [-conn id] [-dir in|out] [-type t] <file>", ErrUsage)
	}

	filter := trace.Filter{ConnectionID: *conn}

	switch strings.ToLower(*dir) {
	case "":
	case "in":
		d := wamp.DirectionIn
		filter.Direction = &d
	case "out":
		d := wamp.DirectionOut
		filter.Direction = &d
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrUsage, *dir)
	}

	if *msgType != "" {
		t, ok := wamp.ParseMessageType(*msgType)
		if !ok {
			return fmt.Errorf("%w: unknown message type %q", ErrUsage, *msgType)
		}
		filter.MessageType = t
	}

	r, err := trace.NewFilteredReader(fs.Arg(0), filter)
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}
	defer r.Close()

	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read trace: %w", err)
		}

		printEvent(out, ev, *full)
	}
}

func printEvent(w io.Writer, ev trace.Event, full bool) {
	name := ev.Kind.String()
	if ev.MessageType != 0 {
		name = ev.MessageType.String()
	}

	fmt.Fprintf(w, "%s %s %-3s %-12s %6d",
		ev.Timestamp.Format(time.RFC3339Nano), ev.ConnectionID, ev.Direction, name, ev.Size)

	if full && len(ev.Data) > 0 {
		fmt.Fprintf(w, " %s", ev.Data)
		if ev.Truncated {
			fmt.Fprint(w, "...")
		}
	}

	fmt.Fprintln(w)
}
