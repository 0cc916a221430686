// Package report renders event log queries as human-readable tables for
// the CLI. Timestamps are displayed in local time.
package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nugget/occupancyd/internal/eventlog"
)

const (
	timestampFormat = "2006-01-02 15:04:05"
	timeOnlyFormat  = "15:04:05"
	dateFormat      = "2006-01-02"
)

func statusWord(occupied bool) string {
	if occupied {
		return "PRESENT"
	}
	return "ABSENT"
}

func rule(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("-", 60))
}

// Recent writes the most recent events as a table, newest first.
func Recent(ctx context.Context, w io.Writer, store *eventlog.Store, limit int) error {
	events, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "No events recorded.")
		return nil
	}

	fmt.Fprintf(w, "Last %d occupancy events:\n", len(events))
	rule(w)
	fmt.Fprintf(w, "%-6s %-20s %s\n", "ID", "TIMESTAMP", "STATE")
	rule(w)
	for _, ev := range events {
		fmt.Fprintf(w, "%-6d %-20s %s\n",
			ev.ID, ev.Timestamp.Local().Format(timestampFormat), statusWord(ev.Occupied))
	}
	return nil
}

// Day writes all events within the given calendar day, oldest first.
func Day(ctx context.Context, w io.Writer, store *eventlog.Store, day time.Time) error {
	events, err := store.Day(ctx, day)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintf(w, "No events recorded on %s.\n", day.Format(dateFormat))
		return nil
	}

	fmt.Fprintf(w, "Occupancy events on %s:\n", day.Format(dateFormat))
	rule(w)
	fmt.Fprintf(w, "%-10s %s\n", "TIME", "STATE")
	rule(w)
	for _, ev := range events {
		fmt.Fprintf(w, "%-10s %s\n", ev.Timestamp.Local().Format(timeOnlyFormat), statusWord(ev.Occupied))
	}
	fmt.Fprintf(w, "Total: %d events\n", len(events))
	return nil
}

// Stats writes aggregate totals across the whole event log.
func Stats(ctx context.Context, w io.Writer, store *eventlog.Store) error {
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	if stats.Total == 0 {
		fmt.Fprintln(w, "No events recorded.")
		return nil
	}

	fmt.Fprintln(w, "Occupancy event statistics:")
	rule(w)
	fmt.Fprintf(w, "%-14s %d\n", "Total events:", stats.Total)
	fmt.Fprintf(w, "%-14s %d\n", "Presence:", stats.Presence)
	fmt.Fprintf(w, "%-14s %d\n", "Absence:", stats.Absence)
	fmt.Fprintf(w, "%-14s %s\n", "First event:", stats.First.Local().Format(timestampFormat))
	fmt.Fprintf(w, "%-14s %s\n", "Last event:", stats.Last.Local().Format(timestampFormat))
	fmt.Fprintf(w, "%-14s %d\n", "Days covered:", stats.Days)
	return nil
}
