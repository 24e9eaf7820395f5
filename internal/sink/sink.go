// Package sink forwards formatted sample rows to network consumers.
//
// A row is the CSV record produced by myoctl: the row kind, milliseconds
// since the stream started, then the values. Sinks send it as an Event.
package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("sink closed")

// Sink receives sample rows.
type Sink interface {
	Write(rec []string) error
	Close() error
}

// Event is the JSON form of a row.
type Event struct {
	Kind   string        `json:"kind"`
	Millis json.Number   `json:"ms"`
	Values []json.Number `json:"values"`
}

// EventFromRecord converts a row. Values must be numeric.
func EventFromRecord(rec []string) (Event, error) {
	if len(rec) < 2 {
		return Event{}, fmt.Errorf("record needs a kind and a timestamp, got %d fields", len(rec))
	}
	ev := Event{Kind: rec[0], Millis: json.Number(rec[1]), Values: make([]json.Number, 0, len(rec)-2)}
	for _, v := range rec[2:] {
		ev.Values = append(ev.Values, json.Number(v))
	}
	if _, err := ev.Millis.Int64(); err != nil {
		return Event{}, fmt.Errorf("record timestamp %q: %w", rec[1], err)
	}
	for _, v := range ev.Values {
		if _, err := v.Float64(); err != nil {
			return Event{}, fmt.Errorf("record value %q: %w", v, err)
		}
	}
	return ev, nil
}

// Fanout writes each row to every sink. A failing sink does not stop the others.
type Fanout struct {
	sinks  []Sink
	logger *logrus.Logger
}

// NewFanout combines sinks; nil entries are skipped.
func NewFanout(logger *logrus.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	f := &Fanout{logger: logger}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len returns the number of sinks.
func (f *Fanout) Len() int {
	return len(f.sinks)
}

func (f *Fanout) Write(rec []string) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Write(rec); err != nil {
			f.logger.WithFields(logrus.Fields{
				"sink":  fmt.Sprintf("%T", s),
				"error": err,
			}).Debug("Sink write failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
