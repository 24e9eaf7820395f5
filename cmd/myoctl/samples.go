package main

import (
	"strconv"
	"time"

	"github.com/srg/myolink/pkg/myo"
)

// Row kinds in the CSV output.
const (
	rowEmg         = "emg"
	rowImu         = "imu"
	rowAvgHalfSec  = "avg_500ms"
	rowAvgOneSec   = "avg_1s"
	rowAvgFiveSecs = "avg_5s"
)

// sampleFormatter renders samples as CSV records: row kind, milliseconds
// since start, then the values.
type sampleFormatter struct {
	start time.Time
	now   func() time.Time
}

func newSampleFormatter(now func() time.Time) sampleFormatter {
	return sampleFormatter{start: now(), now: now}
}

func (f sampleFormatter) prefix(kind string, n int) []string {
	rec := make([]string, 0, n+2)
	return append(rec, kind, strconv.FormatInt(f.now().Sub(f.start).Milliseconds(), 10))
}

func (f sampleFormatter) emg(s myo.EmgSample) []string {
	rec := f.prefix(rowEmg, len(s))
	for _, v := range s {
		rec = append(rec, strconv.Itoa(int(v)))
	}
	return rec
}

func (f sampleFormatter) imu(s myo.ImuSample) []string {
	rec := f.prefix(rowImu, 10)
	rec = appendFloats(rec, 4, s.Orientation[:]...)
	rec = appendFloats(rec, 4, s.Accelerometer[:]...)
	return appendFloats(rec, 4, s.Gyroscope[:]...)
}

func (f sampleFormatter) averages(a myo.EmgAverages) [][]string {
	return [][]string{
		appendFloats(f.prefix(rowAvgHalfSec, myo.Channels), 2, a.HalfSecond[:]...),
		appendFloats(f.prefix(rowAvgOneSec, myo.Channels), 2, a.OneSecond[:]...),
		appendFloats(f.prefix(rowAvgFiveSecs, myo.Channels), 2, a.FiveSecond[:]...),
	}
}

func appendFloats(rec []string, prec int, values ...float32) []string {
	for _, v := range values {
		rec = append(rec, strconv.FormatFloat(float64(v), 'f', prec, 32))
	}
	return rec
}
