package training

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/tsawler/go-detect/checkpoints"
)

// MetricLogHeader is the column layout of the per-epoch metric log.
var MetricLogHeader = []string{"epoch", "box", "cls", "dfl", "Recall", "Precision", "mAP@50", "mAP"}

// EpochRecord is one row of the metric log.
type EpochRecord struct {
	Epoch     int // 1-based
	Box       float64
	Cls       float64
	DFL       float64
	Recall    float64
	Precision float64
	MAP50     float64
	MAP       float64
}

func (r EpochRecord) row() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }
	return []string{
		fmt.Sprintf("%03d", r.Epoch),
		f(r.Box), f(r.Cls), f(r.DFL),
		f(r.Recall), f(r.Precision), f(r.MAP50), f(r.MAP),
	}
}

func parseRecord(row []string) (EpochRecord, error) {
	if len(row) != len(MetricLogHeader) {
		return EpochRecord{}, fmt.Errorf("expected %d columns, got %d", len(MetricLogHeader), len(row))
	}
	epoch, err := strconv.Atoi(row[0])
	if err != nil {
		return EpochRecord{}, fmt.Errorf("invalid epoch %q", row[0])
	}
	vals := make([]float64, 7)
	for i := range vals {
		if vals[i], err = strconv.ParseFloat(row[i+1], 64); err != nil {
			return EpochRecord{}, fmt.Errorf("invalid %s value %q", MetricLogHeader[i+1], row[i+1])
		}
	}
	return EpochRecord{
		Epoch: epoch,
		Box:   vals[0], Cls: vals[1], DFL: vals[2],
		Recall: vals[3], Precision: vals[4], MAP50: vals[5], MAP: vals[6],
	}, nil
}

// MetricLog is the append-only CSV log of epoch metrics. Each row is
// flushed and synced before Append returns, so the file on disk always ends
// with the last completed epoch.
type MetricLog struct {
	file   *os.File
	writer *csv.Writer
}

// CreateMetricLog truncates path and writes the header.
func CreateMetricLog(path string) (*MetricLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create metric log")
	}
	l := &MetricLog{file: f, writer: csv.NewWriter(f)}
	if err := l.write(MetricLogHeader); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// OpenMetricLog continues an existing log, keeping only the rows of epochs
// before nextEpoch (1-based). The kept rows replace the file in a single
// rename, so a crash leaves either the old or the new log. A missing file is
// created.
func OpenMetricLog(path string, nextEpoch int) (*MetricLog, error) {
	records, err := ReadMetricLog(path)
	if errors.Is(err, os.ErrNotExist) {
		return CreateMetricLog(path)
	}
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write(MetricLogHeader)
	for _, r := range records {
		if r.Epoch >= nextEpoch {
			break
		}
		w.Write(r.row())
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "failed to encode metric log")
	}
	if err := checkpoints.WriteFileAtomic(path, buf.Bytes(), 0644); err != nil {
		return nil, errors.Wrap(err, "failed to rewrite metric log")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open metric log")
	}
	return &MetricLog{file: f, writer: csv.NewWriter(f)}, nil
}

// Append writes one epoch row.
func (l *MetricLog) Append(r EpochRecord) error {
	return l.write(r.row())
}

func (l *MetricLog) write(row []string) error {
	if err := l.writer.Write(row); err != nil {
		return errors.Wrap(err, "failed to write metric log")
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return errors.Wrap(err, "failed to flush metric log")
	}
	if err := l.file.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync metric log")
	}
	return nil
}

// Close closes the underlying file.
func (l *MetricLog) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadMetricLog parses a metric log written by MetricLog.
func ReadMetricLog(path string) ([]EpochRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readMetricLog(f)
}

func readMetricLog(r io.Reader) ([]EpochRecord, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse metric log")
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var records []EpochRecord
	for i, row := range rows[1:] {
		rec, err := parseRecord(row)
		if err != nil {
			return nil, errors.WithMessagef(err, "metric log row %d", i+2)
		}
		records = append(records, rec)
	}
	return records, nil
}
