package stats

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"mdexp/internal/model"
)

const (
	EpochMonitorFile = "monitor.csv"
	StepMonitorFile  = "step_monitor.csv"
)

func monitorFile(kind string) (string, error) {
	switch kind {
	case model.MetricKindEpoch:
		return EpochMonitorFile, nil
	case model.MetricKindStep:
		return StepMonitorFile, nil
	default:
		return "", fmt.Errorf("unsupported metric kind: %s", kind)
	}
}

type monitorLog struct {
	file   *os.File
	writer *csv.Writer
}

// Monitor writes metric rows as CSV into a run's log directory: epoch rows
// to monitor.csv and step rows to step_monitor.csv, one column per declared
// key. Checkpoints are written next to them as .ckpt files.
type Monitor struct {
	logDir string
	keys   []string

	mu   sync.Mutex
	logs map[string]*monitorLog
}

// OpenMonitor prepares both monitor files. With resume, existing files are
// appended to and keep their header; otherwise they are truncated.
func OpenMonitor(logDir string, keys []string, resume bool) (*Monitor, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("monitor keys are required")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	m := &Monitor{logDir: logDir, keys: append([]string(nil), keys...), logs: make(map[string]*monitorLog, 2)}
	for _, kind := range []string{model.MetricKindEpoch, model.MetricKindStep} {
		name, _ := monitorFile(kind)
		log, err := openMonitorLog(filepath.Join(logDir, name), m.keys, resume)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.logs[kind] = log
	}
	return m, nil
}

func openMonitorLog(path string, keys []string, resume bool) (*monitorLog, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resume {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(keys); err != nil {
			_ = file.Close()
			return nil, err
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return &monitorLog{file: file, writer: writer}, nil
}

func (m *Monitor) LogDir() string { return m.logDir }

func (m *Monitor) AppendMetric(_ context.Context, row model.MetricRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[row.Kind]
	if !ok {
		if _, err := monitorFile(row.Kind); err != nil {
			return err
		}
		return errors.New("monitor is closed")
	}
	record := make([]string, len(m.keys))
	for i, key := range m.keys {
		if value, ok := row.Values[key]; ok {
			record[i] = strconv.FormatFloat(value, 'f', -1, 64)
		}
	}
	if err := log.writer.Write(record); err != nil {
		return err
	}
	log.writer.Flush()
	return log.writer.Error()
}

func (m *Monitor) SaveCheckpoint(_ context.Context, ckpt model.Checkpoint) error {
	_, err := WriteCheckpoint(m.logDir, ckpt)
	return err
}

func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for kind, log := range m.logs {
		log.writer.Flush()
		errs = append(errs, log.writer.Error(), log.file.Close())
		delete(m.logs, kind)
	}
	return errors.Join(errs...)
}

// ReadMonitor loads the rows of a monitor file. Empty cells are left out of
// the row values.
func ReadMonitor(logDir, kind string) ([]model.MetricRow, error) {
	name, err := monitorFile(kind)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(logDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	var rows []model.MetricRow
	for seq := 0; ; seq++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row := model.MetricRow{Kind: kind, Seq: seq, Values: make(map[string]float64, len(header))}
		for i, cell := range record {
			if cell == "" || i >= len(header) {
				continue
			}
			value, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("%s row %d column %s: %w", name, seq, header[i], err)
			}
			row.Values[header[i]] = value
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// LastEpoch is the epoch of the last row in monitor.csv, or zero when the
// run has not logged an epoch yet.
func LastEpoch(logDir string) (int, error) {
	rows, err := ReadMonitor(logDir, model.MetricKindEpoch)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	epoch, ok := rows[len(rows)-1].Values["epoch"]
	if !ok {
		return 0, nil
	}
	return int(epoch), nil
}
