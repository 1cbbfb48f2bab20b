package destinations

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/routing"
)

const defaultFilenameTemplate = "{{destination_id}}_{{date}}_{{batch_id}}"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newBatchID returns a time-sortable id for one delivered batch
func newBatchID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// FileConfig configures the file destination. Path is a directory, or "-"
// for stdout.
type FileConfig struct {
	Path             string   `json:"path" validate:"required"`
	Format           string   `json:"format" validate:"oneof=json jsonl csv"`
	FilenameTemplate string   `json:"filename_template"`
	Columns          []string `json:"columns"`
}

func (c *FileConfig) setDefaults() {
	if c.Format == "" {
		c.Format = "jsonl"
	}
	if c.FilenameTemplate == "" {
		c.FilenameTemplate = defaultFilenameTemplate
	}
}

// File writes each batch to its own file, or appends it to stdout
type File struct {
	id     string
	config FileConfig
	stdout io.Writer
	now    func() time.Time
	logger logging.Logger
	mu     sync.Mutex
}

func buildFile(_ context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
	var config FileConfig
	if err := decodeConfig(cfg.Config, &config); err != nil {
		return nil, err
	}
	return NewFile(cfg.ID, config, deps.Logger), nil
}

// NewFile creates a file destination from a validated config
func NewFile(id string, config FileConfig, logger logging.Logger) *File {
	config.setDefaults()
	return &File{
		id:     id,
		config: config,
		stdout: os.Stdout,
		now:    time.Now,
		logger: logging.OrGlobal(logger),
	}
}

// Deliver encodes the batch and writes it out
func (f *File) Deliver(ctx context.Context, records []record.Record) (int, error) {
	var buf bytes.Buffer
	if err := f.encode(&buf, records); err != nil {
		return 0, delivery.Permanent(err)
	}

	if f.config.Path == "-" {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, err := f.stdout.Write(buf.Bytes()); err != nil {
			return 0, delivery.Retryable(fmt.Errorf("failed to write to stdout: %w", err))
		}
		return len(records), nil
	}

	if err := os.MkdirAll(f.config.Path, 0o755); err != nil {
		return 0, delivery.Permanent(fmt.Errorf("failed to create directory %s: %w", f.config.Path, err))
	}

	name := filepath.Join(f.config.Path, f.filename())
	if err := os.WriteFile(name, buf.Bytes(), 0o644); err != nil {
		if os.IsPermission(err) {
			return 0, delivery.Permanent(fmt.Errorf("failed to write %s: %w", name, err))
		}
		return 0, delivery.Retryable(fmt.Errorf("failed to write %s: %w", name, err))
	}

	f.logger.WithContext(ctx).Debug("Wrote batch file",
		logging.String("file", name),
		logging.Int("records", len(records)),
	)
	return len(records), nil
}

func (f *File) filename() string {
	now := f.now().UTC()
	name := strings.NewReplacer(
		"{{date}}", now.Format("2006-01-02"),
		"{{destination_id}}", f.id,
		"{{batch_id}}", newBatchID(now),
	).Replace(f.config.FilenameTemplate)

	if filepath.Ext(name) == "" {
		name += "." + f.config.Format
	}
	return name
}

func (f *File) encode(w io.Writer, records []record.Record) error {
	switch f.config.Format {
	case "json":
		data, err := record.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode batch: %w", err)
		}
		_, err = w.Write(append(data, '\n'))
		return err
	case "csv":
		return f.encodeCSV(w, records)
	default:
		return record.EncodeLines(w, records)
	}
}

func (f *File) encodeCSV(w io.Writer, records []record.Record) error {
	columns := f.config.Columns
	if len(columns) == 0 {
		columns = unionKeys(records)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	row := make([]string, len(columns))
	for _, r := range records {
		for i, col := range columns {
			row[i] = stringField(r, col)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// unionKeys returns the sorted top-level keys present in any record
func unionKeys(records []record.Record) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
