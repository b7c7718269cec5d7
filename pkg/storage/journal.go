package storage

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/quantaledger/pkg/util"
)

// Journal receives one human readable line per processed quantum.
type Journal interface {
	Append(line string)
}

type NopJournal struct{}

func NewNopJournal() *NopJournal      { return &NopJournal{} }
func (j *NopJournal) Append(_ string) {}

// FileJournal appends lines to a file. Write errors never stop the writer;
// they are logged and counted.
type FileJournal struct {
	mu       sync.Mutex
	f        *os.File
	log      *zap.SugaredLogger
	failures uint64
}

func NewFileJournal(path string, log *zap.SugaredLogger) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f, log: util.OrNop(log)}, nil
}

func (j *FileJournal) Append(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := fmt.Fprintln(j.f, line); err != nil {
		j.failures++
		j.log.Warnw("journal_write_failed", "err", err, "failures", j.failures)
	}
}

// Failures returns how many lines could not be written.
func (j *FileJournal) Failures() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failures
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
