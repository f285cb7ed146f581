package processor

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/adred-codev/odin-ingest/internal/market"
)

// backupScanBuffer bounds one backed-up batch line on read-back.
const backupScanBuffer = 16 << 20

// backupFile holds batches the store refused. Each failed batch is one
// newline-delimited JSON array, appended and fsynced so an abrupt exit
// cannot lose an acknowledged batch.
type backupFile struct {
	path   string
	logger zerolog.Logger
	mu     sync.Mutex
}

func newBackupFile(path string, logger zerolog.Logger) *backupFile {
	return &backupFile{
		path:   path,
		logger: logger.With().Str("component", "backup").Logger(),
	}
}

// Append writes the batch as one line and fsyncs before returning.
func (b *backupFile) Append(batch []market.ProcessedRecord) error {
	if len(batch) == 0 {
		return nil
	}
	line, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode backup batch: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("backup dir: %w", err)
		}
	}
	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync backup: %w", err)
	}
	b.logger.Warn().Int("records", len(batch)).Str("path", b.path).Msg("batch written to backup")
	return nil
}

// Drain replays every backed-up batch through write and unlinks the
// file once all of them landed. A mid-drain failure leaves the file in
// place; store keys are idempotent, so the next drain re-applying the
// already-written prefix is harmless.
func (b *backupFile) Drain(write func(batch []market.ProcessedRecord) error) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open backup: %w", err)
	}

	restored := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), backupScanBuffer)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var batch []market.ProcessedRecord
		if err := json.Unmarshal(line, &batch); err != nil {
			// A torn line means the process died mid-append; skip it,
			// the batch was never acknowledged as backed up.
			b.logger.Warn().Err(err).Msg("skipping unreadable backup line")
			continue
		}
		if err := write(batch); err != nil {
			f.Close()
			return restored, fmt.Errorf("replay backup batch: %w", err)
		}
		restored += len(batch)
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return restored, fmt.Errorf("read backup: %w", scanErr)
	}

	if err := os.Remove(b.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return restored, fmt.Errorf("remove backup: %w", err)
	}
	return restored, nil
}

// Pending reports whether backed-up batches are waiting for replay.
func (b *backupFile) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, err := os.Stat(b.path)
	return err == nil && info.Size() > 0
}
