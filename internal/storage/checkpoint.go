package storage

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"

	"go.uber.org/zap"

	"github.com/yourorg/blocksync/internal/blocklist"
)

// Object names within a job's folder. Report transcripts are write-only
// evidence of what was sent to the provider.
const (
	labelsDiffObject          = "labels_diff.csv"
	ordersDiffObject          = "orders_diff.csv"
	unblockablesObject        = "unblockable_domains.csv"
	ReportOrdersInProgress    = "orders_in_progress.json"
	ReportOrdersCompleted     = "orders_completed.json"
	ReportUnblockablesAdded   = "unblockables_added.json"
	ReportUnblockablesRemoved = "unblockables_removed.json"
)

func listObject(lt blocklist.ListType) string { return string(lt) + ".csv" }

// CheckpointStore gives each sync job a folder of durable artifacts so an
// interrupted run can resume from its last persisted stage.
type CheckpointStore struct {
	store ObjectStore
	log   *zap.Logger
}

func NewCheckpointStore(store ObjectStore, log *zap.Logger) *CheckpointStore {
	return &CheckpointStore{store: store, log: log}
}

// SaveList streams one downloaded list into the job folder, hashing the
// bytes as they are written. The returned digest is the lowercase hex
// SHA-256 of exactly what was persisted.
func (c *CheckpointStore) SaveList(ctx context.Context, jobName string, lt blocklist.ListType, src io.Reader) (string, error) {
	w, err := c.store.Create(ctx, path.Join(jobName, listObject(lt)))
	if err != nil {
		return "", err
	}
	h := sha256.New()
	bw := bufio.NewWriterSize(w, 1<<20)
	n, err := io.Copy(io.MultiWriter(bw, h), src)
	if err != nil {
		w.Close()
		return "", fmt.Errorf("save %s: %w", lt, err)
	}
	if err := bw.Flush(); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	sum := hex.EncodeToString(h.Sum(nil))
	c.log.Info("list persisted",
		zap.String("job", jobName),
		zap.String("listType", string(lt)),
		zap.Int64("bytes", n),
		zap.String("checksum", sum))
	return sum, nil
}

// ReadListLines replays a persisted list line by line.
func (c *CheckpointStore) ReadListLines(ctx context.Context, jobName string, lt blocklist.ListType, fn func(line string) error) error {
	return c.readLines(ctx, path.Join(jobName, listObject(lt)), fn)
}

// SaveReport stores a provider request transcript under the job folder.
// Multiple payloads are separated by newlines.
func (c *CheckpointStore) SaveReport(ctx context.Context, jobName, name string, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	w, err := c.store.Create(ctx, path.Join(jobName, name))
	if err != nil {
		return err
	}
	if _, err := w.Write(bytes.Join(payloads, []byte("\n"))); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// NewLabelWriter opens the job's label diff for writing.
func (c *CheckpointStore) NewLabelWriter(ctx context.Context, jobName string) (*LabelWriter, error) {
	lw, err := c.newLineWriter(ctx, path.Join(jobName, labelsDiffObject))
	if err != nil {
		return nil, err
	}
	return &LabelWriter{lw: lw}, nil
}

// NewOrderWriter opens the job's order diff for writing.
func (c *CheckpointStore) NewOrderWriter(ctx context.Context, jobName string) (*OrderWriter, error) {
	lw, err := c.newLineWriter(ctx, path.Join(jobName, ordersDiffObject))
	if err != nil {
		return nil, err
	}
	return &OrderWriter{lw: lw}, nil
}

// NewUnblockableWriter opens the job's unblockable domain stream for writing.
func (c *CheckpointStore) NewUnblockableWriter(ctx context.Context, jobName string) (*UnblockableWriter, error) {
	lw, err := c.newLineWriter(ctx, path.Join(jobName, unblockablesObject))
	if err != nil {
		return nil, err
	}
	return &UnblockableWriter{lw: lw}, nil
}

// ReadLabels replays the job's label diff.
func (c *CheckpointStore) ReadLabels(ctx context.Context, jobName string, fn func(blocklist.Label) error) error {
	return c.readLines(ctx, path.Join(jobName, labelsDiffObject), func(line string) error {
		l, err := blocklist.ParseLabel(line)
		if err != nil {
			return err
		}
		return fn(l)
	})
}

// ReadOrders replays the job's order diff.
func (c *CheckpointStore) ReadOrders(ctx context.Context, jobName string, fn func(blocklist.Order) error) error {
	return c.readLines(ctx, path.Join(jobName, ordersDiffObject), func(line string) error {
		o, err := blocklist.ParseOrder(line)
		if err != nil {
			return err
		}
		return fn(o)
	})
}

// ReadUnblockables replays the job's unblockable domain stream.
func (c *CheckpointStore) ReadUnblockables(ctx context.Context, jobName string, fn func(blocklist.UnblockableDomain) error) error {
	return c.readLines(ctx, path.Join(jobName, unblockablesObject), func(line string) error {
		u, err := blocklist.ParseUnblockableDomain(line)
		if err != nil {
			return err
		}
		return fn(u)
	})
}

func (c *CheckpointStore) readLines(ctx context.Context, name string, fn func(string) error) error {
	r, err := c.store.OpenReader(ctx, name)
	if err != nil {
		return err
	}
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024), 1024*1024)
	for sc.Scan() {
		if err := fn(sc.Text()); err != nil {
			return err
		}
	}
	return sc.Err()
}

type lineWriter struct {
	w  io.WriteCloser
	bw *bufio.Writer
}

func (c *CheckpointStore) newLineWriter(ctx context.Context, name string) (*lineWriter, error) {
	w, err := c.store.Create(ctx, name)
	if err != nil {
		return nil, err
	}
	return &lineWriter{w: w, bw: bufio.NewWriterSize(w, 1<<20)}, nil
}

func (l *lineWriter) writeLine(s string) error {
	if _, err := l.bw.WriteString(s); err != nil {
		return err
	}
	return l.bw.WriteByte('\n')
}

func (l *lineWriter) Close() error {
	if err := l.bw.Flush(); err != nil {
		l.w.Close()
		return err
	}
	return l.w.Close()
}

// LabelWriter serializes label records into a checkpoint object.
type LabelWriter struct {
	lw *lineWriter
	n  int
}

func (w *LabelWriter) Write(l blocklist.Label) error {
	s, err := l.Serialize()
	if err != nil {
		return err
	}
	w.n++
	return w.lw.writeLine(s)
}

// Count returns the records written so far.
func (w *LabelWriter) Count() int { return w.n }

func (w *LabelWriter) Close() error { return w.lw.Close() }

// OrderWriter serializes order records into a checkpoint object.
type OrderWriter struct {
	lw *lineWriter
	n  int
}

func (w *OrderWriter) Write(o blocklist.Order) error {
	s, err := o.Serialize()
	if err != nil {
		return err
	}
	w.n++
	return w.lw.writeLine(s)
}

func (w *OrderWriter) Count() int { return w.n }

func (w *OrderWriter) Close() error { return w.lw.Close() }

// UnblockableWriter serializes unblockable domain records into a
// checkpoint object.
type UnblockableWriter struct {
	lw *lineWriter
	n  int
}

func (w *UnblockableWriter) Write(u blocklist.UnblockableDomain) error {
	s, err := u.Serialize()
	if err != nil {
		return err
	}
	w.n++
	return w.lw.writeLine(s)
}

func (w *UnblockableWriter) Count() int { return w.n }

func (w *UnblockableWriter) Close() error { return w.lw.Close() }
