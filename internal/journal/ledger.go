package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"rendersync/internal/transfer"

	"go.etcd.io/bbolt"
)

var bucketTransfers = []byte("transfers")

// Ledger est le journal persistant. Il est sûr pour un usage concurrent
// (BoltDB sérialise les écritures).
type Ledger struct {
	config Config
	db     *bbolt.DB
}

// Open ouvre (ou crée) la base. Les entrées restées RUNNING d'un processus
// précédent sont marquées INTERRUPTED.
func Open(config Config) (*Ledger, error) {
	config.setDefaults()
	if config.Path == "" {
		return nil, errors.New("Path must be specified for the journal")
	}

	db, err := bbolt.Open(config.Path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database at %s: %w", config.Path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTransfers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create 'transfers' bucket: %w", err)
	}

	l := &Ledger{config: config, db: db}
	n, err := l.markInterrupted(time.Now())
	if err != nil {
		db.Close()
		return nil, err
	}
	config.Logger.Info("Journal opened", "db_path", config.Path, "interrupted", n)
	return l, nil
}

func (l *Ledger) Close() error {
	l.config.Logger.Debug("Closing journal")
	return l.db.Close()
}

// Begin enregistre une tâche qui démarre.
func (l *Ledger) Begin(e Entry) error {
	if e.TaskID == "" {
		return errors.New("journal entry needs a task id")
	}
	e.Status = StatusRunning
	if e.Started.IsZero() {
		e.Started = time.Now()
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketTransfers), e)
	})
}

// Finish enregistre l'issue d'une tâche. Une issue n'est jamais réécrite.
func (l *Ledger) Finish(taskID string, status Status, reason string, stats transfer.Stats, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finish task %s with status %s", taskID, status)
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTransfers)
		e, err := get(b, taskID)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			return fmt.Errorf("%w: task %s is %s", ErrAlreadyFinished, taskID, e.Status)
		}
		e.Status = status
		e.Reason = reason
		e.Stats = &stats
		e.Finished = at
		return put(b, e)
	})
}

func (l *Ledger) Get(taskID string) (Entry, error) {
	var e Entry
	err := l.db.View(func(tx *bbolt.Tx) error {
		var err error
		e, err = get(tx.Bucket(bucketTransfers), taskID)
		return err
	})
	return e, err
}

// List retourne les entrées filtrées, les plus récentes d'abord.
func (l *Ledger) List(f Filter) ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTransfers).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				l.config.Logger.Warn("Skipping undecodable journal entry", "task_id", string(k), "error", err)
				return nil
			}
			if f.Status != "" && e.Status != f.Status {
				return nil
			}
			if f.PeerID != "" && e.PeerID != f.PeerID {
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Prune supprime les entrées terminées avant olderThan.
func (l *Ledger) Prune(olderThan time.Time) (int, error) {
	removed := 0
	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTransfers)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if e.Status.Terminal() && !e.Finished.IsZero() && e.Finished.Before(olderThan) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return removed, nil
}

func (l *Ledger) markInterrupted(at time.Time) (int, error) {
	n := 0
	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTransfers)
		var running []Entry
		err := b.ForEach(func(_, v []byte) error {
			var e Entry
			if json.Unmarshal(v, &e) == nil && e.Status == StatusRunning {
				running = append(running, e)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, e := range running {
			e.Status = StatusInterrupted
			e.Reason = "process stopped while the transfer was running"
			e.Finished = at
			if err := put(b, e); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark interrupted entries: %w", err)
	}
	return n, nil
}

func put(b *bbolt.Bucket, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize journal entry %s: %w", e.TaskID, err)
	}
	return b.Put([]byte(e.TaskID), data)
}

func get(b *bbolt.Bucket, taskID string) (Entry, error) {
	var e Entry
	v := b.Get([]byte(taskID))
	if v == nil {
		return e, fmt.Errorf("%w: %s", ErrEntryNotFound, taskID)
	}
	if err := json.Unmarshal(v, &e); err != nil {
		return e, fmt.Errorf("failed to decode journal entry %s: %w", taskID, err)
	}
	return e, nil
}
