package journal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/skyfold/nbworker/pkg/types"
)

var (
	attemptsBucket = []byte("attempts")
	reportsBucket  = []byte("reports")
	resultsBucket  = []byte("results")
)

// maxStoredResults bounds the diagnostics history.
const maxStoredResults = 200

// Journal is the worker's local record of job attempts and reported
// results. It survives process restarts, which is what makes report
// deduplication work across a crash between publishing a result and
// settling the delivery.
type Journal struct {
	db *bolt.DB
}

// Open opens or creates the journal file.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{attemptsBucket, reportsBucket, resultsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// attemptRecord is what RecordAttempt persists.
type attemptRecord struct {
	Attempt   int       `json:"attempt"`
	StartTime time.Time `json:"start_time"`
}

// RecordAttempt notes that a delivery attempt for a job has begun.
func (j *Journal) RecordAttempt(jobID string, attempt int, start time.Time) error {
	payload, err := json.Marshal(attemptRecord{Attempt: attempt, StartTime: start})
	if err != nil {
		return fmt.Errorf("failed to encode attempt record: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(attemptsBucket).Put([]byte(jobID), payload)
	})
}

// LastAttempt returns the most recently recorded attempt for a job, or
// zero when the job is unknown.
func (j *Journal) LastAttempt(jobID string) (int, error) {
	var attempt int
	err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(attemptsBucket).Get([]byte(jobID))
		if raw == nil {
			return nil
		}
		var record attemptRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("corrupt attempt record for %s: %w", jobID, err)
		}
		attempt = record.Attempt
		return nil
	})
	return attempt, err
}

func reportKey(jobID string, attempt int) []byte {
	return []byte(jobID + ":" + strconv.Itoa(attempt))
}

// MarkReported records that this job attempt's result was published.
// Returns false when the attempt was already marked, in which case the
// caller must not publish again.
func (j *Journal) MarkReported(jobID string, attempt int) (bool, error) {
	first := false
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(reportsBucket)
		key := reportKey(jobID, attempt)
		if bucket.Get(key) != nil {
			return nil
		}
		first = true
		return bucket.Put(key, []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
	return first, err
}

// RecordResult appends a result to the bounded diagnostics history.
func (j *Journal) RecordResult(result *types.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(resultsBucket)

		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		for i := 0; i < 8; i++ {
			key[7-i] = byte(seq >> (8 * i))
		}
		if err := bucket.Put(key, payload); err != nil {
			return err
		}

		// Drop oldest entries beyond the cap.
		count := 0
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			count++
		}
		for k, _ := cursor.First(); k != nil && count > maxStoredResults; k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return err
			}
			count--
		}
		return nil
	})
}

// RecentResults returns up to limit results, newest first.
func (j *Journal) RecentResults(limit int) ([]types.Result, error) {
	var results []types.Result
	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(resultsBucket).Cursor()
		for k, v := cursor.Last(); k != nil && len(results) < limit; k, v = cursor.Prev() {
			var result types.Result
			if err := json.Unmarshal(v, &result); err != nil {
				return fmt.Errorf("corrupt result record: %w", err)
			}
			results = append(results, result)
		}
		return nil
	})
	return results, err
}
