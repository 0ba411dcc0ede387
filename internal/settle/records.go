package settle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Terminal records are kept around for operator inspection, then expire.
const terminalRecordTTL = 7 * 24 * time.Hour

// RecordStore persists settlement records in Redis so pending vouchers
// survive a restart. All writes happen on worker goroutines, never on the
// request path.
type RecordStore struct {
	rdb *redis.Client
}

func NewRecordStore(rdb *redis.Client) *RecordStore {
	return &RecordStore{rdb: rdb}
}

// Put writes the record and tracks it in the pending set while its outcome
// is pending.
func (s *RecordStore) Put(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	key := fmt.Sprintf(recordKeyFmt, rec.ID)
	if err := s.rdb.Set(ctx, key, string(raw), 0).Err(); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	if rec.Outcome == OutcomePending {
		return s.rdb.SAdd(ctx, pendingSetKey, rec.ID).Err()
	}
	return nil
}

// MarkConfirmed finalizes a record as settled on-chain.
func (s *RecordStore) MarkConfirmed(ctx context.Context, rec *Record, txHash string) error {
	rec.Outcome = OutcomeConfirmed
	rec.TxHash = txHash
	return s.finalize(ctx, rec)
}

// MarkFailed finalizes a record that will never settle.
func (s *RecordStore) MarkFailed(ctx context.Context, rec *Record, reason string) error {
	rec.Outcome = OutcomeFailed
	rec.FailReason = reason
	return s.finalize(ctx, rec)
}

func (s *RecordStore) finalize(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	key := fmt.Sprintf(recordKeyFmt, rec.ID)
	if err := s.rdb.Set(ctx, key, string(raw), terminalRecordTTL).Err(); err != nil {
		return fmt.Errorf("finalize record: %w", err)
	}
	return s.rdb.SRem(ctx, pendingSetKey, rec.ID).Err()
}

// PushDLQ appends a terminally rejected voucher to the payee's dead-letter
// list for operator review.
func (s *RecordStore) PushDLQ(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.rdb.RPush(ctx, fmt.Sprintf(dlqKeyFmt, rec.Auth.Server), string(raw)).Err()
}

// PendingRecords returns every record still pending, for crash recovery at
// startup.
func (s *RecordStore) PendingRecords(ctx context.Context) ([]*Record, error) {
	ids, err := s.rdb.SMembers(ctx, pendingSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("scan pending set: %w", err)
	}
	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		raw, err := s.rdb.Get(ctx, fmt.Sprintf(recordKeyFmt, id)).Result()
		if err == redis.Nil {
			// Record expired out from under the set; drop the reference.
			s.rdb.SRem(ctx, pendingSetKey, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load record %s: %w", id, err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		records = append(records, &rec)
	}
	return records, nil
}
