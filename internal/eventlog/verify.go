package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"timeline/internal/common"
	"timeline/internal/storage"
)

// verifyBatchSize bounds memory during a full scan.
const verifyBatchSize = 1000

// Issue kinds reported by Verify.
const (
	IssueChecksum  = "checksum_mismatch"
	IssueGap       = "sequence_gap"
	IssueTimestamp = "timestamp_regression"
	IssueMetadata  = "metadata_drift"
)

// Issue is one integrity violation found by Verify.
type Issue struct {
	Kind     string `json:"kind"`
	Sequence int64  `json:"sequence_number"`
	EventID  string `json:"event_id,omitempty"`
	Detail   string `json:"detail"`
}

// VerifyReport is the result of a full scan of the log.
type VerifyReport struct {
	Checked      int64   `json:"checked"`
	LastSequence int64   `json:"last_sequence"`
	Issues       []Issue `json:"issues,omitempty"`
}

// OK reports whether the scan found no issues.
func (r *VerifyReport) OK() bool {
	return len(r.Issues) == 0
}

// Err returns nil for a clean report, otherwise an error wrapping
// common.ErrSequenceGap when ordering is broken or common.ErrIntegrity.
func (r *VerifyReport) Err() error {
	if r.OK() {
		return nil
	}
	for _, issue := range r.Issues {
		if issue.Kind == IssueGap {
			return fmt.Errorf("%w: %d issue(s), first at #%d: %s", common.ErrSequenceGap, len(r.Issues), issue.Sequence, issue.Detail)
		}
	}
	first := r.Issues[0]
	return fmt.Errorf("%w: %d issue(s), first at #%d: %s", common.ErrIntegrity, len(r.Issues), first.Sequence, first.Detail)
}

// Verify scans every event in sequence order and reports checksum
// mismatches, gaps or duplicates, timestamp regressions and drift of
// metadata.last_sequence. The returned error is only for read failures.
func (l *Log) Verify(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{}
	var prevSeq, prevTs int64

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var batch []storage.EventModel
		err := l.db.Bun().NewSelect().
			Model(&batch).
			Where("sequence_number > ?", prevSeq).
			Order("sequence_number ASC").
			Limit(verifyBatchSize).
			Scan(ctx)
		if err != nil {
			return nil, err
		}

		for i := range batch {
			m := &batch[i]
			report.Checked++
			if m.SequenceNumber != prevSeq+1 {
				report.Issues = append(report.Issues, Issue{
					Kind:     IssueGap,
					Sequence: m.SequenceNumber,
					EventID:  m.ID,
					Detail:   fmt.Sprintf("expected #%d, found #%d", prevSeq+1, m.SequenceNumber),
				})
			}
			if m.Timestamp < prevTs {
				report.Issues = append(report.Issues, Issue{
					Kind:     IssueTimestamp,
					Sequence: m.SequenceNumber,
					EventID:  m.ID,
					Detail:   fmt.Sprintf("timestamp %d precedes previous %d", m.Timestamp, prevTs),
				})
			}
			if !VerifyChecksum(m) {
				report.Issues = append(report.Issues, Issue{
					Kind:     IssueChecksum,
					Sequence: m.SequenceNumber,
					EventID:  m.ID,
					Detail:   "stored checksum does not match event fields",
				})
			}
			prevSeq, prevTs = m.SequenceNumber, m.Timestamp
		}
		if len(batch) < verifyBatchSize {
			break
		}
	}
	report.LastSequence = prevSeq

	recorded, err := l.db.GetMetadataInt(ctx, storage.MetaLastSequence)
	if err != nil {
		return nil, err
	}
	if recorded != prevSeq {
		report.Issues = append(report.Issues, Issue{
			Kind:     IssueMetadata,
			Sequence: recorded,
			Detail:   fmt.Sprintf("metadata last_sequence=%d, events end at #%d", recorded, prevSeq),
		})
	}

	if report.OK() {
		log.Debugf("[EventLog] verified %d events", report.Checked)
	} else {
		log.Warnf("[EventLog] verify found %d issue(s) in %d events", len(report.Issues), report.Checked)
	}
	return report, nil
}

// VerifyEvent recomputes the checksum of a single event.
// A mismatch wraps common.ErrIntegrity.
func (l *Log) VerifyEvent(ctx context.Context, id string) error {
	var m storage.EventModel
	err := l.db.Bun().NewSelect().Model(&m).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("event %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !VerifyChecksum(&m) {
		return fmt.Errorf("event %s (#%d): %w: checksum mismatch", id, m.SequenceNumber, common.ErrIntegrity)
	}
	return nil
}
