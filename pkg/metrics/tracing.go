package metrics

import (
	"context"

	"github.com/newrelic/go-agent/v3/newrelic"
)

// Segment times a unit of work within the New Relic transaction carried by a
// context. A nil Segment is valid and records nothing, so callers never need
// to check whether tracing is enabled.
type Segment struct {
	txn *newrelic.Transaction
	seg *newrelic.Segment
}

// StartSegment starts a segment named name on the transaction in ctx, if any.
func StartSegment(ctx context.Context, name string, attributes map[string]interface{}) *Segment {
	txn := newrelic.FromContext(ctx)
	if txn == nil {
		return nil
	}

	s := &Segment{txn: txn, seg: txn.StartSegment(name)}
	for k, v := range attributes {
		s.seg.AddAttribute(k, v)
	}
	return s
}

// End closes the segment, noticing err on the transaction when set.
func (s *Segment) End(err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.txn.NoticeError(err)
	}
	s.seg.End()
}
