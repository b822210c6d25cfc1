package result

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/user/selecta/pkg/agent"
)

// millisThreshold separates second and millisecond epoch timestamps.
const millisThreshold = 1e12

// ErrorContext carries values known to the caller but not to the error
// payload itself.
type ErrorContext struct {
	// Timestamp of the carrying event in seconds or milliseconds.
	Timestamp float64
	// ID overrides derivation when the payload has no id.
	ID string
}

// EpochMillis converts a timestamp in seconds or milliseconds to
// milliseconds. Zero stays zero.
func EpochMillis(ts float64) int64 {
	if ts <= 0 {
		return 0
	}
	if ts < millisThreshold {
		return int64(ts * 1000)
	}
	return int64(ts)
}

// NormalizeError returns a copy of e with a stable id and a millisecond
// timestamp. The id is taken from the payload, then from ec, then derived
// from the job id, the SQL text or the message and timestamp, in that order.
func NormalizeError(e *agent.QueryError, ec ErrorContext) *agent.QueryError {
	if e == nil {
		return nil
	}
	out := *e
	out.Details = append([]agent.ErrorDetail(nil), e.Details...)

	switch {
	case out.Timestamp > 0:
		out.Timestamp = EpochMillis(float64(out.Timestamp))
	case ec.Timestamp > 0:
		out.Timestamp = EpochMillis(ec.Timestamp)
	default:
		out.Timestamp = time.Now().UnixMilli()
	}

	out.ID = ErrorID(&out, ec)
	return &out
}

// ErrorID derives the identity of a query error.
func ErrorID(e *agent.QueryError, ec ErrorContext) string {
	switch {
	case e.ID != "":
		return e.ID
	case ec.ID != "":
		return ec.ID
	case e.JobID != "":
		return "job-" + e.JobID
	case e.SQL != "":
		return "sql-" + hash(e.SQL)
	case e.Message != "":
		return "err-" + hash(e.Message+"|"+strconv.FormatInt(e.Timestamp, 10))
	}
	return "err-" + uuid.NewString()
}

// ResultID returns the id carried by a result fragment, or a new one.
func ResultID(r *agent.Result) string {
	if r != nil && r.ID != "" {
		return r.ID
	}
	return uuid.NewString()
}

func hash(s string) string {
	return strconv.FormatUint(xxhash.Sum64String(s), 36)
}
