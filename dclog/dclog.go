// Package dclog provides the structured log record shared across the
// core's workers (job queue, IMAP/SMTP workers, housekeeping).
//
// Grounded verbatim on the teacher's spilldb/db.Log: a where/what/
// when/duration/err/data record with a hand-rolled JSON-ish String(),
// no third-party logging library. The core never had a reason to
// replace this with e.g. zerolog/zap: the teacher's whole stack logs
// this way, and SPEC_FULL.md's ambient-stack section keeps that
// convention rather than introducing a new one.
package dclog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Log is one structured log entry: where it happened, what operation
// ran, when, how long it took, and the outcome.
type Log struct {
	Where    string
	What     string
	When     time.Time
	Duration time.Duration
	Err      error
	Data     map[string]interface{}
}

func (l Log) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, `{"where": %q, "what": %q, `, l.Where, l.What)

	buf.WriteString(`"when": "`)
	buf.Write(l.When.AppendFormat(make([]byte, 0, 64), time.RFC3339Nano))
	buf.WriteString(`"`)

	fmt.Fprintf(buf, `, "duration": "%s"`, l.Duration)

	if l.Err != nil {
		fmt.Fprintf(buf, `, "err": %q`, l.Err.Error())
	}
	if len(l.Data) > 0 {
		b, err := json.Marshal(l.Data)
		if err != nil {
			fmt.Fprintf(buf, `, "data_marshal_err": %q`, err.Error())
		} else {
			fmt.Fprintf(buf, `, "data": %s`, b)
		}
	}
	buf.WriteByte('}')
	return buf.String()
}

// Logf is the sink hook every long-running worker accepts, matching
// the teacher's convention of a plain func(format string, v ...interface{})
// rather than an interface, so callers can plug in a *log.Logger,
// testing.T.Logf, or a no-op.
type Logf func(format string, v ...interface{})

// Discard is a Logf that does nothing, used as the zero-value default.
func Discard(string, ...interface{}) {}
