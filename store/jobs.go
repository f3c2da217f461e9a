package store

import (
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

type Thread int

const (
	ThreadImapInbox Thread = 1
	ThreadImapMove  Thread = 2
	ThreadImapSent  Thread = 3
	ThreadSmtp      Thread = 4
)

type Action int

// Action codes, grouped by thread per spec.md 4.7. Thread membership
// is derived mechanically from the action via Action.Thread, exactly
// as spec.md specifies ("thread can be derived from the action").
const (
	ActionDeleteMsgOnImap  Action = 110
	ActionMarkseenMsgOnImap Action = 120
	ActionMarkseenMdnOnImap Action = 130
	ActionMoveMsg          Action = 140
	ActionConfigureImap    Action = 150
	ActionImexImap         Action = 160
	ActionHousekeeping     Action = 105

	ActionSendMsgToSmtp    Action = 910
	ActionSendMdn          Action = 900
	ActionMaybeSendLocations Action = 890
	ActionMaybeSendLocEnded  Action = 880
)

func (a Action) Thread() Thread {
	switch a {
	case ActionDeleteMsgOnImap, ActionMarkseenMsgOnImap, ActionMarkseenMdnOnImap,
		ActionMoveMsg, ActionConfigureImap, ActionImexImap, ActionHousekeeping:
		return ThreadImapInbox
	case ActionSendMsgToSmtp, ActionSendMdn, ActionMaybeSendLocations, ActionMaybeSendLocEnded:
		return ThreadSmtp
	default:
		return ThreadImapInbox
	}
}

// Exclusive reports whether the action requires the other IMAP/SMTP
// threads to suspend while it runs (spec.md 4.7: ConfigureImap and
// ImexImap).
func (a Action) Exclusive() bool {
	return a == ActionConfigureImap || a == ActionImexImap
}

type Job struct {
	ID               int64
	AddedTimestamp   int64
	DesiredTimestamp int64
	Action           Action
	ForeignID        int64
	Param            string
	Tries            int
	Thread           Thread
}

// MaxTries caps retries at 17 attempts, roughly three weeks of
// exponential backoff (spec.md 4.7 / invariant I6).
const MaxTries = 17

// EnqueueJob inserts a new job with DesiredTimestamp == AddedTimestamp
// (I6: desired_timestamp >= added_timestamp at creation).
func EnqueueJob(conn *sqlite.Conn, action Action, foreignID int64, param string, addedTimestamp int64) (int64, error) {
	stmt := conn.Prep(`INSERT INTO Jobs (JobID, AddedTimestamp, DesiredTimestamp, Action, ForeignID, Param, Tries, Thread)
		VALUES ($id, $added, $added, $action, $foreignID, $param, 0, $thread);`)
	stmt.SetInt64("$added", addedTimestamp)
	stmt.SetInt64("$action", int64(action))
	stmt.SetInt64("$foreignID", foreignID)
	stmt.SetText("$param", param)
	stmt.SetInt64("$thread", int64(action.Thread()))
	id, err := sqlitex.InsertRandID(stmt, "$id", 1, 1<<31)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// DueJobs returns jobs on thread whose DesiredTimestamp <= now,
// ordered (action DESC, added_timestamp ASC) per spec.md 4.7: higher
// action numerals run first, ties broken by insertion order. If
// probeNetwork is true the DesiredTimestamp gate is skipped (spec.md
// 4.7 maybe_network()).
func DueJobs(conn *sqlite.Conn, thread Thread, now int64, probeNetwork bool, limit int) ([]Job, error) {
	query := `SELECT JobID, AddedTimestamp, DesiredTimestamp, Action, ForeignID, Param, Tries
		FROM Jobs WHERE Thread = $thread`
	if !probeNetwork {
		query += ` AND DesiredTimestamp <= $now`
	}
	query += ` ORDER BY Action DESC, AddedTimestamp ASC LIMIT $limit;`

	stmt := conn.Prep(query)
	stmt.SetInt64("$thread", int64(thread))
	stmt.SetInt64("$now", now)
	stmt.SetInt64("$limit", int64(limit))

	var jobs []Job
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		jobs = append(jobs, Job{
			ID:               stmt.GetInt64("JobID"),
			AddedTimestamp:   stmt.GetInt64("AddedTimestamp"),
			DesiredTimestamp: stmt.GetInt64("DesiredTimestamp"),
			Action:           Action(stmt.GetInt64("Action")),
			ForeignID:        stmt.GetInt64("ForeignID"),
			Param:            stmt.GetText("Param"),
			Tries:            int(stmt.GetInt64("Tries")),
			Thread:           thread,
		})
	}
	return jobs, nil
}

func DeleteJob(conn *sqlite.Conn, jobID int64) error {
	stmt := conn.Prep("DELETE FROM Jobs WHERE JobID = $id;")
	stmt.SetInt64("$id", jobID)
	_, err := stmt.Step()
	return err
}

// RescheduleJob bumps tries and sets a new DesiredTimestamp, used on
// RetryLater (spec.md 4.7 backoff policy).
func RescheduleJob(conn *sqlite.Conn, jobID int64, tries int, desiredTimestamp int64) error {
	stmt := conn.Prep("UPDATE Jobs SET Tries = $tries, DesiredTimestamp = $desired WHERE JobID = $id;")
	stmt.SetInt64("$tries", int64(tries))
	stmt.SetInt64("$desired", desiredTimestamp)
	stmt.SetInt64("$id", jobID)
	_, err := stmt.Step()
	return err
}

// KillAction removes every pending job with the given action,
// spec.md 4.7's kill_action. Nothing in this module calls it before a
// Configure or Imex job or at account shutdown.
func KillAction(conn *sqlite.Conn, action Action) (int, error) {
	stmt := conn.Prep("DELETE FROM Jobs WHERE Action = $action;")
	stmt.SetInt64("$action", int64(action))
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return conn.Changes(), nil
}

func CountJobsForThread(conn *sqlite.Conn, thread Thread) (int64, error) {
	stmt := conn.Prep("SELECT COUNT(*) AS n FROM Jobs WHERE Thread = $thread;")
	stmt.SetInt64("$thread", int64(thread))
	return sqlitex.ResultInt64(stmt)
}
