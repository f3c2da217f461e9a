package store

import "crawshaw.io/sqlite"

type Location struct {
	ID          int64
	Latitude    float64
	Longitude   float64
	Accuracy    float64
	Timestamp   int64
	ChatID      int64
	FromID      int64
	Independent bool
}

func InsertLocation(conn *sqlite.Conn, loc *Location) (int64, error) {
	stmt := conn.Prep(`INSERT INTO Locations (Latitude, Longitude, Accuracy, Timestamp, ChatID, FromID, Independent)
		VALUES ($lat, $lon, $acc, $ts, $chatID, $fromID, $indep);`)
	stmt.SetFloat("$lat", loc.Latitude)
	stmt.SetFloat("$lon", loc.Longitude)
	stmt.SetFloat("$acc", loc.Accuracy)
	stmt.SetInt64("$ts", loc.Timestamp)
	stmt.SetInt64("$chatID", loc.ChatID)
	stmt.SetInt64("$fromID", loc.FromID)
	stmt.SetBool("$indep", loc.Independent)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return conn.LastInsertRowID(), nil
}

// UnsentLocationsForChat returns the non-independent location points
// recorded for chatID after sinceTimestamp that have not yet
// been attached to an outgoing message (LocationID = 0 on the Msgs
// side is tracked by the caller; here we simply return points newer
// than the chat's LocationsLastSent marker).
func UnsentLocationsForChat(conn *sqlite.Conn, chatID, sinceTimestamp int64) ([]*Location, error) {
	stmt := conn.Prep(`SELECT LocationID, Latitude, Longitude, Accuracy, Timestamp, FromID, Independent
		FROM Locations WHERE ChatID = $chatID AND Independent = FALSE AND Timestamp > $since
		ORDER BY Timestamp;`)
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$since", sinceTimestamp)
	var out []*Location
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		out = append(out, &Location{
			ID:          stmt.GetInt64("LocationID"),
			Latitude:    stmt.GetFloat("Latitude"),
			Longitude:   stmt.GetFloat("Longitude"),
			Accuracy:    stmt.GetFloat("Accuracy"),
			Timestamp:   stmt.GetInt64("Timestamp"),
			ChatID:      chatID,
			FromID:      stmt.GetInt64("FromID"),
			Independent: false,
		})
	}
	return out, nil
}
