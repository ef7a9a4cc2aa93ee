package store

import (
	"database/sql/driver"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// timeLayouts are the textual forms drivers hand back for timestamps that
// were not declared as time columns (SQLite aggregates, MySQL without
// parseTime).
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Now reads the database server clock through session, in UTC. Lease and
// lock ages are always compared against this clock, never the local one.
func Now(session *gorm.DB) (time.Time, error) {
	var query string
	switch session.Dialector.Name() {
	case "postgres":
		query = "SELECT NOW()"
	case "mysql":
		query = "SELECT UTC_TIMESTAMP(6)"
	case "sqlite":
		query = "SELECT strftime('%Y-%m-%d %H:%M:%f', 'now')"
	default:
		return time.Now().UTC(), nil
	}

	var now NullTime
	if err := session.Raw(query).Row().Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("read database time: %w", err)
	}
	if !now.Valid {
		return time.Time{}, fmt.Errorf("read database time: null result")
	}
	return now.Time, nil
}

// NullTime scans timestamps regardless of whether the driver returns them
// as time.Time or as text.
type NullTime struct {
	Time  time.Time
	Valid bool
}

func (n *NullTime) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into NullTime", value)
	}
}

func (n NullTime) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Time, nil
}

// Ptr returns nil for NULL, a pointer to the UTC time otherwise.
func (n NullTime) Ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func (n *NullTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("cannot parse %q as a timestamp", s)
}
