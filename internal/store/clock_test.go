package store

import (
	"database/sql"
	"strings"
	"testing"
	"time"
)

func TestNullTime_Scan(t *testing.T) {
	want := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	wantFrac := time.Date(2024, 3, 9, 14, 5, 7, 123000000, time.UTC)

	tests := []struct {
		name      string
		value     interface{}
		wantValid bool
		wantTime  time.Time
	}{
		{"nil", nil, false, time.Time{}},
		{"time in UTC", want, true, want},
		{"time in other zone", want.In(time.FixedZone("CET", 3600)), true, want},
		{"sqlite text", "2024-03-09 14:05:07.123", true, wantFrac},
		{"mysql text", "2024-03-09 14:05:07", true, want},
		{"iso text", "2024-03-09T14:05:07", true, want},
		{"text with offset", "2024-03-09 15:05:07+01:00", true, want},
		{"bytes", []byte("2024-03-09 14:05:07"), true, want},
		{"date only", "2024-03-09", true, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n NullTime
			if err := n.Scan(tt.value); err != nil {
				t.Fatalf("Scan(%v) error = %v", tt.value, err)
			}
			if n.Valid != tt.wantValid {
				t.Errorf("Valid = %v, expected %v", n.Valid, tt.wantValid)
			}
			if !n.Time.Equal(tt.wantTime) {
				t.Errorf("Time = %v, expected %v", n.Time, tt.wantTime)
			}
			if n.Valid && n.Time.Location() != time.UTC {
				t.Errorf("Location = %v, expected UTC", n.Time.Location())
			}
		})
	}
}

func TestNullTime_ScanErrors(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		wantErr string
	}{
		{"unparseable text", "yesterday", "cannot parse"},
		{"unparseable bytes", []byte("not a time"), "cannot parse"},
		{"unsupported type", int64(42), "cannot scan"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n NullTime
			err := n.Scan(tt.value)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Scan(%v) error = %v, expected it to contain %q", tt.value, err, tt.wantErr)
			}
			if n.Valid {
				t.Error("Valid = true after a failed scan")
			}
		})
	}
}

func TestNullTime_ValueAndPtr(t *testing.T) {
	var null NullTime
	if v, err := null.Value(); err != nil || v != nil {
		t.Errorf("Value() = %v, %v, expected nil, nil", v, err)
	}
	if null.Ptr() != nil {
		t.Error("Ptr() of NULL must be nil")
	}

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := NullTime{Time: now, Valid: true}
	v, err := valid.Value()
	if err != nil || v != now {
		t.Errorf("Value() = %v, %v, expected %v", v, err, now)
	}
	p := valid.Ptr()
	if p == nil || !p.Equal(now) {
		t.Errorf("Ptr() = %v, expected %v", p, now)
	}
	*p = p.Add(time.Hour)
	if !valid.Time.Equal(now) {
		t.Error("Ptr() must return a copy")
	}
}

func TestParseIsolationLevel(t *testing.T) {
	tests := map[string]sql.IsolationLevel{
		"read_committed":  sql.LevelReadCommitted,
		"repeatable_read": sql.LevelRepeatableRead,
		"serializable":    sql.LevelSerializable,
		"":                sql.LevelSerializable,
		"chaos":           sql.LevelSerializable,
	}
	for name, want := range tests {
		if got := ParseIsolationLevel(name); got != want {
			t.Errorf("ParseIsolationLevel(%q) = %v, expected %v", name, got, want)
		}
	}
}
