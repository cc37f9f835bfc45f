package stores

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Row is one fully materialized result row, in column order.
//
// Values are whatever the driver produced: int64, float64, string, []byte,
// bool, time.Time or nil for NULL. The typed accessors coerce between
// these so factories need not care how SQLite stored a column.
type Row []any

// Len returns the number of columns.
func (r Row) Len() int {
	return len(r)
}

// Value returns column i as produced by the driver.
func (r Row) Value(i int) (any, error) {
	if i < 0 || i >= len(r) {
		return nil, fmt.Errorf("column %d out of range (row has %d)", i, len(r))
	}
	return r[i], nil
}

// IsNull reports whether column i is NULL. Out-of-range columns are not NULL.
func (r Row) IsNull(i int) bool {
	return i >= 0 && i < len(r) && r[i] == nil
}

func (r Row) nonNull(i int) (any, error) {
	v, err := r.Value(i)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("column %d is NULL", i)
	}
	return v, nil
}

// Int64 returns column i as an integer.
func (r Row) Int64(i int) (int64, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("column %d: %v is not an integer", i, x)
		}
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		return parseInt(i, x)
	case []byte:
		return parseInt(i, string(x))
	default:
		return 0, fmt.Errorf("column %d: cannot convert %T to int64", i, v)
	}
}

func parseInt(i int, s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("column %d: %w", i, err)
	}
	return n, nil
}

// Float64 returns column i as a float.
func (r Row) Float64(i int) (float64, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case string:
		return parseFloat(i, x)
	case []byte:
		return parseFloat(i, string(x))
	default:
		return 0, fmt.Errorf("column %d: cannot convert %T to float64", i, v)
	}
}

func parseFloat(i int, s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("column %d: %w", i, err)
	}
	return f, nil
}

// String returns column i as text.
func (r Row) String(i int) (string, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return "", err
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	default:
		return "", fmt.Errorf("column %d: cannot convert %T to string", i, v)
	}
}

// Bool returns column i as a boolean; integers are true when non-zero.
func (r Row) Bool(i int) (bool, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return false, err
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case string:
		return strconv.ParseBool(x)
	default:
		return false, fmt.Errorf("column %d: cannot convert %T to bool", i, v)
	}
}

// timeLayouts are tried in order for text columns.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Time returns column i as a time. Text is parsed as RFC 3339 or SQLite's
// datetime formats; integers are Unix seconds.
func (r Row) Time(i int) (time.Time, error) {
	v, err := r.nonNull(i)
	if err != nil {
		return time.Time{}, err
	}
	var s string
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		return time.Time{}, fmt.Errorf("column %d: cannot convert %T to time", i, v)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("column %d: unrecognised time %q", i, s)
}
