package types

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// JSONStringMap is a map[string]string stored as a JSON column, it implements
// driver.Valuer and sql.Scanner.
type JSONStringMap map[string]string

// Value returns the json value, implements the driver.Valuer interface
func (m JSONStringMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	ba, err := json.Marshal(m)
	return string(ba), err
}

// Scan scans a value into the map, implements the sql.Scanner interface
func (m *JSONStringMap) Scan(val interface{}) error {
	ba, err := jsonBytes(val)
	if err != nil {
		return err
	}
	t := map[string]string{}
	err = json.Unmarshal(ba, &t)
	*m = t
	return err
}

// GormDataType gorm common data type
func (m JSONStringMap) GormDataType() string {
	return "jsonstringmap"
}

// GormDBDataType gorm db data type
func (JSONStringMap) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonColumnType(db)
}

// JSONStringSlice is a []string stored as a JSON column. Used for the
// multi-valued room fields (moderators, bans, pins) and message seen-by sets.
type JSONStringSlice []string

func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	ba, err := json.Marshal(s)
	return string(ba), err
}

func (s *JSONStringSlice) Scan(val interface{}) error {
	ba, err := jsonBytes(val)
	if err != nil {
		return err
	}
	t := []string{}
	err = json.Unmarshal(ba, &t)
	*s = t
	return err
}

// Contains reports whether v is an element of the slice.
func (s JSONStringSlice) Contains(v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

// Add appends v if it is not yet present and reports whether the slice changed.
func (s *JSONStringSlice) Add(v string) bool {
	if s.Contains(v) {
		return false
	}
	*s = append(*s, v)
	return true
}

// Remove deletes v, preserving order, and reports whether the slice changed.
func (s *JSONStringSlice) Remove(v string) bool {
	for i, e := range *s {
		if e == v {
			*s = append((*s)[:i], (*s)[i+1:]...)
			return true
		}
	}
	return false
}

func (s JSONStringSlice) GormDataType() string {
	return "jsonstringslice"
}

func (JSONStringSlice) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonColumnType(db)
}

func jsonBytes(val interface{}) ([]byte, error) {
	switch v := val.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case nil:
		return []byte("null"), nil
	default:
		return nil, errors.New(fmt.Sprint("failed to unmarshal JSON value:", val))
	}
}

func jsonColumnType(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "sqlite":
		return "JSON"
	case "mysql":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}
