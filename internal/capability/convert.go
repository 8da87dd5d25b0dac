package capability

import (
	"database/sql"
	"encoding/json"
)

func marshalMetadata(m Metadata) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMetadata(raw string) (Metadata, error) {
	var m Metadata
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

func isNoRows(err error) bool { return err == sql.ErrNoRows }
