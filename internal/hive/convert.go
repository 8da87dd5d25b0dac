package hive

import (
	"encoding/json"

	"github.com/ods-cortex/cortex/internal/capability"
)

func marshalCapabilityMetadata(m capability.Metadata) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
