package reflectionlog

import "encoding/json"

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
