package cache

import "encoding/json"

func marshalMeta(m objectMeta) ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalMeta(raw []byte, m *objectMeta) error {
	if len(raw) == 0 {
		return errInvalidMeta
	}
	return json.Unmarshal(raw, m)
}
