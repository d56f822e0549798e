package utils

import "encoding/json"

// MarshalToJSON renders v as a JSON string, for text columns and log fields.
func MarshalToJSON[T any](v T) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// UnmarshalFromJSON decodes raw into out.
func UnmarshalFromJSON[T any](raw []byte, out *T) error {
	return json.Unmarshal(raw, out)
}
