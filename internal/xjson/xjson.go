// Package xjson is the single import site for JSON encoding of store payloads.
package xjson

import (
	gjson "github.com/goccy/go-json"
)

func Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

// Decode unmarshals data into a fresh T.
func Decode[T any](data []byte) (T, error) {
	var out T
	err := gjson.Unmarshal(data, &out)
	return out, err
}
