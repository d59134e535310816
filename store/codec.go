package store

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// EncodeStages serializes stages for a TEXT column. A nil slice is stored
// as an empty array.
func EncodeStages(stages []MessageStage) (string, error) {
	if stages == nil {
		stages = []MessageStage{}
	}
	b, err := json.Marshal(stages)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode stages")
	}
	return string(b), nil
}

func DecodeStages(raw string) ([]MessageStage, error) {
	stages := []MessageStage{}
	if raw == "" {
		return stages, nil
	}
	if err := json.Unmarshal([]byte(raw), &stages); err != nil {
		return nil, errors.Wrap(err, "failed to decode stages")
	}
	return stages, nil
}

func EncodeStrings(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode list")
	}
	return string(b), nil
}

func DecodeStrings(raw string) ([]string, error) {
	list := []string{}
	if raw == "" {
		return list, nil
	}
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, errors.Wrap(err, "failed to decode list")
	}
	return list, nil
}
