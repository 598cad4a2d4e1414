package jobqueue

import (
	"bytes"
	"encoding/gob"
)

// EncodeJob gob-encodes a Job. Payload concrete types must be registered
// with gob.Register; the payloads in pkg/api register themselves.
func EncodeJob(j Job) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&j); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeJob gob-decodes a Job.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&j); err != nil {
		return nil, err
	}
	return &j, nil
}

// encodePayload serializes an arbitrary payload value. Encoding as
// interface{} lets decodePayload recover it into an `any` without knowing
// the concrete type up front.
func encodePayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePayload(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return nil, err
	}
	return iv, nil
}
