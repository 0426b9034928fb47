package tasks

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/pkg/schema"
)

// CryptoTasks returns all crypto-related tasks.
func CryptoTasks() []Task {
	return []Task{
		&cryptoHashTask{},
		&cryptoHMACTask{},
		&cryptoUUIDTask{},
	}
}

// hashFunc returns a new hash.Hash constructor for the given algorithm name.
func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

// --- crypto.hash ---

type cryptoHashTask struct{}

func (t *cryptoHashTask) Name() string { return "crypto.hash" }

func (t *cryptoHashTask) Schema() TaskSchema {
	return TaskSchema{
		Description: "Compute a cryptographic hash of the input data",
	}
}

func (t *cryptoHashTask) Validate(params map[string]any) error {
	if _, ok := params["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hash requires 'data' string parameter")
	}
	return nil
}

func (t *cryptoHashTask) Execute(_ context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}

	data, _ := input.Params["data"].(string)
	algorithm := stringParam(input.Params, "algorithm", "sha256")

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	h := newHash()
	h.Write([]byte(data))

	return map[string]any{
		"hash":      hex.EncodeToString(h.Sum(nil)),
		"algorithm": algorithm,
	}, nil
}

// --- crypto.hmac ---

type cryptoHMACTask struct{}

func (t *cryptoHMACTask) Name() string { return "crypto.hmac" }

func (t *cryptoHMACTask) Schema() TaskSchema {
	return TaskSchema{
		Description: "Compute an HMAC of the input data using the given key",
	}
}

func (t *cryptoHMACTask) Validate(params map[string]any) error {
	if _, ok := params["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'data' string parameter")
	}
	if _, ok := params["key"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'key' string parameter")
	}
	return nil
}

func (t *cryptoHMACTask) Execute(_ context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}

	data, _ := input.Params["data"].(string)
	key, _ := input.Params["key"].(string)
	algorithm := stringParam(input.Params, "algorithm", "sha256")

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))

	return map[string]any{
		"hmac":      hex.EncodeToString(mac.Sum(nil)),
		"algorithm": algorithm,
	}, nil
}

// --- crypto.uuid ---

type cryptoUUIDTask struct{}

func (t *cryptoUUIDTask) Name() string { return "crypto.uuid" }

func (t *cryptoUUIDTask) Schema() TaskSchema {
	return TaskSchema{
		Description: "Generate a v4 UUID",
	}
}

func (t *cryptoUUIDTask) Validate(_ map[string]any) error { return nil }

func (t *cryptoUUIDTask) Execute(_ context.Context, _ TaskInput) (any, error) {
	return map[string]any{"uuid": uuid.NewString()}, nil
}
