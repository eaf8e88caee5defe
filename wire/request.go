package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Stream disposition codes carried in a SpawnRequest. The defaults match the
// protocol's: /dev/null for stdin, capture for stdout and stderr.
const (
	// DispDefault applies the stream's default disposition.
	DispDefault uint8 = 0
	// DispDiscard connects the stream to /dev/null regardless of defaults.
	DispDiscard uint8 = 254
	// DispInherit uses whatever the helper's own descriptor for the stream
	// refers to, captured when the helper started.
	DispInherit uint8 = 255
	// Any other value k (1 <= k <= 253) selects attached descriptor k-1.
)

// SpawnRequest is the JSON payload of a KindRequestSpawn frame. Descriptors
// referenced by the disposition fields travel as SCM_RIGHTS data on the same
// frame; the frame's value field carries their count.
type SpawnRequest struct {
	Exe        string
	Argv       []string
	Env        []string
	InheritEnv bool
	Dir        string

	Stdin  uint8
	Stdout uint8
	Stderr uint8
}

// EncodeSpawn builds the request frame for req, tagged with the supervisor's
// correlation tag for the new process.
func EncodeSpawn(tag uint32, req SpawnRequest, nfds int) (Frame, error) {
	if tag == HelperTag {
		return Frame{}, errors.New("tag 0 is reserved for helper self-reports")
	}
	if req.Exe == "" {
		return Frame{}, errors.New("spawn request has no executable")
	}
	b, err := json.Marshal(req)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding spawn request: %w", err)
	}
	return Frame{Tag: tag, Kind: KindRequestSpawn, Value: int32(nfds), Payload: b}, nil
}

// DecodeSpawn unpacks a KindRequestSpawn frame's payload.
func DecodeSpawn(f Frame) (SpawnRequest, error) {
	if f.Kind != KindRequestSpawn {
		return SpawnRequest{}, fmt.Errorf("frame kind %s is not a spawn request", f.Kind)
	}
	var req SpawnRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return SpawnRequest{}, fmt.Errorf("decoding spawn request: %w", err)
	}
	if req.Exe == "" {
		return SpawnRequest{}, errors.New("spawn request has no executable")
	}
	return req, nil
}
