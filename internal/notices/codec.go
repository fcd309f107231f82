package notices

import (
	"encoding/base64"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// QueuePayloadVersion is the schema version written by EncodeQueuePayload.
const QueuePayloadVersion = 1

// QueuedNotice is one deferred (recipient, label, context, sender) request. Scope is
// carried so that scoped sends keep their scope through the queue.
type QueuedNotice struct {
	RecipientID int64          `cbor:"1,keyasint"`
	Label       string         `cbor:"2,keyasint"`
	Context     map[string]any `cbor:"3,keyasint"`
	Sender      *EntityRef     `cbor:"4,keyasint,omitempty"`
	Scope       *EntityRef     `cbor:"5,keyasint,omitempty"`
}

// QueuePayload is the schema stored, base64 encoded, in NoticeQueueBatch.Payload.
type QueuePayload struct {
	Version int            `cbor:"1,keyasint"`
	Notices []QueuedNotice `cbor:"2,keyasint"`
}

var (
	queueEncMode = mustQueueEncMode()
	queueDecMode = mustQueueDecMode()
)

// Deterministic encoding sorts map keys, so equal payloads always produce equal text.
func mustQueueEncMode() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("notices: queue encoder options: %v", err))
	}
	return mode
}

// Context values decode as map[string]any for nested maps and int64 for integers.
func mustQueueDecMode() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("notices: queue decoder options: %v", err))
	}
	return mode
}

// EncodeQueuePayload serializes notices into the text stored in a queue batch.
func EncodeQueuePayload(notices []QueuedNotice) (string, error) {
	raw, err := queueEncMode.Marshal(QueuePayload{Version: QueuePayloadVersion, Notices: notices})
	if err != nil {
		return "", newServiceError(opCodecEncode, "marshal_failed", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeQueuePayload is the exact inverse of EncodeQueuePayload.
func DecodeQueuePayload(text string) ([]QueuedNotice, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, newServiceError(opCodecDecode, "invalid_base64", fmt.Errorf("%w: %w", ErrUnsupportedPayload, err))
	}
	var payload QueuePayload
	if err := queueDecMode.Unmarshal(raw, &payload); err != nil {
		return nil, newServiceError(opCodecDecode, "invalid_cbor", fmt.Errorf("%w: %w", ErrUnsupportedPayload, err))
	}
	if payload.Version < 1 || payload.Version > QueuePayloadVersion {
		return nil, newServiceError(opCodecDecode, "unsupported_version",
			fmt.Errorf("%w: version %d", ErrUnsupportedPayload, payload.Version))
	}
	return payload.Notices, nil
}
