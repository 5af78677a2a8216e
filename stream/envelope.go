package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vantagechat/linkcore/fault"
)

// Recognized envelope discriminants. Unrecognized types are logged and
// dropped, never treated as fatal.
const (
	TypeNotification          = "notification"
	TypeChatMessage           = "chat_message"
	TypeMessageStatus         = "message_status"
	TypeConnectionStatus      = "connection_status"
	TypeUserStatus            = "user_status"
	TypeUserAvailability      = "user_availability"
	TypeAvailabilityConfirmed = "availability_confirmed"
	TypeStatusConfirmed       = "status_update_confirmed"
	TypeError                 = "error"
)

// Envelope is the discriminated wrapper around every streamed message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outboundEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

const envelopeSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"payload": {"type": "object"}
	}
}`

var envelopeSchema = sync.OnceValue(func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
	if err != nil {
		panic(err)
	}
	if err := compiler.AddResource("envelope.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("envelope.json")
	if err != nil {
		panic(err)
	}
	return schema
})

// decodeEnvelope validates and parses one wire message. Failures are
// ProtocolDecode faults: the caller drops the message and keeps reading.
func decodeEnvelope(data []byte) (Envelope, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Envelope{}, fault.Wrap(fault.ProtocolDecode, err)
	}
	if err := envelopeSchema().Validate(doc); err != nil {
		return Envelope{}, fault.Wrap(fault.ProtocolDecode, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fault.Wrap(fault.ProtocolDecode, err)
	}
	return env, nil
}
