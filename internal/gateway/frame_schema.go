package gateway

import (
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const frameEnvelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1}
  }
}`

const roomNameProperty = `{"type": "string", "minLength": 1, "maxLength": 256}`

var frameTypeSchemas = map[string]string{
	FrameJoinRoom: `{
  "type": "object",
  "required": ["room"],
  "properties": {
    "room": ` + roomNameProperty + `,
    "permissions": {"type": "array", "items": {"type": "string"}}
  }
}`,
	FrameLeaveRoom: `{
  "type": "object",
  "required": ["room"],
  "properties": {
    "room": ` + roomNameProperty + `
  }
}`,
	FrameSendMessage: `{
  "type": "object",
  "required": ["room", "message"],
  "properties": {
    "room": ` + roomNameProperty + `,
    "messageType": {"type": "string", "minLength": 1, "maxLength": 64}
  }
}`,
	FrameSubscribeAnalytics: `{
  "type": "object",
  "required": ["dashboardId"],
  "properties": {
    "dashboardId": {"type": "string", "minLength": 1, "maxLength": 128},
    "metrics": {"type": "array", "items": {"type": "string"}}
  }
}`,
	FrameUpdatePresence: `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"type": "string", "minLength": 1, "maxLength": 64},
    "activity": {"type": "string", "maxLength": 256}
  }
}`,
}

type frameSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	types    map[string]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		envelope, err := jsonschema.CompileString("frame_envelope", frameEnvelopeSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.envelope = envelope

		frameSchemas.types = make(map[string]*jsonschema.Schema, len(frameTypeSchemas))
		for name, schema := range frameTypeSchemas {
			compiled, err := jsonschema.CompileString("frame_"+name, schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.types[name] = compiled
		}
	})
	return frameSchemas.initErr
}

// validateFrame checks the decoded document against the envelope schema and,
// when one exists, the schema for kind.
func validateFrame(kind string, doc any) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}
	if err := frameSchemas.envelope.Validate(doc); err != nil {
		return err
	}
	if schema := frameSchemas.types[kind]; schema != nil {
		return schema.Validate(doc)
	}
	return nil
}
