// Package schema validates inbound JSON documents against the embedded JSON
// Schemas.
package schema

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Name identifies an embedded schema.
type Name string

const (
	SlackEventCallback Name = "slack_event_callback"
	EmailEventCallback Name = "email_event_callback"
	PushEnvelope       Name = "push_envelope"
	MailNotification   Name = "mail_notification"
	EventTrigger       Name = "event_trigger"
	TopicCreate        Name = "topic_create"
)

//go:embed schemas/*.json
var files embed.FS

var (
	compileOnce sync.Once
	compiled    map[Name]*jsonschema.Schema
	compileErr  error
)

func load() (map[Name]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		names := []Name{SlackEventCallback, EmailEventCallback, PushEnvelope, MailNotification, EventTrigger, TopicCreate}
		c := jsonschema.NewCompiler()
		out := make(map[Name]*jsonschema.Schema, len(names))

		for _, name := range names {
			raw, err := files.ReadFile("schemas/" + string(name) + ".json")
			if err != nil {
				compileErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				compileErr = fmt.Errorf("parse schema %s: %w", name, err)
				return
			}
			url := "events-handler://schema/" + string(name) + ".json"
			if err := c.AddResource(url, doc); err != nil {
				compileErr = fmt.Errorf("add schema resource %s: %w", name, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[name] = sch
		}
		compiled = out
	})
	return compiled, compileErr
}

// Error reports a document that does not satisfy its schema.
type Error struct {
	Schema Name
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Schema, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrMalformed is wrapped when the document is not valid JSON.
var ErrMalformed = errors.New("malformed JSON")

// Validate checks raw against the named schema.
func Validate(name Name, raw []byte) error {
	schemas, err := load()
	if err != nil {
		return err
	}
	sch, ok := schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &Error{Schema: name, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if err := sch.Validate(inst); err != nil {
		return &Error{Schema: name, Err: err}
	}
	return nil
}
