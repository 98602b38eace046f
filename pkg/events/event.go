package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// DomainEvent is the wire envelope published on the broker and forwarded to clients.
type DomainEvent struct {
	Channel          Channel         `json:"channel"`
	Type             EventType       `json:"type"`
	EntityID         string          `json:"entityId"`
	Payload          json.RawMessage `json:"payload"`
	OriginInstanceID string          `json:"originInstanceId"`
	EmittedAt        FlexibleTime    `json:"emittedAt"`
}

// New builds an event, checking that payload has the shape registered for
// (channel, eventType) and that it names entityID.
func New(channel Channel, eventType EventType, entityID string, payload Payload, originInstanceID string, emittedAt time.Time) (*DomainEvent, error) {
	kind, err := Lookup(channel, eventType)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrMalformedPayload)
	}
	if payload.Kind() != kind {
		return nil, fmt.Errorf("%w: %s/%s expects %s payload, got %s", ErrMalformedPayload, channel, eventType, kind, payload.Kind())
	}
	if err := payload.validate(entityID); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	return &DomainEvent{
		Channel:          channel,
		Type:             eventType,
		EntityID:         entityID,
		Payload:          raw,
		OriginInstanceID: originInstanceID,
		EmittedAt:        FlexibleTime{Time: emittedAt.UTC()},
	}, nil
}

// Marshal encodes the event for the broker.
func (e *DomainEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes and validates an envelope. Unknown channels or types and
// envelopes without an entity id or payload object are rejected.
func Unmarshal(data []byte) (*DomainEvent, error) {
	var e DomainEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := e.check(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *DomainEvent) check() error {
	if err := Validate(e.Channel, e.Type); err != nil {
		return err
	}
	if e.EntityID == "" {
		return fmt.Errorf("%w: missing entityId", ErrMalformedPayload)
	}
	trimmed := bytes.TrimSpace(e.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: payload must be an object", ErrMalformedPayload)
	}
	return nil
}

// Decode returns the statically typed payload for the event.
func (e *DomainEvent) Decode() (Payload, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	kind, _ := Lookup(e.Channel, e.Type)

	var p Payload
	switch kind {
	case KindPost:
		var v Post
		if err := json.Unmarshal(e.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		p = v
	case KindGroup:
		var v Group
		if err := json.Unmarshal(e.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		p = v
	case KindDeleted:
		var v Deleted
		if err := json.Unmarshal(e.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		p = v
	case KindUnreadCount:
		var v UnreadCount
		if err := json.Unmarshal(e.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		p = v
	case KindUploadProgress:
		var v UploadProgress
		if err := json.Unmarshal(e.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		p = v
	case KindUser:
		var v User
		if err := json.Unmarshal(e.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: no decoder for %s", ErrMalformedPayload, kind)
	}

	if err := p.validate(e.EntityID); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodePost is Decode for events whose payload is a Post.
func (e *DomainEvent) DecodePost() (Post, error) {
	return decodeAs[Post](e)
}

// DecodeGroup is Decode for events whose payload is a Group.
func (e *DomainEvent) DecodeGroup() (Group, error) {
	return decodeAs[Group](e)
}

// DecodeDeleted is Decode for delete events.
func (e *DomainEvent) DecodeDeleted() (Deleted, error) {
	return decodeAs[Deleted](e)
}

// DecodeUnreadCount is Decode for unread counter events.
func (e *DomainEvent) DecodeUnreadCount() (UnreadCount, error) {
	return decodeAs[UnreadCount](e)
}

// DecodeUploadProgress is Decode for uploadProgress events.
func (e *DomainEvent) DecodeUploadProgress() (UploadProgress, error) {
	return decodeAs[UploadProgress](e)
}

// DecodeUser is Decode for userUpdated events.
func (e *DomainEvent) DecodeUser() (User, error) {
	return decodeAs[User](e)
}

func decodeAs[T Payload](e *DomainEvent) (T, error) {
	var zero T
	p, err := e.Decode()
	if err != nil {
		return zero, err
	}
	v, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s/%s carries %s, not %s", ErrMalformedPayload, e.Channel, e.Type, p.Kind(), zero.Kind())
	}
	return v, nil
}
