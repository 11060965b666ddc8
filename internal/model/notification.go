package model

import "time"

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	SubjectID string    `json:"entityId,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (n Notification) EntityID() string        { return n.ID }
func (n Notification) EntityKind() Kind        { return KindNotification }
func (n Notification) LastModified() time.Time { return n.UpdatedAt }

// Only the read flag is mutable from the client side.
func (n Notification) Field(name string) (any, bool) {
	if name == "read" {
		return n.Read, true
	}
	return nil, false
}

func (n Notification) WithField(name string, value any) (Notification, error) {
	switch name {
	case "read":
		read, err := asBool(KindNotification, name, value)
		if err != nil {
			return n, err
		}
		out := n
		out.Read = read
		return out, nil
	case "id", "userId", "type", "title", "message", "entityId", "createdAt", "updatedAt":
		return n, fieldErr(KindNotification, name, ErrImmutableField)
	default:
		return n, fieldErr(KindNotification, name, ErrUnknownField)
	}
}

func (n Notification) Clone() Notification {
	return n
}
