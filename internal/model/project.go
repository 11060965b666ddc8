package model

import (
	"fmt"
	"time"
)

type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "ACTIVE"
	ProjectOnHold    ProjectStatus = "ON_HOLD"
	ProjectCompleted ProjectStatus = "COMPLETED"
	ProjectArchived  ProjectStatus = "ARCHIVED"
)

func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectActive, ProjectOnHold, ProjectCompleted, ProjectArchived:
		return true
	default:
		return false
	}
}

type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      ProjectStatus `json:"status"`
	OwnerID     string        `json:"ownerId,omitempty"`
	MemberIDs   []string      `json:"memberIds,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

func (p Project) EntityID() string        { return p.ID }
func (p Project) EntityKind() Kind        { return KindProject }
func (p Project) LastModified() time.Time { return p.UpdatedAt }

func (p Project) Clone() Project {
	out := p
	if p.MemberIDs != nil {
		out.MemberIDs = append([]string(nil), p.MemberIDs...)
	}
	return out
}

func (p Project) Field(name string) (any, bool) {
	switch name {
	case "name":
		return p.Name, true
	case "description":
		return p.Description, true
	case "status":
		return string(p.Status), true
	case "ownerId":
		return p.OwnerID, true
	case "memberIds":
		return append([]string(nil), p.MemberIDs...), true
	default:
		return nil, false
	}
}

func (p Project) WithField(name string, value any) (Project, error) {
	out := p.Clone()
	switch name {
	case "name":
		s, err := asString(KindProject, name, value)
		if err != nil {
			return p, err
		}
		out.Name = s
	case "description":
		s, err := asString(KindProject, name, value)
		if err != nil {
			return p, err
		}
		out.Description = s
	case "status":
		s, err := asString(KindProject, name, value)
		if err != nil {
			return p, err
		}
		status := ProjectStatus(s)
		if !status.Valid() {
			return p, fieldErr(KindProject, name, fmt.Errorf("%w: unknown status %q", ErrInvalidValue, s))
		}
		out.Status = status
	case "ownerId":
		s, err := asString(KindProject, name, value)
		if err != nil {
			return p, err
		}
		out.OwnerID = s
	case "memberIds":
		members, err := asStrings(KindProject, name, value)
		if err != nil {
			return p, err
		}
		out.MemberIDs = members
	case "id", "createdAt", "updatedAt":
		return p, fieldErr(KindProject, name, ErrImmutableField)
	default:
		return p, fieldErr(KindProject, name, ErrUnknownField)
	}
	return out, nil
}
