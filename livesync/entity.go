package livesync

import (
	"encoding/json"
	"fmt"
	"time"
)

type EntityKind string

const (
	EntityKindEvent        EntityKind = "event"
	EntityKindResource     EntityKind = "resource"
	EntityKindSeva         EntityKind = "seva"
	EntityKindShakha       EntityKind = "shakha"
	EntityKindNotification EntityKind = "notification"
)

// A server-owned record. The server assigns the id and is the only authority
// over the fields; the client never edits an entity without a server response.
type Entity interface {
	EntityId() string
	EntityKind() EntityKind
}

// A reference to a user. The server sends either the bare id
// or the populated user document, depending on the route.
type Ref struct {
	Id   string `json:"_id"`
	Name string `json:"name,omitempty"`
}

func (self *Ref) UnmarshalJSON(src []byte) error {
	var id string
	if err := json.Unmarshal(src, &id); err == nil {
		*self = Ref{Id: id}
		return nil
	}
	type populated Ref
	var p populated
	if err := json.Unmarshal(src, &p); err != nil {
		return fmt.Errorf("ref must be an id or a document: %w", err)
	}
	*self = Ref(p)
	return nil
}

func (self Ref) MarshalJSON() ([]byte, error) {
	if self.Name == "" {
		return json.Marshal(self.Id)
	}
	type populated Ref
	return json.Marshal(populated(self))
}

func containsRef(refs []Ref, id string) bool {
	for _, ref := range refs {
		if ref.Id == id {
			return true
		}
	}
	return false
}

type Event struct {
	Id           string     `json:"_id" validate:"required"`
	EventName    string     `json:"eventName"`
	Description  string     `json:"description,omitempty"`
	Date         *time.Time `json:"date,omitempty"`
	Type         string     `json:"type,omitempty"`
	Region       string     `json:"region,omitempty"`
	IsOpenToAll  bool       `json:"isOpenToAll"`
	Participants []Ref      `json:"participants"`
	CreatedBy    *Ref       `json:"createdBy,omitempty"`
}

func (self *Event) EntityId() string {
	return self.Id
}

func (self *Event) EntityKind() EntityKind {
	return EntityKindEvent
}

func (self *Event) IsInterested(viewerId string) bool {
	return viewerId != "" && containsRef(self.Participants, viewerId)
}

type Resource struct {
	Id          string     `json:"_id" validate:"required"`
	Title       string     `json:"title"`
	Type        string     `json:"type,omitempty"`
	FileUrl     string     `json:"fileUrl,omitempty"`
	UploadedBy  *Ref       `json:"uploadedBy,omitempty"`
	Category    string     `json:"category,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	PublishDate *time.Time `json:"publishDate,omitempty"`
}

func (self *Resource) EntityId() string {
	return self.Id
}

func (self *Resource) EntityKind() EntityKind {
	return EntityKindResource
}

type SevaProject struct {
	Id          string `json:"_id" validate:"required"`
	ProjectName string `json:"projectName"`
	Region      string `json:"region,omitempty"`
	Description string `json:"description,omitempty"`
	Goals       string `json:"goals,omitempty"`
	Metrics     string `json:"metrics,omitempty"`
	Volunteers  []Ref  `json:"volunteers,omitempty"`
	Donations   string `json:"donations,omitempty"`
	Status      string `json:"status,omitempty"`
}

func (self *SevaProject) EntityId() string {
	return self.Id
}

func (self *SevaProject) EntityKind() EntityKind {
	return EntityKindSeva
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Shakha struct {
	Id         string    `json:"_id" validate:"required"`
	Name       string    `json:"name"`
	Location   *Location `json:"location,omitempty"`
	Region     string    `json:"region,omitempty"`
	Category   string    `json:"category,omitempty"`
	Schedule   string    `json:"schedule,omitempty"`
	Visibility bool      `json:"visibility"`
}

func (self *Shakha) EntityId() string {
	return self.Id
}

func (self *Shakha) EntityKind() EntityKind {
	return EntityKindShakha
}

type Notification struct {
	Id         string    `json:"_id" validate:"required"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Recipients []string  `json:"recipients,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (self *Notification) EntityId() string {
	return self.Id
}

func (self *Notification) EntityKind() EntityKind {
	return EntityKindNotification
}
