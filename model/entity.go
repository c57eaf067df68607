package model

import (
	"fmt"
	"strings"
)

// EntityKind tags which identifier space an EntityRef.ID belongs to.
type EntityKind string

const (
	KindProfile EntityKind = "profile"
	KindPosting EntityKind = "posting"
)

func (k EntityKind) Valid() bool {
	switch k {
	case KindProfile, KindPosting:
		return true
	}
	return false
}

// EntityRef identifies either an individual profile or an organizational
// posting. Identifiers are only unique within a kind, so two refs are the
// same entity only when both kind and id match.
type EntityRef struct {
	Kind EntityKind `gorm:"size:16;not null" json:"kind" validate:"required,oneof=profile posting"`
	ID   string     `gorm:"size:64;not null" json:"id" validate:"required,max=64,excludesall=~.:"`
}

// idSeparators may not appear in an id: they delimit refs inside
// conversation ids and query strings.
const idSeparators = "~.:"

// Valid reports whether r has a known kind and an id that keeps
// ConversationID injective.
func (r EntityRef) Valid() bool {
	return r.Kind.Valid() && r.ID != "" && len(r.ID) <= 64 && !strings.ContainsAny(r.ID, idSeparators)
}

func (r EntityRef) Equal(o EntityRef) bool {
	return r.Kind == o.Kind && r.ID == o.ID
}

func (r EntityRef) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

func (r EntityRef) String() string {
	return string(r.Kind) + "." + r.ID
}

func (r EntityRef) less(o EntityRef) bool {
	if r.Kind != o.Kind {
		return r.Kind < o.Kind
	}
	return r.ID < o.ID
}

// ParseEntityRef reads the "kind:id" form used in query strings.
func ParseEntityRef(raw string) (EntityRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || id == "" {
		return EntityRef{}, fmt.Errorf("entity reference %q: want kind:id", raw)
	}
	ref := EntityRef{Kind: EntityKind(kind), ID: id}
	if !ref.Kind.Valid() {
		return EntityRef{}, fmt.Errorf("entity reference %q: unknown kind %q", raw, kind)
	}
	if !ref.Valid() {
		return EntityRef{}, fmt.Errorf("entity reference %q: malformed id", raw)
	}
	return ref, nil
}

// ConversationID returns the canonical id of the unordered pair (a, b).
func ConversationID(a, b EntityRef) string {
	if b.less(a) {
		a, b = b, a
	}
	return a.String() + "~" + b.String()
}

// Counterpart returns the side of the pair that is not self.
func Counterpart(self, sender, receiver EntityRef) EntityRef {
	if sender.Equal(self) {
		return receiver
	}
	return sender
}

// EntityOwner maps an entity to the user that acts for it. Rows are
// maintained by the profile and posting CRUD side.
type EntityOwner struct {
	Kind        EntityKind `gorm:"primaryKey;size:16"`
	ID          string     `gorm:"primaryKey;size:64"`
	OwnerUserID string     `gorm:"size:64;not null;index"`
	DisplayName string     `gorm:"size:255"`
}
