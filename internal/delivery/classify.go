package delivery

import (
	"errors"
	"strings"

	"freegamesbot/internal/transport"
)

var (
	ErrStopped        = errors.New("delivery: dispatcher stopped")
	ErrInvalidMessage = errors.New("delivery: invalid message")
)

// Class is the delivery-failure taxonomy.
type Class int

const (
	ClassNone Class = iota
	// ClassPermanent: the recipient can no longer be reached. It is marked
	// inactive and the error is not reported.
	ClassPermanent
	// ClassBenign: the provider refused a no-op; swallowed.
	ClassBenign
	// ClassUnclassified: anything else; reported to the operator.
	ClassUnclassified
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassPermanent:
		return "permanent"
	case ClassBenign:
		return "benign"
	case ClassUnclassified:
		return "unclassified"
	}
	return "unknown"
}

var permanentMarkers = []string{
	"bot was blocked by the user",
	"user is deactivated",
	"chat not found",
	"the group chat was deleted",
	"bot was kicked from the group chat",
}

var benignMarkers = []string{
	"message is not modified",
	"message to delete not found",
	"voice_messages_forbidden",
	"message can't be deleted for everyone",
}

// Classify maps a send error onto a Class. Matching is by sentinel first,
// then by case-insensitive substring of the error text.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, transport.ErrRecipientGone) {
		return ClassPermanent
	}
	text := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(text, m) {
			return ClassPermanent
		}
	}
	for _, m := range benignMarkers {
		if strings.Contains(text, m) {
			return ClassBenign
		}
	}
	return ClassUnclassified
}
