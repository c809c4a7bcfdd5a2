package attendance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"rollcall/internal/model"
	"rollcall/pkg/tgui"
)

const choicePrefix = "rsvp"

// ParseReply reads a free-text answer such as "YES 7" or "no 12".
//
// ok is false when text is not an answer at all. A bare "YES"/"NO" resolves
// to the only active event; with zero or several active events it returns
// ok with eventID 0 and the caller must ask for an id.
func ParseReply(text string, activeIDs []int64) (eventID int64, choice model.Choice, ok bool) {
	parts := strings.Fields(text)
	if len(parts) == 0 || len(parts) > 2 {
		return 0, "", false
	}
	switch strings.ToUpper(parts[0]) {
	case "YES":
		choice = model.ChoiceYes
	case "NO":
		choice = model.ChoiceNo
	default:
		return 0, "", false
	}
	if len(parts) == 2 {
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || id <= 0 {
			return 0, "", false
		}
		return id, choice, true
	}
	if len(activeIDs) == 1 {
		return activeIDs[0], choice, true
	}
	return 0, choice, true
}

// EncodeChoiceData builds inline button data: rsvp:<id>:<yes|no>.
func EncodeChoiceData(eventID int64, choice model.Choice) string {
	return tgui.Data(choicePrefix, strconv.FormatInt(eventID, 10), string(choice))
}

var errBadChoiceData = errors.New("attendance: malformed choice data")

// DecodeChoiceData parses data produced by EncodeChoiceData.
func DecodeChoiceData(data string) (int64, model.Choice, error) {
	rawID, rawChoice, ok := tgui.SplitData(data, choicePrefix)
	if !ok {
		return 0, "", errBadChoiceData
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", errBadChoiceData
	}
	switch c := model.Choice(rawChoice); c {
	case model.ChoiceYes, model.ChoiceNo:
		return id, c, nil
	}
	return 0, "", fmt.Errorf("%w: %q", ErrInvalidChoice, rawChoice)
}

// IsChoiceData reports whether callback data belongs to this codec.
func IsChoiceData(data string) bool {
	_, _, ok := tgui.SplitData(data, choicePrefix)
	return ok
}
