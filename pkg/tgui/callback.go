package tgui

import "strings"

// Data formats inline callback data as "prefix:action:payload". Payload is
// kept as-is; an empty payload drops the trailing separator.
func Data(prefix, action, payload string) string {
	prefix = strings.TrimSpace(prefix)
	action = strings.TrimSpace(action)
	if payload == "" {
		return prefix + ":" + action
	}
	return prefix + ":" + action + ":" + payload
}

// SplitData is the inverse of Data. ok is false when data does not start
// with prefix.
func SplitData(data, prefix string) (action, payload string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(data), prefix+":")
	if !found {
		return "", "", false
	}
	action, payload, _ = strings.Cut(rest, ":")
	return action, payload, true
}

// CheckData rejects callback data Telegram would refuse.
func CheckData(data string) error {
	if len(data) > MaxCallbackDataLen {
		return ErrCallbackDataTooLong
	}
	return nil
}
