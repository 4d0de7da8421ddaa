package model

import (
	"errors"
	"strings"
)

// RoomTargetPrefix is the fixed prefix of a join target. The part after it
// is the room id.
const RoomTargetPrefix = "room:"

var (
	ErrTargetPrefix = errors.New("room target must start with '" + RoomTargetPrefix + "'")
	ErrTargetEmpty  = errors.New("room target has empty room id")
)

// ParseRoomTarget extracts the room id from a join target string.
func ParseRoomTarget(target string) (string, error) {
	if !strings.HasPrefix(target, RoomTargetPrefix) {
		return "", ErrTargetPrefix
	}
	roomID := target[len(RoomTargetPrefix):]
	if roomID == "" {
		return "", ErrTargetEmpty
	}
	return roomID, nil
}
