package discord

import (
	"errors"

	"github.com/bwmarrin/discordgo"
)

// Platform error codes that no retry can fix.
const (
	codeUnknownChannel     = 10003
	codeUnknownMessage     = 10008
	codeMissingAccess      = 50001
	codeCannotMessageUser  = 50007
	codeMissingPermissions = 50013
)

// ErrNotDMChannel marks a fetched channel that cannot carry DMs.
var ErrNotDMChannel = errors.New("channel is not DM-capable")

// APIErrorCode extracts the platform error code from err, or 0.
func APIErrorCode(err error) int {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Message != nil {
		return rest.Message.Code
	}
	return 0
}

// IsTerminalAPIError reports whether err carries a platform error code
// from the terminal set: unknown channel, unknown message, missing
// access, or missing permissions. Such failures never succeed on
// retry.
func IsTerminalAPIError(err error) bool {
	switch APIErrorCode(err) {
	case codeUnknownChannel, codeUnknownMessage, codeMissingAccess, codeMissingPermissions:
		return true
	}
	return errors.Is(err, ErrNotDMChannel)
}

// IsUnsendableUser reports whether err means the target user cannot
// receive DMs; terminal for DM-targeted sends.
func IsUnsendableUser(err error) bool {
	return APIErrorCode(err) == codeCannotMessageUser
}
