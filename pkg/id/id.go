// Package id defines the small set of stable Matrix identifier types used
// throughout the bridge core.
package id

import "strings"

// UserID is a fully qualified Matrix user ID, e.g. "@alice:example.org".
type UserID string

// RoomID is a fully qualified Matrix room ID, e.g. "!abc123:example.org".
type RoomID string

// EventID is a fully qualified Matrix event ID.
type EventID string

// MXCURL is a homeserver-hosted media reference, e.g. "mxc://example.org/abc123".
type MXCURL string

// RoomAlias is a human readable room alias, e.g. "#general:example.org".
type RoomAlias string

// Localpart returns the part of the user ID before the ":", without the
// leading "@". Returns "" if userID is not of the form "@x:y".
func (u UserID) Localpart() string {
	s := string(u)
	if !strings.HasPrefix(s, "@") {
		return ""
	}
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return ""
	}
	return s[1:idx]
}

// Homeserver returns the server name portion of the user ID, i.e. everything
// after the first unescaped ":". Returns "" if userID has no ":".
func (u UserID) Homeserver() string {
	s := string(u)
	idx := strings.IndexByte(s, ':')
	if idx < 0 || idx+1 >= len(s) {
		return ""
	}
	return s[idx+1:]
}

// Valid reports whether u looks like a well formed Matrix user ID.
func (u UserID) Valid() bool {
	return u.Localpart() != "" && u.Homeserver() != ""
}

func (u UserID) String() string  { return string(u) }
func (r RoomID) String() string  { return string(r) }
func (e EventID) String() string { return string(e) }
func (m MXCURL) String() string  { return string(m) }
