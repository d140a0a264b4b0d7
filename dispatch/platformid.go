package dispatch

import (
	"fmt"
	"strings"
)

// PlatformID is the decomposed form of a platform-assigned message id.
//
// The platform serializes message ids as "<fromMe>_<remote>_<ref>", e.g.
// "true_5511999999999@c.us_3EB0C127D1C7B2A2". The remote segment is the
// canonical chat identity, which is not guaranteed to match the destination
// string the dispatcher sent (the platform may rewrite it), so the returned
// id must be parsed rather than assumed.
type PlatformID struct {
	FromMe bool
	Remote string // canonical chat identity
	Ref    string // platform-unique reference
}

// String re-serializes the id in the platform's wire form.
func (p PlatformID) String() string {
	return fmt.Sprintf("%t_%s_%s", p.FromMe, p.Remote, p.Ref)
}

// ParsePlatformID decomposes a serialized platform message id. Ids without
// the direction prefix are accepted as bare references with no remote —
// older platform builds returned those for some message kinds.
func ParsePlatformID(s string) (PlatformID, error) {
	if s == "" {
		return PlatformID{}, fmt.Errorf("dispatch: empty platform id")
	}

	var fromMe bool
	rest := s
	switch {
	case strings.HasPrefix(s, "true_"):
		fromMe = true
		rest = s[len("true_"):]
	case strings.HasPrefix(s, "false_"):
		rest = s[len("false_"):]
	default:
		return PlatformID{Ref: s}, nil
	}

	// The remote segment always carries an "@" server suffix; the ref is
	// everything after the underscore that follows it.
	at := strings.IndexByte(rest, '@')
	if at < 0 {
		return PlatformID{}, fmt.Errorf("dispatch: malformed platform id %q", s)
	}
	sep := strings.IndexByte(rest[at:], '_')
	if sep < 0 {
		return PlatformID{FromMe: fromMe, Remote: rest}, nil
	}
	return PlatformID{
		FromMe: fromMe,
		Remote: rest[:at+sep],
		Ref:    rest[at+sep+1:],
	}, nil
}
