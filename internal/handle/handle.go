// Package handle generates and validates model handles and derives replica
// identifiers from them.
//
// A replica identifier is "<handle>@<index>". Base handles may not contain
// '@', so a base handle is never a valid replica identifier and parsing is
// unambiguous.
package handle

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"fleetd/internal/errdefs"
)

const replicaSep = "@"

var validHandle = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// New returns a fresh cluster-unique handle.
func New() string { return uuid.NewString() }

// Validate checks that h can serve as a base handle.
func Validate(h string) error {
	if !validHandle.MatchString(h) {
		return errdefs.InvalidArgument("invalid model handle %q: want [A-Za-z0-9][A-Za-z0-9._-]*", h)
	}
	return nil
}

// Replica builds the identifier of replica i of base handle h.
func Replica(h string, i int) string {
	return h + replicaSep + strconv.Itoa(i)
}

// Parse splits a replica identifier into its base handle and index.
func Parse(id string) (string, int, error) {
	idx := strings.LastIndex(id, replicaSep)
	if idx < 0 {
		return "", 0, errdefs.InvalidArgument("%q is not a replica identifier", id)
	}
	base, num := id[:idx], id[idx+1:]
	if err := Validate(base); err != nil {
		return "", 0, err
	}
	// canonical decimal only, so build/parse is a bijection
	if num == "" || (len(num) > 1 && num[0] == '0') || strings.Trim(num, "0123456789") != "" {
		return "", 0, errdefs.InvalidArgument("bad replica index in %q", id)
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return "", 0, errdefs.InvalidArgument("bad replica index in %q", id)
	}
	return base, n, nil
}

// IsReplica reports whether id parses as a replica identifier.
func IsReplica(id string) bool {
	_, _, err := Parse(id)
	return err == nil
}

// Base returns the base handle of id, or id itself when it is not a replica
// identifier.
func Base(id string) string {
	if b, _, err := Parse(id); err == nil {
		return b
	}
	return id
}
