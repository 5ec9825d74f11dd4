package mirror

import (
	"strconv"
	"strings"
)

// components of a `/` delimited location in a tree. The empty path is the root.
type Path []string

// empty segments are dropped, so "", "/" and "//" all denote the root
func ParsePath(path string) Path {
	parts := Path{}
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func (self Path) IsRoot() bool {
	return len(self) == 0
}

func (self Path) String() string {
	return "/" + strings.Join(self, "/")
}

func (self Path) Equal(other Path) bool {
	if len(self) != len(other) {
		return false
	}
	for i := range self {
		if self[i] != other[i] {
			return false
		}
	}
	return true
}

// non-negative decimal index. Signs are not accepted.
func parseIndex(component string) (int, bool) {
	index, err := strconv.ParseUint(component, 10, 0)
	if err != nil {
		return 0, false
	}
	if uint64(MaxArrayIndex) < index {
		// still an index, but out of the supported range
		return int(MaxArrayIndex) + 1, true
	}
	return int(index), true
}
