package model

import "strings"

// ValidateRelpath enforces the store's path grammar: forward slashes,
// no leading or trailing slash, no "." or ".." segments, UTF-8 (Go
// strings already are). The workcopy root is the empty string.
func ValidateRelpath(p string) error {
	if p == "" {
		return nil
	}
	if strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return ErrInvalidPath
	}
	if strings.Contains(p, "\\") {
		return ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "":
			return ErrInvalidPath
		case ".", "..":
			return ErrInvalidPath
		}
	}
	return nil
}

// ParentRelpath returns the textual parent of p, or "" if p is already
// the workcopy root. It does not touch the filesystem: the tree is
// represented extensionally by string manipulation, never by pointers.
func ParentRelpath(p string) string {
	if p == "" {
		return ""
	}
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return ""
	}
	return p[:idx]
}

// PathDepth returns the number of path segments in p; the workcopy root
// has depth 0. A working row's op_depth equals the path-depth of the
// tree operation's root, so this is the op_depth validator.
func PathDepth(p string) int {
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// LikeEscape escapes '%', '_' and the escape character itself for use
// in a LIKE pattern with ESCAPE '#'.
func LikeEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '#', '%', '_':
			b.WriteByte('#')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SubtreeLikePattern builds the `prefix/%` LIKE pattern used for
// recursive-subtree matches under p.
func SubtreeLikePattern(p string) string {
	if p == "" {
		return "%"
	}
	return LikeEscape(p) + "/%"
}
