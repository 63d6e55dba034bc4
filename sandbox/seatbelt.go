package sandbox

import (
	"fmt"
	"strings"
)

// SeatbeltProfile renders the TinyScheme sandbox profile for a spec: a
// deny-default baseline, narrow allows for devices and system
// plumbing, network rules, and a subpath rule per required mount.
func SeatbeltProfile(spec *Spec) string {
	var b strings.Builder
	b.WriteString("(version 1)\n")
	b.WriteString("(deny default)\n")

	// System plumbing every process needs.
	b.WriteString(`
(allow process-fork)
(allow process-exec)
(allow signal (target children))
(allow sysctl-read)
(allow mach-lookup)

(allow file-read*
	(literal "/dev/null")
	(literal "/dev/zero")
	(literal "/dev/random")
	(literal "/dev/urandom")
	(literal "/dev/stdin")
	(subpath "/dev/fd")
	(subpath "/etc")
	(subpath "/private/etc")
	(subpath "/usr/lib")
	(subpath "/usr/share")
	(subpath "/System/Library")
	(subpath "/System/Volumes/Preboot/Cryptexes")
	(subpath "/Library/Apple/usr/libexec/oah")
	(subpath "/bin")
	(subpath "/usr/bin"))

(allow file-write-data
	(literal "/dev/null")
	(literal "/dev/zero"))

(allow file-read-metadata)
`)

	if spec.Network {
		b.WriteString("\n(allow network*)\n")
	} else {
		b.WriteString(`
(deny network*)
(allow network* (local ip "localhost:*"))
(allow network* (remote unix-socket))
`)
	}

	for _, mount := range spec.Mounts {
		path := escapeSeatbeltString(mount.Path)
		fmt.Fprintf(&b, "\n(allow file-read* (subpath %s))\n", path)
		if mount.Mode >= ReadWrite {
			fmt.Fprintf(&b, "(allow file-write* (subpath %s))\n", path)
		}
	}
	return b.String()
}

// escapeSeatbeltString quotes a path byte-safely for TinyScheme: quotes
// and backslashes are escaped, and bytes outside printable ASCII are
// emitted as hex escapes.
func escapeSeatbeltString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c >= 0x20 && c < 0x7f:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "\\x%02x", c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
