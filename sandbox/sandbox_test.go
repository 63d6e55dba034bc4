package sandbox

import (
	"strings"
	"testing"
)

func TestModeMerge(t *testing.T) {
	if got := Read.Merge(ReadWrite); got != ReadWrite {
		t.Fatalf("Read+ReadWrite = %v", got)
	}
	if got := ReadWriteCreate.Merge(Read); got != ReadWriteCreate {
		t.Fatalf("ReadWriteCreate+Read = %v", got)
	}
	if got := ReadWrite.Merge(ReadWrite); got != ReadWrite {
		t.Fatalf("ReadWrite+ReadWrite = %v", got)
	}
}

func TestMergeMountsSorted(t *testing.T) {
	mounts := MergeMounts(map[string]Mode{
		"/b": Read,
		"/a": ReadWrite,
	})
	if len(mounts) != 2 || mounts[0].Path != "/a" || mounts[1].Path != "/b" {
		t.Fatalf("mounts = %+v", mounts)
	}
}

func TestSeatbeltProfileDeniesByDefault(t *testing.T) {
	profile := SeatbeltProfile(&Spec{})
	if !strings.Contains(profile, "(deny default)") {
		t.Fatal("profile missing deny default")
	}
	if !strings.Contains(profile, "(deny network*)") {
		t.Fatal("network denied profile missing network deny")
	}
}

func TestSeatbeltProfileNetworkAllow(t *testing.T) {
	profile := SeatbeltProfile(&Spec{Network: true})
	if !strings.Contains(profile, "(allow network*)") {
		t.Fatal("network profile missing allow")
	}
	if strings.Contains(profile, "(deny network*)") {
		t.Fatal("network profile still denies network")
	}
}

func TestSeatbeltProfileMountRules(t *testing.T) {
	profile := SeatbeltProfile(&Spec{Mounts: []Mount{
		{Path: "/tg/artifacts/abc", Mode: Read},
		{Path: "/tg/temps/work", Mode: ReadWrite},
	}})
	if !strings.Contains(profile, `(allow file-read* (subpath "/tg/artifacts/abc"))`) {
		t.Fatal("read mount rule missing")
	}
	if strings.Contains(profile, `(allow file-write* (subpath "/tg/artifacts/abc"))`) {
		t.Fatal("read mount must not be writable")
	}
	if !strings.Contains(profile, `(allow file-write* (subpath "/tg/temps/work"))`) {
		t.Fatal("write mount rule missing")
	}
}

func TestEscapeSeatbeltString(t *testing.T) {
	if got := escapeSeatbeltString(`/a"b\c`); got != `"/a\"b\\c"` {
		t.Fatalf("escaped = %s", got)
	}
	if got := escapeSeatbeltString("/a\nb"); got != `"/a\x0ab"` {
		t.Fatalf("escaped = %s", got)
	}
}
