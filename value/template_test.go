package value

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tangram-dev/tangram/id"
)

func TestRender(t *testing.T) {
	artifact := HandleWithID(id.New(id.Directory, []byte("d")))
	tmpl := NewTemplate(
		StringComponent("PATH="),
		ArtifactComponent{Artifact: artifact},
		StringComponent("/bin"),
		PlaceholderComponent{Name: "output"},
	)
	got, err := tmpl.Render(func(c Component) (string, error) {
		switch c := c.(type) {
		case StringComponent:
			return string(c), nil
		case ArtifactComponent:
			i, _ := c.Artifact.CachedID()
			return "/tg/artifacts/" + i.String(), nil
		case PlaceholderComponent:
			return "/out/" + c.Name, nil
		}
		return "", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	artifactID, _ := artifact.CachedID()
	want := "PATH=/tg/artifacts/" + artifactID.String() + "/bin/out/output"
	if got != want {
		t.Fatalf("render = %q, want %q", got, want)
	}
}

func TestUnrender(t *testing.T) {
	artifactID := id.New(id.File, []byte("f"))
	s := "PATH=/tg/artifacts/" + artifactID.String() + "/bin:/usr/bin"
	tmpl, err := Unrender([]string{"/tg/artifacts"}, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(tmpl.Components) != 3 {
		t.Fatalf("components = %d, want 3", len(tmpl.Components))
	}
	if got := tmpl.Components[0].(StringComponent); got != "PATH=" {
		t.Fatalf("component 0 = %q", got)
	}
	a := tmpl.Components[1].(ArtifactComponent)
	if i, _ := a.Artifact.CachedID(); i != artifactID {
		t.Fatalf("component 1 id = %s, want %s", i, artifactID)
	}
	if got := tmpl.Components[2].(StringComponent); got != "/bin:/usr/bin" {
		t.Fatalf("component 2 = %q", got)
	}
}

func TestUnrenderExactArtifactPath(t *testing.T) {
	artifactID := id.New(id.Directory, []byte("d"))
	tmpl, err := Unrender([]string{"/tg/artifacts"}, "/tg/artifacts/"+artifactID.String())
	if err != nil {
		t.Fatal(err)
	}
	if len(tmpl.Components) != 1 {
		t.Fatalf("components = %d, want 1", len(tmpl.Components))
	}
	if _, ok := tmpl.Components[0].(ArtifactComponent); !ok {
		t.Fatalf("component is %T, want ArtifactComponent", tmpl.Components[0])
	}
}

func TestUnrenderRejectsNonArtifactID(t *testing.T) {
	targetID := id.New(id.Target, []byte("t"))
	if _, err := Unrender([]string{"/tg/artifacts"}, "/tg/artifacts/"+targetID.String()); err == nil {
		t.Fatal("expected error for non-artifact id in artifact position")
	}
}

func TestRenderUnrenderRoundTrip(t *testing.T) {
	artifactID := id.New(id.Directory, []byte("root"))
	original := NewTemplate(
		StringComponent("LD_LIBRARY_PATH="),
		ArtifactComponent{Artifact: HandleWithID(artifactID)},
		StringComponent("/lib"),
	)
	root := "/tg/artifacts"
	rendered, err := original.Render(func(c Component) (string, error) {
		switch c := c.(type) {
		case StringComponent:
			return string(c), nil
		case ArtifactComponent:
			i, _ := c.Artifact.CachedID()
			return root + "/" + i.String(), nil
		}
		return "", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	back, err := Unrender([]string{root}, rendered)
	if err != nil {
		t.Fatal(err)
	}
	normalize := func(tmpl *Template) []string {
		var out []string
		for _, c := range tmpl.Normalize().Components {
			switch c := c.(type) {
			case StringComponent:
				out = append(out, "s:"+string(c))
			case ArtifactComponent:
				i, _ := c.Artifact.CachedID()
				out = append(out, "a:"+i.String())
			}
		}
		return out
	}
	if diff := cmp.Diff(normalize(original), normalize(back)); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeFusesAdjacentStrings(t *testing.T) {
	tmpl := NewTemplate(StringComponent("a"), StringComponent(""), StringComponent("b"))
	n := tmpl.Normalize()
	if len(n.Components) != 1 || n.Components[0].(StringComponent) != "ab" {
		t.Fatalf("normalize = %#v", n.Components)
	}
}
