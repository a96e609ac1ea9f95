package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/notes/topic.md", "/notes/topic.md"},
		{"notes/topic.md", "/notes/topic.md"},
		{"/notes//nested///doc.md", "/notes/nested/doc.md"},
		{`notes\windows\style.md`, "/notes/windows/style.md"},
		{"/notes/./doc.md", "/notes/doc.md"},
	}
	for _, c := range cases {
		got, err := NormalizePath(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestNormalizePathRejectsTraversal(t *testing.T) {
	bad := []string{
		"",
		"../etc/passwd",
		"/notes/../../etc/passwd",
		`..\foo`,
		"%2e%2e%2fetc%2fpasswd",
		"%252e%252e%252fsecret",
		"/notes/doc\x00.md",
		"/notes/%00.md",
	}
	for _, in := range bad {
		_, err := NormalizePath(in)
		assert.Error(t, err, "expected rejection for %q", in)
	}
}

func TestIdentityFilesAreProtected(t *testing.T) {
	protected := []string{
		"/IDENTITY.md", "/identity.md", "/Identity.MD",
		"/SOUL.md", "/soul.md",
		"/AGENTS.md", "/USER.md", "/user.md",
	}
	for _, p := range protected {
		_, err := CheckWritable(p)
		assert.Error(t, err, "expected write rejection for %q", p)
	}

	// Similar but distinct names pass.
	ok, err := CheckWritable("/identity-notes.md")
	require.NoError(t, err)
	assert.Equal(t, "/identity-notes.md", ok)
}
