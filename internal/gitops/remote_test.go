package gitops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

func TestParseRemoteAllowlist(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		alias   string
		wantURL string
	}{
		{name: "https", raw: "https://github.com/acme/widgets", wantURL: "https://github.com/acme/widgets.git"},
		{name: "https with .git", raw: "https://github.com/acme/widgets.git", wantURL: "https://github.com/acme/widgets.git"},
		{name: "scp ssh", raw: "git@github.com:acme/widgets.git", wantURL: "git@github.com:acme/widgets.git"},
		{name: "ssh scheme", raw: "ssh://git@github.com/acme/widgets", wantURL: "git@github.com:acme/widgets.git"},
		{name: "ssh alias rewrite", raw: "git@github.com:acme/widgets.git", alias: "github-work", wantURL: "git@github-work:acme/widgets.git"},
		{name: "alias ignored for https", raw: "https://github.com/acme/widgets", alias: "github-work", wantURL: "https://github.com/acme/widgets.git"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			remote, err := ParseRemote(tc.raw, tc.alias)
			require.NoError(t, err)
			assert.Equal(t, tc.wantURL, remote.URL)
			assert.Equal(t, "acme", remote.Owner)
			assert.Equal(t, "widgets", remote.Repo)
		})
	}
}

func TestParseRemoteRejectsUnsafeURLs(t *testing.T) {
	for _, raw := range []string{
		"http://github.com/acme/widgets",
		"https://gitlab.com/acme/widgets",
		"file:///etc/passwd",
		"git://github.com/acme/widgets",
		"https://github.com/acme/widgets/extra",
		"https://github.com/-flag/widgets",
		"git@github.com:acme/-widgets.git",
		"ext::sh -c whoami",
		"",
	} {
		_, err := ParseRemote(raw, "")
		require.Error(t, err, "raw %q", raw)
		assert.Equal(t, faults.CodeUnsafeCloneURL, faults.CodeOf(err), "raw %q", raw)
	}
}

func TestRemoteURLs(t *testing.T) {
	remote, err := ParseRemote("git@github.com:acme/widgets.git", "")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets", remote.WebURL())
	assert.Equal(t, "https://github.com/acme/widgets/pull/new/job/def-1-fix", remote.CompareURL("job/def-1-fix"))
}

func TestValidRef(t *testing.T) {
	assert.NoError(t, validRef("job/def-1-fix-parser"))
	assert.NoError(t, validRef("main"))
	for _, ref := range []string{"", "-delete", "a..b", "has space", "tilde~1", "star*"} {
		assert.Error(t, validRef(ref), "ref %q", ref)
	}
}
