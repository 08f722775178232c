// Package gitops drives the coding-job git workflow: allowlisted clones,
// branch management, auto-commit of agent changes and push with
// non-fast-forward recovery. Every git call is an argument-array exec with
// a per-operation timeout; nothing goes through a shell.
package gitops

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

// Remote is a validated GitHub remote.
type Remote struct {
	// URL is the sanitized clone URL, alias-rewritten for SSH when
	// configured.
	URL   string
	Owner string
	Repo  string
	ssh   bool
}

var (
	httpsRemoteRe = regexp.MustCompile(`^https://github\.com/([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+?)(?:\.git)?$`)
	scpRemoteRe   = regexp.MustCompile(`^git@github\.com:([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+?)(?:\.git)?$`)
	sshRemoteRe   = regexp.MustCompile(`^ssh://git@github\.com/([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+?)(?:\.git)?$`)
)

// ParseRemote validates a clone URL against the GitHub allowlist. Anything
// that is not GitHub over HTTPS or SSH is UNSAFE_CLONE_URL; sshHostAlias,
// when set, rewrites SSH remotes to the operator's configured host alias.
func ParseRemote(raw, sshHostAlias string) (Remote, error) {
	raw = strings.TrimSpace(raw)

	var owner, repo string
	ssh := false
	switch {
	case httpsRemoteRe.MatchString(raw):
		m := httpsRemoteRe.FindStringSubmatch(raw)
		owner, repo = m[1], m[2]
	case scpRemoteRe.MatchString(raw):
		m := scpRemoteRe.FindStringSubmatch(raw)
		owner, repo, ssh = m[1], m[2], true
	case sshRemoteRe.MatchString(raw):
		m := sshRemoteRe.FindStringSubmatch(raw)
		owner, repo, ssh = m[1], m[2], true
	default:
		return Remote{}, faults.New(faults.CodeUnsafeCloneURL,
			fmt.Sprintf("remote %q is not a GitHub HTTPS or SSH URL", raw))
	}
	if strings.HasPrefix(owner, "-") || strings.HasPrefix(repo, "-") {
		return Remote{}, faults.New(faults.CodeUnsafeCloneURL,
			fmt.Sprintf("remote %q has a flag-like path component", raw))
	}

	url := fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	if ssh {
		host := "github.com"
		if sshHostAlias != "" {
			host = sshHostAlias
		}
		url = fmt.Sprintf("git@%s:%s/%s.git", host, owner, repo)
	}
	return Remote{URL: url, Owner: owner, Repo: repo, ssh: ssh}, nil
}

// WebURL returns the repository's browse URL.
func (r Remote) WebURL() string {
	return fmt.Sprintf("https://github.com/%s/%s", r.Owner, r.Repo)
}

// CompareURL returns the new-pull-request URL for a pushed branch.
func (r Remote) CompareURL(branch string) string {
	return r.WebURL() + "/pull/new/" + branch
}

// validRef rejects ref names that could be parsed as git flags or
// traversal tricks. Branch names from metadata pass through here before
// any git invocation.
func validRef(name string) error {
	switch {
	case name == "",
		strings.HasPrefix(name, "-"),
		strings.Contains(name, ".."),
		strings.ContainsAny(name, " \t\n~^:?*[\\"):
		return fmt.Errorf("invalid git ref %q", name)
	}
	return nil
}
