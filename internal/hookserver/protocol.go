// Package hookserver accepts pre-receive and post-receive callbacks from
// the hook shims installed in managed repositories, validates proposed ref
// updates, records pending updates and streams live progress back to the
// pushing client.
package hookserver

import (
	"encoding/json"
	"strings"
)

// RefUpdate is one (ref, old, new) tuple from a push.
type RefUpdate struct {
	RefName string `json:"ref_name"`
	OldSHA1 string `json:"old_sha1"`
	NewSHA1 string `json:"new_sha1"`
}

// Request is the JSON blob a hook shim sends, one per connection.
type Request struct {
	UserName       string            `json:"user_name"`
	RepositoryName string            `json:"repository_name"`
	Hook           string            `json:"hook"` // "pre-receive" or "post-receive"
	Refs           []RefUpdate       `json:"refs"`
	Environ        map[string]string `json:"environ"`
}

// Reply is one JSON line streamed back to the shim. Output lines arrive in
// any number; exactly one terminal line carries Accept or Reject.
type Reply struct {
	Output string `json:"output,omitempty"`
	Accept bool   `json:"accept,omitempty"`
	Reject bool   `json:"reject,omitempty"`
}

// Flags is the decoded CRITIC_FLAGS environment value.
type Flags struct {
	TrackedBranchID uint `json:"trackedbranch_id,omitempty"`
}

// sidebandPadding trails every relayed output line. Git's progress
// reporting rewrites the current terminal line; the padding keeps relayed
// hook output readable when the two interleave.
const sidebandPadding = "        "

// padOutput appends the sideband padding to each non-empty line.
func padOutput(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = line + sidebandPadding
		}
	}
	return strings.Join(lines, "\n")
}

// encodeRequest serialises a request for the policy hook's stdin.
func encodeRequest(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// parseFlags decodes the CRITIC_FLAGS JSON object from the hook
// environment. Malformed flags are treated as absent; the shim controls
// this value, not the pusher.
func parseFlags(environ map[string]string) Flags {
	var flags Flags
	if raw, ok := environ["CRITIC_FLAGS"]; ok && raw != "" {
		json.Unmarshal([]byte(raw), &flags)
	}
	return flags
}

// allowedPrefixes are the ref namespaces a push may touch.
var allowedPrefixes = []string{
	"refs/heads/",
	"refs/tags/",
	"refs/temporary/",
	"refs/keepalive/",
	"refs/roots/",
}

const maxRefNameLength = 256

// shaSuffixPrefixes require the terminal path component to equal the
// pushed SHA-1.
var shaSuffixPrefixes = []string{"refs/temporary/", "refs/keepalive/"}

// headsName returns the branch name of a refs/heads/ ref, or "" for other
// namespaces.
func headsName(refName string) string {
	if rest, ok := strings.CutPrefix(refName, "refs/heads/"); ok {
		return rest
	}
	return ""
}
