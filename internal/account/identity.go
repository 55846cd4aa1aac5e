package account

import (
	"encoding/json"
	"strings"
)

// DefaultIdentityKeys maps each platform to the cookie carrying its user id.
var DefaultIdentityKeys = map[Platform]string{
	PlatformDouyin:      "uid_tt",
	PlatformKuaishou:    "userId",
	PlatformXiaohongshu: "x-user-id-creator.xiaohongshu.com",
	PlatformBilibili:    "DedeUserID",
	PlatformTencent:     "wxuin",
	PlatformTikTok:      "uid_tt",
	PlatformWeibo:       "SUBP",
}

// storageState is the browser storage-state layout the login flow captures.
type storageState struct {
	Cookies []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"cookies"`
}

// Cookies returns the named cookie values of an artifact. Both the
// storage-state layout and a flat {"name": "value"} object are accepted.
func Cookies(artifact []byte) (map[string]string, error) {
	var state storageState
	if err := json.Unmarshal(artifact, &state); err == nil && len(state.Cookies) > 0 {
		out := make(map[string]string, len(state.Cookies))
		for _, c := range state.Cookies {
			out[c.Name] = c.Value
		}
		return out, nil
	}

	var flat map[string]json.RawMessage
	if err := json.Unmarshal(artifact, &flat); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(flat))
	for k, raw := range flat {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			out[k] = s
		}
	}
	return out, nil
}

// ExtractIdentity looks up the platform's identity key inside the artifact.
// A missing key is not an error: it only means the identity is unknown.
func ExtractIdentity(platform Platform, artifact []byte) (string, bool) {
	return extractIdentity(DefaultIdentityKeys, platform, artifact)
}

func extractIdentity(keys map[Platform]string, platform Platform, artifact []byte) (string, bool) {
	key, ok := keys[platform]
	if !ok || key == "" {
		return "", false
	}
	cookies, err := Cookies(artifact)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(cookies[key])
	if v == "" {
		return "", false
	}
	return v, true
}
