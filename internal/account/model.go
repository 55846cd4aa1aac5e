package account

import (
	"encoding/json"
	"time"
)

// Platform identifies the social platform an account session belongs to.
type Platform string

const (
	PlatformDouyin      Platform = "douyin"
	PlatformKuaishou    Platform = "kuaishou"
	PlatformXiaohongshu Platform = "xiaohongshu"
	PlatformBilibili    Platform = "bilibili"
	PlatformTencent     Platform = "tencent"
	PlatformTikTok      Platform = "tiktok"
	PlatformWeibo       Platform = "weibo"
)

// Platforms lists every supported platform.
var Platforms = []Platform{
	PlatformDouyin, PlatformKuaishou, PlatformXiaohongshu, PlatformBilibili,
	PlatformTencent, PlatformTikTok, PlatformWeibo,
}

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

// Status represents account session status
type Status string

const (
	StatusUnchecked   Status = "unchecked"
	StatusValid       Status = "valid"
	StatusExpired     Status = "expired"
	StatusFileMissing Status = "file_missing"
)

// Allocatable reports whether a session in this status may receive a proxy.
func (s Status) Allocatable() bool {
	return s == StatusValid || s == StatusUnchecked
}

// Affinity narrows which proxies an account may be bound to.
type Affinity struct {
	Country  string `json:"country,omitempty"`
	Region   string `json:"region,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// IsZero reports whether no affinity is set.
func (a Affinity) IsZero() bool {
	return a == Affinity{}
}

// Session is one stored authenticated artifact for an account.
type Session struct {
	ID               string     `json:"id"`
	Platform         Platform   `json:"platform"`
	Name             string     `json:"name"`
	ArtifactRef      string     `json:"credential_artifact_ref"`
	Status           Status     `json:"status"`
	PlatformIdentity string     `json:"platform_identity,omitempty"`
	BoundProxyID     string     `json:"bound_proxy_id,omitempty"`
	Affinity         Affinity   `json:"affinity"`
	Recaptured       bool       `json:"recaptured"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastVerifiedAt   *time.Time `json:"last_verified_at"`
}

func (s Session) clone() Session {
	c := s
	if s.LastVerifiedAt != nil {
		t := *s.LastVerifiedAt
		c.LastVerifiedAt = &t
	}
	return c
}

// Input represents input for registering a captured session
type Input struct {
	Platform Platform        `json:"platform" binding:"required"`
	Name     string          `json:"name"`
	Artifact json.RawMessage `json:"credential_artifact" binding:"required"`
	Affinity Affinity        `json:"affinity"`
}

// Filter selects sessions in List. Empty fields match everything.
type Filter struct {
	Platform Platform
	Status   Status
	Bound    *bool
}

func (f Filter) match(s *Session) bool {
	if f.Platform != "" && s.Platform != f.Platform {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Bound != nil && (s.BoundProxyID != "") != *f.Bound {
		return false
	}
	return true
}
