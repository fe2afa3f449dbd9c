package authstate

import "time"

// Snapshot is the JSON-serializable projection of a State that the cache
// layer actually stores — cache.Typed marshals its value type directly, and
// an interface can't round-trip through encoding/json on its own, so the
// snapshot carries one populated variant alongside its tag.
type Snapshot struct {
	Tag string `json:"tag"`

	OAuth   *OAuthPending `json:"oauth,omitempty"`
	MFA     *MFAPending   `json:"mfa,omitempty"`
	Active  *Active       `json:"active,omitempty"`
	Revoked *Revoked      `json:"revoked,omitempty"`
}

func snapshotOf(s State) Snapshot {
	switch v := s.(type) {
	case Idle:
		return Snapshot{Tag: tagIdle}
	case OAuthPending:
		return Snapshot{Tag: tagOAuth, OAuth: &v}
	case MFAPending:
		return Snapshot{Tag: tagMFA, MFA: &v}
	case Active:
		return Snapshot{Tag: tagActive, Active: &v}
	case Revoked:
		return Snapshot{Tag: tagRevoked, Revoked: &v}
	default:
		return Snapshot{Tag: tagIdle}
	}
}

// State reconstructs the tagged State the snapshot represents.
func (s Snapshot) State() State {
	switch s.Tag {
	case tagOAuth:
		if s.OAuth != nil {
			return *s.OAuth
		}
	case tagMFA:
		if s.MFA != nil {
			return *s.MFA
		}
	case tagActive:
		if s.Active != nil {
			return *s.Active
		}
	case tagRevoked:
		if s.Revoked != nil {
			return *s.Revoked
		}
	}
	return Idle{}
}

// oauthStatePayload is the plaintext JSON the oauthState cookie's AES-GCM
// ciphertext decrypts to (§6's "base64url of AES-GCM-encrypted JSON {exp,
// provider, state, verifier?}").
type oauthStatePayload struct {
	ExpiresAtUnixMilli int64   `json:"exp"`
	Provider           string  `json:"provider"`
	State              string  `json:"state"`
	Verifier           *string `json:"verifier,omitempty"`
}

func (p oauthStatePayload) toPending() OAuthPending {
	return OAuthPending{
		Provider:   p.Provider,
		OAuthState: p.State,
		Verifier:   p.Verifier,
		ExpiresAt:  time.UnixMilli(p.ExpiresAtUnixMilli),
	}
}

func payloadOf(pending OAuthPending) oauthStatePayload {
	return oauthStatePayload{
		ExpiresAtUnixMilli: pending.ExpiresAt.UnixMilli(),
		Provider:           pending.Provider,
		State:              pending.OAuthState,
		Verifier:           pending.Verifier,
	}
}
