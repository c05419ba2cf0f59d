package credential

import (
	apperrors "github.com/lk2023060901/ai-chat-backend/internal/pkg/errors"
)

// Credential is one provider key usable for a generation call. Key
// material is opaque here; a credential is selected once per turn and is
// swappable exactly once (primary to fallback) on a retryable failure.
type Credential struct {
	Provider string
	Key      string
	BaseURL  string
	Priority bool // caller marked this provider's credential as preferred
	Owned    bool // caller-supplied, as opposed to the shared service key
}

// ModelDescriptor describes the credential policy of a selected model.
type ModelDescriptor struct {
	ID       string
	Provider string

	// FreeTier models always run on the shared credential.
	FreeTier bool
	// RequiresOwnKey models refuse the shared credential entirely.
	RequiresOwnKey bool
	// AllowsOwnKey models accept a caller credential when one exists.
	AllowsOwnKey bool
}

// Resolution is the credential decision for one turn: the primary
// attempt and the single permitted fallback, if any.
type Resolution struct {
	Primary  Credential
	Fallback *Credential
}

// Resolve decides which credential serves a turn and whether a fallback
// swap is permitted.
//
// The caller credential is primary when the model is caller-only, when
// the caller marked the provider's credential as priority, or when the
// model generically allows caller credentials; otherwise the shared
// credential is primary. Whenever both credentials are usable, the other
// one becomes the single permitted fallback.
func Resolve(model ModelDescriptor, shared *Credential, owned []Credential) (*Resolution, error) {
	var own *Credential
	for i := range owned {
		if owned[i].Provider == model.Provider {
			own = &owned[i]
			break
		}
	}

	if model.RequiresOwnKey && own == nil {
		return nil, apperrors.New(apperrors.ErrCredentialRequired, model.ID)
	}

	if model.FreeTier {
		if shared == nil {
			return nil, apperrors.New(apperrors.ErrProviderUnavail, "no shared credential configured")
		}
		return &Resolution{Primary: *shared}, nil
	}

	ownPrimary := own != nil && (model.RequiresOwnKey || own.Priority || model.AllowsOwnKey)

	switch {
	case ownPrimary:
		res := &Resolution{Primary: *own}
		if shared != nil && !model.RequiresOwnKey {
			res.Fallback = shared
		}
		return res, nil

	case shared != nil:
		// An owned credential the model does not accept is not usable,
		// so no fallback exists on this path.
		return &Resolution{Primary: *shared}, nil

	case own != nil:
		return &Resolution{Primary: *own}, nil

	default:
		return nil, apperrors.New(apperrors.ErrProviderUnavail, "no credential available for "+model.Provider)
	}
}
