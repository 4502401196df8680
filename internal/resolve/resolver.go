package resolve

import (
	"errors"
	"fmt"

	"github.com/pagerelay/pagerelay/internal/keyring"
	"github.com/pagerelay/pagerelay/internal/store"
)

// Sentinel errors for the resolution failure modes. Callers classify on
// these with errors.Is to pick the user-facing failure code.
var (
	ErrPromptNotFound     = errors.New("prompt not found")
	ErrPlatformUnresolved = errors.New("no destination platform configured")
	ErrCredentialsMissing = errors.New("missing credentials")
)

// Request carries the caller-supplied resolution inputs. Every field is
// optional; resolution fills the gaps from tab preferences and policy.
type Request struct {
	CustomPrompt string
	PromptID     string
	PlatformID   string
	ModelID      string
	ContentType  string
}

// Resolution is the fully determined destination for one session: the
// instruction text plus a concrete platform, model, and generation params.
type Resolution struct {
	PromptText  string
	PlatformID  string
	ModelID     string
	Temperature float64
	MaxTokens   int
}

// HasCredentialsFunc checks that a platform is usable. Swappable for tests.
type HasCredentialsFunc func(platformID string) bool

// Resolver combines the prompt library, the model policy, per-tab
// preferences, and the configured fallback platform.
type Resolver struct {
	store           *store.Store
	policy          *Policy
	defaultPlatform string
	hasCredentials  HasCredentialsFunc
}

// NewResolver builds a resolver. defaultPlatform is the config-file fallback
// used when neither the request, the tab, nor the policy names a platform.
func NewResolver(st *store.Store, policy *Policy, defaultPlatform string) *Resolver {
	return &Resolver{
		store:           st,
		policy:          policy,
		defaultPlatform: defaultPlatform,
		hasCredentials:  keyring.HasCredentials,
	}
}

// SetCredentialCheck overrides the credential probe, for tests.
func (r *Resolver) SetCredentialCheck(fn HasCredentialsFunc) {
	r.hasCredentials = fn
}

// Resolve determines the prompt and destination for a session on tabID.
// Platform precedence is request > tab preference > policy default > config
// default. Failures map to the sentinel errors above.
func (r *Resolver) Resolve(tabID int64, req Request) (*Resolution, error) {
	prompt, err := ResolvePrompt(req.CustomPrompt, req.PromptID, req.ContentType)
	if err != nil {
		return nil, err
	}

	platformID := req.PlatformID
	modelID := req.ModelID
	if platformID == "" {
		prefs, err := r.store.GetPrefs(tabID)
		if err != nil {
			return nil, fmt.Errorf("read tab prefs: %w", err)
		}
		if prefs != nil && prefs.PlatformID != "" {
			platformID = prefs.PlatformID
			if modelID == "" {
				modelID = prefs.ModelID
			}
		}
	}
	if platformID == "" {
		platformID = r.policy.DefaultPlatform()
	}
	if platformID == "" {
		platformID = r.defaultPlatform
	}
	if platformID == "" {
		return nil, ErrPlatformUnresolved
	}

	if !r.hasCredentials(platformID) {
		return nil, fmt.Errorf("%w for platform %q", ErrCredentialsMissing, platformID)
	}

	params, err := r.policy.ResolveModel(platformID, modelID)
	if err != nil {
		// No policy entry is not fatal when the request named a model
		// explicitly; the platform validates the id itself.
		if modelID == "" {
			return nil, fmt.Errorf("%w: %v", ErrPlatformUnresolved, err)
		}
		params = ModelParams{ModelID: modelID}
	}

	return &Resolution{
		PromptText:  prompt,
		PlatformID:  platformID,
		ModelID:     params.ModelID,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}, nil
}
