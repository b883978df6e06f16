package providers

import (
	"fmt"

	"github.com/nextlevelbuilder/agentgate/internal/authpool"
)

// ForProfile builds a provider client bound to the profile's credential.
func ForProfile(p authpool.Profile) (Provider, error) {
	switch p.Provider {
	case "anthropic":
		return NewAnthropic(p.Key, p.BaseURL), nil
	case "openai":
		return NewOpenAI(p.Key, p.BaseURL), nil
	default:
		return nil, fmt.Errorf("providers: unknown provider %q", p.Provider)
	}
}
