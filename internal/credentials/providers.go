package credentials

import "sort"

// toolProviders maps agent tool names to the credential provider each one
// draws on. Tools absent from the map run without credentials.
var toolProviders = map[string]string{
	"github_operations":   "github",
	"create_pull_request": "github",
	"push_branch":         "github",
	"web_search":          "serper",
	"fetch_page":          "serper",
	"llm_completion":      "openai",
	"generate_image":      "openai",
	"send_email":          "resend",
}

// providerEnv names the environment variable each provider's token is
// injected under for the agent subprocess.
var providerEnv = map[string]string{
	"github": "GITHUB_TOKEN",
	"serper": "SERPER_API_KEY",
	"openai": "OPENAI_API_KEY",
	"resend": "RESEND_API_KEY",
}

// EnvName returns the agent environment variable for a provider's token.
// ok=false means the provider has no token contract with the agent.
func EnvName(provider string) (string, bool) {
	name, ok := providerEnv[provider]
	return name, ok
}

// RequiredProviders returns the distinct credential providers demanded by
// the given tools, sorted. An empty result means the job runs
// credential-free on any worker.
func RequiredProviders(tools []string) []string {
	seen := make(map[string]struct{})
	for _, tool := range tools {
		if provider, ok := toolProviders[tool]; ok {
			seen[provider] = struct{}{}
		}
	}
	providers := make([]string, 0, len(seen))
	for provider := range seen {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	return providers
}

// Capabilities is the set of credential providers this worker holds,
// discovered once at startup via Probe.
type Capabilities struct {
	providers map[string]struct{}
}

// NewCapabilities builds a capability set from provider names.
func NewCapabilities(providers []string) *Capabilities {
	set := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		set[p] = struct{}{}
	}
	return &Capabilities{providers: set}
}

// Has reports whether the worker holds the given provider.
func (c *Capabilities) Has(provider string) bool {
	_, ok := c.providers[provider]
	return ok
}

// HasAll reports whether every required provider is held.
func (c *Capabilities) HasAll(required []string) bool {
	for _, p := range required {
		if !c.Has(p) {
			return false
		}
	}
	return true
}

// List returns the held providers, sorted.
func (c *Capabilities) List() []string {
	providers := make([]string, 0, len(c.providers))
	for p := range c.providers {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers
}
