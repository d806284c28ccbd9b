package score

import "fmt"

// ProviderOpts selects and configures the sentiment provider by name.
type ProviderOpts struct {
	Name    string
	BaseURL string
	Model   string
	APIKey  string
}

// NewProvider builds the provider named in opts. An empty name selects the
// OpenAI batch provider.
func NewProvider(opts ProviderOpts) (Provider, error) {
	switch opts.Name {
	case "", "openai":
		return NewOpenAIBatch(OpenAIOpts{
			BaseURL: opts.BaseURL,
			APIKey:  opts.APIKey,
			Model:   opts.Model,
		}), nil
	default:
		return nil, fmt.Errorf("score: unknown provider %q", opts.Name)
	}
}
