package collab

import (
	"fmt"
	"net/http"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/config"
)

// PolicyFromConfig builds the retry policy from collaborator settings.
func PolicyFromConfig(cfg config.CollaboratorConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.RequestTimeout > 0 {
		p.RequestTimeout = cfg.RequestTimeout
	}
	if cfg.InitialBackoff > 0 {
		p.InitialBackoff = cfg.InitialBackoff
	}
	p.MaxRetries = cfg.MaxRetries
	return p
}

// FromConfig builds the generator and critic selected by cfg.Kind.
func FromConfig(cfg config.CollaboratorConfig, logger Logger) (Generator, Critic, error) {
	policy := PolicyFromConfig(cfg)

	switch cfg.Kind {
	case config.CollaboratorHTTP:
		if cfg.GeneratorURL == "" || cfg.CriticURL == "" {
			return nil, nil, fmt.Errorf("collaborators.generator_url and collaborators.critic_url are required for kind %q", cfg.Kind)
		}
		c := NewHTTPClient(cfg.GeneratorURL, cfg.CriticURL, &http.Client{}, policy, logger)
		return c, c, nil
	case config.CollaboratorCmd:
		if len(cfg.GeneratorCommand) == 0 || len(cfg.CriticCommand) == 0 {
			return nil, nil, fmt.Errorf("collaborators.generator_command and collaborators.critic_command are required for kind %q", cfg.Kind)
		}
		c := NewCommandClient(cfg.GeneratorCommand, cfg.CriticCommand, policy, logger)
		return c, c, nil
	default:
		return nil, nil, fmt.Errorf("unknown collaborator kind %q", cfg.Kind)
	}
}
