package automation

import (
	"time"

	"github.com/medofficehq/automation/pkg/common/config"
	"github.com/medofficehq/automation/pkg/gateway/auth"
	"github.com/medofficehq/automation/pkg/gateway/httpclient"
)

// NewClientFromConfig builds a Client with credentials, environment and
// modifier policy taken from cfg.
func NewClientFromConfig(cfg *config.Config) (*Client, error) {
	policy, err := LoadModifierPolicy(cfg.RulesPolicyPath)
	if err != nil {
		return nil, err
	}

	httpClient := httpclient.New(0)
	caller := httpclient.NewCaller(httpclient.CallerConfig{
		BaseURL:     cfg.APIBaseURL,
		Environment: cfg.APIEnvironment,
		Tokens:      auth.NewTokenSource(cfg, httpClient),
		Client:      httpClient,
	})

	return NewClient(caller, policy, cfg.SubmitTimeout, cfg.CatalogTimeout), nil
}

func RunnerConfigFrom(cfg *config.Config) RunnerConfig {
	return RunnerConfig{
		PollInterval:         cfg.PollInterval,
		PollRequestTimeout:   cfg.PollRequestTimeout,
		ResultsTimeout:       cfg.ResultsTimeout,
		ResultsFetchAttempts: cfg.ResultsFetchAttempts,
		ResultsRetryDelay:    time.Second,
	}
}
