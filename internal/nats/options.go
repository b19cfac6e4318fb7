package nats

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

// ClientOptions is the one place endpoint and credential material from a
// ConnectionConfig is turned into NATS dial options.
type ClientOptions struct {
	URL  string
	Name string

	User     string
	Password string
	Token    string
	JWT      string
	Seed     string

	CredentialsFile string
	Extra           []nats.Option
}

type inlineCredentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Token    string `json:"token"`
	JWT      string `json:"jwt"`
	Seed     string `json:"seed"`
}

// NewClientOptions resolves cfg into ClientOptions.
func NewClientOptions(cfg *pubsub.ConnectionConfig) (ClientOptions, error) {
	opts := ClientOptions{
		URL:             cfg.Endpoint(),
		Name:            "ojs-pubsub-jobs/" + cfg.Name,
		CredentialsFile: cfg.CredentialsPath,
	}
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}

	if cfg.CredentialsJSON != "" {
		var creds inlineCredentials
		if err := json.Unmarshal([]byte(cfg.CredentialsJSON), &creds); err != nil {
			return ClientOptions{}, core.NewConfigurationError("invalid credentials JSON for connection "+cfg.Name, map[string]any{
				"connection": cfg.Name,
				"error":      err.Error(),
			})
		}
		opts.User = creds.User
		opts.Password = creds.Password
		opts.Token = creds.Token
		opts.JWT = creds.JWT
		opts.Seed = creds.Seed
	}

	if cfg.Credential != nil {
		opt, ok := cfg.Credential.(nats.Option)
		if !ok {
			return ClientOptions{}, core.NewConfigurationError("credential for connection "+cfg.Name+" is not a nats.Option", map[string]any{
				"connection": cfg.Name,
			})
		}
		opts.Extra = append(opts.Extra, opt)
	}
	return opts, nil
}

// NATSOptions returns the dial options.
func (o ClientOptions) NATSOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(o.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	switch {
	case o.JWT != "" && o.Seed != "":
		opts = append(opts, nats.UserJWTAndSeed(o.JWT, o.Seed))
	case o.Token != "":
		opts = append(opts, nats.Token(o.Token))
	case o.User != "":
		opts = append(opts, nats.UserInfo(o.User, o.Password))
	}
	if o.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(o.CredentialsFile))
	}
	return append(opts, o.Extra...)
}
