package engine

import (
	"fmt"

	"marketchat/internal/api"
	"marketchat/internal/auth"
	"marketchat/internal/config"
	"marketchat/internal/connection"
	"marketchat/internal/gateway"
)

// Bootstrap wires a production engine from configuration and the bearer
// credential supplied by the auth collaborator.
func Bootstrap(cfg *config.Config, credential string) (*Engine, error) {
	identity, err := auth.ParseToken(credential, cfg.AuthKey)
	if err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}

	apiClient, err := api.NewClient(api.ClientConfig{
		BaseURL:    cfg.APIBaseURL,
		Credential: credential,
	})
	if err != nil {
		return nil, err
	}

	// The manager's state hook needs the engine, which needs the manager;
	// the closure resolves the cycle. Connect happens after both exist.
	var eng *Engine
	manager := connection.NewManager(connection.Config{
		Ring:       gateway.NewRing(cfg.GatewayURLs),
		Credential: credential,
		Identity:   *identity,
		OnState: func(s connection.State) {
			if eng != nil {
				eng.HandleConnectionState(s)
			}
		},
	})

	eng = New(Config{
		Identity:  *identity,
		API:       apiClient,
		Transport: manager,
		StateDir:  cfg.StateDir,
	})
	return eng, nil
}
