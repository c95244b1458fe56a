package secretmanager

import (
	"os"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

type Result struct {
	fx.Out
	Client *vault.Client
}

// ProvideVault builds a client from VAULT_ADDR / VAULT_TOKEN. Without
// VAULT_ADDR no client is provided and config keeps its plain values.
func ProvideVault() (Result, error) {
	if os.Getenv("VAULT_ADDR") == "" {
		return Result{}, nil
	}

	client, err := vault.New(
		vault.WithEnvironment(),
	)
	if err != nil {
		zap.L().Error("failed to create vault client", zap.Error(err))
		return Result{}, err
	}

	return Result{Client: client}, nil
}
