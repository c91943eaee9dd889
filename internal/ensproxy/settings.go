package ensproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// SettingEthRPC is the key holding the Ethereum RPC endpoint.
const SettingEthRPC = "eth_rpc"

// SettingsStore is a read-only key-value store of user settings.
type SettingsStore interface {
	// Get returns Missing if key has no value.
	Get(ctx context.Context, key string) (string, error)
}

// FileSettings reads settings from a flat JSON object such as
// {"eth_rpc": "https://..."}. The file is read on every Get so edits are
// picked up on reload.
type FileSettings struct {
	Path string
}

var _ SettingsStore = FileSettings{}

func (f FileSettings) Get(ctx context.Context, key string) (string, error) {
	byt, err := os.ReadFile(f.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", Missing
	case err != nil:
		return "", fmt.Errorf("read file: %w", err)
	}
	var vals map[string]string
	if err = json.Unmarshal(byt, &vals); err != nil {
		return "", fmt.Errorf("unmarshal: %w", err)
	}
	val, ok := vals[key]
	if !ok {
		return "", Missing
	}
	return val, nil
}

// NopSettings has no values.
type NopSettings struct{}

func (NopSettings) Get(context.Context, string) (string, error) {
	return "", Missing
}

// EthRPC reads the initial RPC endpoint. A missing value is not an error; it
// selects the client default.
func EthRPC(ctx context.Context, store SettingsStore) (string, error) {
	rpc, err := store.Get(ctx, SettingEthRPC)
	switch {
	case errors.Is(err, Missing):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("get %s: %w", SettingEthRPC, err)
	}
	return rpc, nil
}
