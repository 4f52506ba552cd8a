package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/felixgeelhaar/mnemo/internal/credential"
	"github.com/felixgeelhaar/mnemo/internal/provider"
	"github.com/felixgeelhaar/mnemo/internal/store"
)

func mnemoDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mnemo")
}

func getStore() store.Storage {
	storeLayer, err := store.NewSQLiteStore(filepath.Join(mnemoDir(), "mnemo.db"))
	if err != nil {
		fmt.Printf("Failed to init store: %v\n", err)
		os.Exit(1)
	}
	return storeLayer
}

// getSecret reads a config value and transparently decrypts it when it
// was stored encrypted.
func getSecret(s store.Storage, key string) string {
	val, _ := s.GetConfig(key)
	if val == "" || !credential.IsEncrypted(val) {
		return val
	}
	mgr, err := credential.NewManager()
	if err != nil {
		return ""
	}
	plain, err := mgr.Decrypt(val)
	if err != nil {
		return ""
	}
	return plain
}

func getProvider(s store.Storage) (provider.Provider, error) {
	switch providerType {
	case "openai":
		return provider.NewOpenAIProvider(getSecret(s, "openai.api_key"), getSecret(s, "openai.base_url"), modelName)
	case "ollama":
		return provider.NewOllamaProvider(modelName)
	case "gemini":
		return provider.NewGeminiProvider(getSecret(s, "gemini.api_key"), modelName)
	case "stub":
		return provider.NewStubProvider(), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s (use ollama, openai, gemini or stub)", providerType)
	}
}
