package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"quoteflow/models"
)

// AccountSpec is the YAML form of one upstream feed account. The account
// snapshot lives in its own file so operators can re-prioritize feeds
// without touching the engine configuration.
type AccountSpec struct {
	ID       string            `yaml:"id"`
	FeedType string            `yaml:"feed_type"`
	Settings map[string]string `yaml:"settings"`
	Priority int               `yaml:"priority"`
	Enabled  bool              `yaml:"enabled"`
	Symbols  []string          `yaml:"symbols"`
}

// AccountsFile represents the full account snapshot.
type AccountsFile struct {
	Accounts []AccountSpec `yaml:"accounts"`
}

// LoadAccounts loads the account snapshot from the given path.
func LoadAccounts(path string) ([]models.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	var file AccountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Accounts))
	accounts := make([]models.Account, 0, len(file.Accounts))
	for i, spec := range file.Accounts {
		if spec.ID == "" {
			return nil, fmt.Errorf("accounts[%d]: id is required", i)
		}
		if _, dup := seen[spec.ID]; dup {
			return nil, fmt.Errorf("accounts[%d]: duplicate id '%s'", i, spec.ID)
		}
		seen[spec.ID] = struct{}{}
		if spec.FeedType == "" {
			return nil, fmt.Errorf("accounts[%d]: feed_type is required", i)
		}
		if spec.Priority <= 0 {
			return nil, fmt.Errorf("accounts[%d]: priority must be greater than 0", i)
		}
		if spec.Enabled && len(spec.Symbols) == 0 {
			return nil, fmt.Errorf("accounts[%d]: enabled account '%s' has no symbols", i, spec.ID)
		}
		accounts = append(accounts, models.Account{
			ID:       spec.ID,
			FeedType: models.FeedType(spec.FeedType),
			Settings: spec.Settings,
			Priority: spec.Priority,
			Enabled:  spec.Enabled,
			Symbols:  spec.Symbols,
		})
	}
	return accounts, nil
}
