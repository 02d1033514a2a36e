package config

import (
	"fmt"
	"os"
	"strings"
)

// Secrets holds credentials that never live in worker.yaml.
type Secrets struct {
	TwilioAuthToken string
	OperatorUser    string
	OperatorPass    string
}

// ResolveSecret reads envName, preferring the file named by envName+"_FILE".
// An unset secret resolves to "".
func ResolveSecret(envName string) (string, error) {
	fileEnv := envName + "_FILE"
	if filePath := os.Getenv(fileEnv); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("failed to read secret from %s=%s: %w", fileEnv, filePath, err)
		}
		return strings.TrimSpace(string(content)), nil
	}
	return os.Getenv(envName), nil
}

// LoadSecrets resolves every secret used by the binaries.
func LoadSecrets() (*Secrets, error) {
	var s Secrets
	targets := []struct {
		env string
		dst *string
	}{
		{"TWILIO_AUTH_TOKEN", &s.TwilioAuthToken},
		{"TRIPS_OPERATOR_USER", &s.OperatorUser},
		{"TRIPS_OPERATOR_PASS", &s.OperatorPass},
	}
	for _, t := range targets {
		v, err := ResolveSecret(t.env)
		if err != nil {
			return nil, err
		}
		*t.dst = v
	}
	return &s, nil
}

// OperatorAuthEnabled reports whether operator endpoints require basic auth.
func (s *Secrets) OperatorAuthEnabled() bool {
	return s.OperatorUser != "" && s.OperatorPass != ""
}
