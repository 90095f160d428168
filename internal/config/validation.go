package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// Common weak/default passwords and secrets to check for
var weakPasswords = []string{
	"password",
	"secret",
	"changeme",
	"admin",
	"root",
	"postgres",
	"123456",
	"12345678",
	"qwerty",
	"abc123",
	"default",
	"guest",
}

// ValidateForProduction validates that configuration is suitable for production use.
// It checks for insecure settings, weak secrets, and development configurations
// that should never be used in production environments.
func ValidateForProduction(cfg *Config) error {
	var errors []string

	// Validate environment setting
	if err := validateEnvironment(cfg); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate database security
	if err := validateDatabase(cfg); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate external service URLs
	if err := validateServiceURLs(cfg); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate adapter connection settings
	if err := validateAdapters(cfg); err != nil {
		errors = append(errors, err.Error())
	}

	// Log warnings for optional but recommended settings
	logProductionWarnings(cfg)

	if len(errors) > 0 {
		return fmt.Errorf("production configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	slog.Info("production configuration validated successfully")
	return nil
}

func validateEnvironment(cfg *Config) error {
	if cfg.Server.Env != "production" {
		return fmt.Errorf("APP_ENV must be 'production' in production deployment, got: %s", cfg.Server.Env)
	}
	return nil
}

func validateDatabase(cfg *Config) error {
	var errors []string

	// Check for weak database password
	if isWeakPassword(cfg.Database.Password) {
		errors = append(errors, "weak or default database password detected")
	}

	// Require SSL/TLS for database connections
	if cfg.Database.SSLMode == "disable" {
		errors = append(errors, "database SSL must be enabled in production (use 'require', 'verify-ca', or 'verify-full')")
	}

	// Check for localhost in database host (but allow valid hostnames)
	if cfg.Database.Host == "" || containsLocalhostURL(cfg.Database.Host) {
		errors = append(errors, "database host appears to be localhost or empty - use production database host")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}

	return nil
}

func validateServiceURLs(cfg *Config) error {
	var errors []string

	// Check Redis for localhost
	if containsLocalhostURL(cfg.Redis.Address) {
		errors = append(errors, "localhost detected in Redis address - use production Redis host")
	}

	// Check tracing endpoint if enabled
	if cfg.Observability.TracingEnabled && containsLocalhostURL(cfg.Observability.TracingEndpoint) {
		errors = append(errors, "localhost detected in tracing endpoint")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}

	return nil
}

// validateAdapters checks that every external adapter the dispatcher and
// batch planner depend on (C1: MPC, Nilai, Zcash, Vault) points at a real,
// HTTPS, non-loopback endpoint in production, and carries an API key that
// isn't an obvious placeholder.
func validateAdapters(cfg *Config) error {
	var errors []string

	type endpoint struct {
		name    string
		baseURL string
		apiKey  string
	}
	endpoints := []endpoint{
		{"MPC", cfg.Adapters.MPC.BaseURL, cfg.Adapters.MPC.APIKey},
		{"Nilai", cfg.Adapters.Nilai.BaseURL, cfg.Adapters.Nilai.APIKey},
		{"Zcash", cfg.Adapters.Zcash.BaseURL, cfg.Adapters.Zcash.APIKey},
		{"Vault", cfg.Adapters.Vault.BaseURL, cfg.Adapters.Vault.APIKey},
	}

	for _, ep := range endpoints {
		if ep.baseURL == "" {
			errors = append(errors, fmt.Sprintf("%s base URL is not configured", ep.name))
			continue
		}
		if containsLocalhostURL(ep.baseURL) {
			errors = append(errors, fmt.Sprintf("localhost URL detected in %s base URL", ep.name))
		}
		if !strings.HasPrefix(ep.baseURL, "https://") {
			errors = append(errors, fmt.Sprintf("insecure HTTP protocol in %s base URL - must use HTTPS in production", ep.name))
		}
		if ep.apiKey == "" {
			errors = append(errors, fmt.Sprintf("%s API key must be configured", ep.name))
		} else if isWeakPassword(ep.apiKey) {
			errors = append(errors, fmt.Sprintf("weak or default %s API key detected", ep.name))
		}
	}

	if cfg.Adapters.Connector.AllowPrivateNetworks {
		errors = append(errors, "connector must not allow private network targets in production - disable CONNECTOR_ALLOW_PRIVATE_NETWORKS")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}

	return nil
}

func logProductionWarnings(cfg *Config) {
	if !cfg.Observability.TracingEnabled {
		slog.Warn("distributed tracing is disabled - consider enabling for production observability")
	}

	if !cfg.Observability.MetricsEnabled {
		slog.Warn("metrics collection is disabled - consider enabling for production monitoring")
	}

	if cfg.Redis.Password == "" {
		slog.Warn("Redis password is not set - ensure Redis is secured by other means")
	}

	if cfg.Adapters.Nilai.Model == "" {
		slog.Warn("Nilai model is not configured - adapter will rely on its own default")
	}
}

// isWeakPassword checks if a password matches common weak passwords or patterns
func isWeakPassword(password string) bool {
	if password == "" {
		return true
	}

	// Check length
	if len(password) < 8 {
		return true
	}

	// Check against common weak passwords (exact match or if the password IS the weak word)
	lowerPassword := strings.ToLower(password)
	for _, weak := range weakPasswords {
		if lowerPassword == weak {
			return true
		}
	}

	return false
}

// containsLocalhostURL checks if a URL or host string contains localhost references
func containsLocalhostURL(url string) bool {
	if url == "" {
		return false
	}

	lowerURL := strings.ToLower(url)

	// Check for localhost
	if strings.Contains(lowerURL, "localhost") {
		return true
	}

	// Check for IPv4 loopback
	if strings.Contains(lowerURL, "127.0.0.1") || strings.Contains(lowerURL, "0.0.0.0") {
		return true
	}

	// Check for IPv6 loopback
	if strings.Contains(lowerURL, "::1") || strings.Contains(lowerURL, "[::1]") {
		return true
	}

	return false
}
