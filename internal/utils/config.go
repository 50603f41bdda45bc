package utils

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabasePath     string
	ProfilesPath     string
	DefaultProfile   string
	CertificatesPath string

	APIPort  int
	OCSPPort int
	LogLevel string

	JWTSecret          string
	APIRequestsPerMin  int
	AcmeRequestsPerMin int

	DefaultSubjectOrg     string
	DefaultSubjectCountry string
	DefaultValidityDays   int

	ACMEEnabled          bool
	ACMECertValidityDays int
	ACMEOrderLifetime    time.Duration
	ACMECleanupGrace     time.Duration
	ACMEChallengeTimeout time.Duration

	MetricsPort         int
	HousekeepingEvery   time.Duration
	OCSPResponderExpiry time.Duration

	PKCS11ModulePath string
	PKCS11PIN        string
	PKCS11Slot       int
}

func LoadConfig() (*Config, error) {
	config := &Config{
		DatabasePath:     getEnv("DATABASE_PATH", "./data/certforge.db"),
		ProfilesPath:     getEnv("PROFILES_PATH", "./data/profiles"),
		DefaultProfile:   getEnv("DEFAULT_PROFILE", "webserver"),
		CertificatesPath: getEnv("CERTIFICATES_PATH", "./data/certificates"),

		APIPort:  getEnvInt("API_PORT", 8080),
		OCSPPort: getEnvInt("OCSP_PORT", 8081),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		JWTSecret:          getEnv("JWT_SECRET", ""),
		APIRequestsPerMin:  getEnvInt("API_REQUESTS_PER_MINUTE", 120),
		AcmeRequestsPerMin: getEnvInt("ACME_REQUESTS_PER_MINUTE", 300),

		DefaultSubjectOrg:     getEnv("DEFAULT_SUBJECT_ORG", ""),
		DefaultSubjectCountry: getEnv("DEFAULT_SUBJECT_COUNTRY", ""),
		DefaultValidityDays:   getEnvInt("DEFAULT_VALIDITY_DAYS", 365),

		ACMEEnabled:          getEnvBool("ACME_ENABLED", true),
		ACMECertValidityDays: getEnvInt("ACME_CERT_VALIDITY_DAYS", 90),
		ACMEOrderLifetime:    getEnvDuration("ACME_ORDER_LIFETIME", 24*time.Hour),
		ACMECleanupGrace:     getEnvDuration("ACME_CLEANUP_GRACE", 24*time.Hour),
		ACMEChallengeTimeout: getEnvDuration("ACME_CHALLENGE_TIMEOUT", time.Second),

		MetricsPort:         getEnvInt("METRICS_PORT", 9090),
		HousekeepingEvery:   getEnvDuration("HOUSEKEEPING_INTERVAL", time.Hour),
		OCSPResponderExpiry: getEnvDuration("OCSP_RESPONDER_EXPIRY", 24*time.Hour),

		PKCS11ModulePath: getEnv("PKCS11_MODULE_PATH", ""),
		PKCS11PIN:        getEnv("PKCS11_PIN", ""),
		PKCS11Slot:       getEnvInt("PKCS11_SLOT", 0),
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.DefaultValidityDays < 1 {
		return fmt.Errorf("DEFAULT_VALIDITY_DAYS must be positive, got %d", c.DefaultValidityDays)
	}
	if c.ACMECertValidityDays < 1 {
		return fmt.Errorf("ACME_CERT_VALIDITY_DAYS must be positive, got %d", c.ACMECertValidityDays)
	}
	if c.ACMEChallengeTimeout <= 0 {
		return fmt.Errorf("ACME_CHALLENGE_TIMEOUT must be positive, got %s", c.ACMEChallengeTimeout)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
