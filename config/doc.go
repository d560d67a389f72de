// Package config loads the Qollective runtime configuration.
//
// A Config gathers the settings of every subsystem: TLS material shared by all transports,
// the NATS connection, the bus and stream transports, the HTTP client and server, the agent
// registry and its participants, envelope masking and logging.
//
// # Layering
//
// Loader builds a Config in a fixed order:
//
//  1. Default values.
//  2. File layers in the order they were added. JSON and YAML are both accepted and later
//     layers override earlier ones key by key. Duration keys accept strings such as "30s"
//     or "14d".
//  3. Dotenv files added with AddEnvFile. Variables already present in the environment
//     are not replaced.
//  4. QOLLECTIVE_* environment variables.
//
// Usage:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.json")
//	loader.AddEnvFile(".env")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// # Environment Variables
//
// TLS is configured through the variables every transport understands:
//
//	QOLLECTIVE_TLS_ENABLED, QOLLECTIVE_TLS_CERT_PATH, QOLLECTIVE_TLS_KEY_PATH,
//	QOLLECTIVE_TLS_CA_PATH, QOLLECTIVE_TLS_VERIFY_MODE
//
// Other overrides:
//
//	QOLLECTIVE_NATS_URL                      comma separated server list
//	QOLLECTIVE_NATS_USERNAME, _PASSWORD, _TOKEN, _NAME
//	QOLLECTIVE_REGISTRY_PREFIX               also applied to agent.prefix
//	QOLLECTIVE_REGISTRY_TTL, _CLEANUP_INTERVAL, _KV_BUCKET, _ENABLE_AGENT_LOGGING
//	QOLLECTIVE_AGENT_HEARTBEAT_INTERVAL
//	QOLLECTIVE_HTTP_ADDR
//	QOLLECTIVE_LOG_LEVEL, QOLLECTIVE_LOG_FORMAT
//
// # File Safety
//
// Relative config paths must stay inside the working directory, files are limited to 10MB
// and JSON nesting to 100 levels. SaveToFile writes with mode 0600.
//
// # Concurrency
//
// SafeConfig guards a Config for readers and writers. Get returns a deep copy and Update
// validates before swapping.
package config
