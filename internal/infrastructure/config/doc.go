// Package config handles loading and validating AquaFeed Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (AQUAFEED_*)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, JWT secret, seed admin password) should be
//     set via environment variables
//   - Certificate and key paths are read once at startup and never logged
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Namespace)
package config
