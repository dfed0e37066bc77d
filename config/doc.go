// Package config loads the settings of a Nutella component.
//
// A configuration file may be JSON, YAML or TOML, chosen by extension. Files
// are layered over the defaults in the order they are added, environment
// variables with the NUTELLA_ prefix are applied last, and the result is
// validated.
//
//	loader := config.NewLoader()
//	loader.AddLayer("nutella.yaml")
//	loader.AddLayer("nutella.local.toml") // overrides nutella.yaml
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// A minimal file names the broker and the run the component joins:
//
//	nutella:
//	  broker: localhost
//	  app_id: crepe
//	  run_id: default
//	transport:
//	  kind: mqtt
//
// Durations are written as Go duration strings ("5s", "250ms") or as integer
// nanoseconds. When no component id is configured Load generates a random one.
//
// # Environment
//
//	NUTELLA_BROKER, NUTELLA_APP_ID, NUTELLA_RUN_ID, NUTELLA_COMPONENT_ID,
//	NUTELLA_ROOT, NUTELLA_TRANSPORT, NUTELLA_USERNAME, NUTELLA_PASSWORD,
//	NUTELLA_TOKEN, NUTELLA_BOOTSTRAP (comma separated), NUTELLA_READY_TIMEOUT,
//	NUTELLA_METRICS_PORT, NUTELLA_TAP_PORT, NUTELLA_LOG_LEVEL,
//	NUTELLA_LOG_FORMAT
package config
