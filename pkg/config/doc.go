// Package config loads and validates the Conveyor engine configuration.
//
// Configuration lives in a single YAML file (conventionally conveyor.yaml)
// covering scheduler limits, cache and artifact storage, run history,
// protected environments, repository secrets, and observability settings.
// Unset values fall back to defaults rooted at the data directory.
//
//	cfg, err := config.Load("conveyor.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.EnsureDataDir(); err != nil {
//	    log.Fatal(err)
//	}
//
// Validation combines struct tags (go-playground/validator) with semantic
// checks the tags cannot express, such as unique environment names.
package config
