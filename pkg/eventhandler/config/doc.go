/*
Package config loads eventhandler settings from files and the environment.

# Raw configuration

Config wraps the decoded map of a YAML or JSON document. Keys are dotted
paths into nested sections, and every accessor takes a default returned
when the key is missing or the value does not convert:

	cfg, err := config.FromFile("eventhandler.yaml")
	if err != nil {
	    return err
	}
	timeout := cfg.Duration("delivery.attempt_timeout", 10*time.Second)

Values that arrive as strings (environment variables, quoted YAML scalars)
are parsed for Int, Bool, Duration and StringSlice. StringSlice splits a
string on commas.

# Environment

WithEnv overlays variables named EVENTHANDLER_ followed by the upper-cased
key with dots replaced by underscores. EVENTHANDLER_DELIVERY_MAX_CONCURRENCY
overrides delivery.max_concurrency.

# Settings

Load turns a Config into typed Settings, filling defaults and rejecting
values the server cannot run with.
*/
package config
