package feature

import "os"

// Feature defines an application feature toggled by a specific environment variable.
type Feature struct {
	// EnvVariable defines the name of the corresponding environment variable.
	EnvVariable    string
	defaultEnabled bool
}

// Enabled reads the environment variable responsible for the feature flag. If FF is disabled by default, the
// environment variable needs to be `true` to explicitly enable it. If FF is enabled by default, variable needs to be
// `false` to explicitly disable it.
func (f Feature) Enabled() bool {
	env := os.Getenv(f.EnvVariable)

	if f.defaultEnabled {
		return env != "false"
	}

	return env == "true"
}

// BBMProcess is used to decide if `serve` should (or should not) start the asynchronous batched migration agent.
// When disabled, migrations only progress through `background-migrate run`.
var BBMProcess = Feature{
	defaultEnabled: true,
	EnvVariable:    "BATCHMIGRATE_FF_BBM",
}

// LeaseReclaimer is used to decide if `serve` should periodically return jobs with expired leases to the queue.
// Claims pick up expired leases on their own and fail expired jobs without attempts left, so disabling it only
// delays the release of expired leases until a worker polls the migration again.
var LeaseReclaimer = Feature{
	defaultEnabled: true,
	EnvVariable:    "BATCHMIGRATE_FF_LEASE_RECLAIMER",
}

// testFeature is used for testing purposes only
var testFeature = Feature{
	EnvVariable: "BATCHMIGRATE_FF_TEST",
}

var all = []Feature{
	testFeature,
	BBMProcess,
	LeaseReclaimer,
}

// KnownEnvVar evaluates whether the input string matches the name of one of the known feature flag env vars.
func KnownEnvVar(name string) bool {
	for _, f := range all {
		if f.EnvVariable == name {
			return true
		}
	}

	return false
}
