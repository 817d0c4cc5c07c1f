package secrets

import "os"

// EnvLoader builds a Loader over a fixed set of environment variables.
// Unset or empty variables are left out of the snapshot, so Vault.Get
// reports them absent rather than as empty strings.
func EnvLoader(names ...string) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string, len(names))
		for _, name := range names {
			if v, ok := os.LookupEnv(name); ok && v != "" {
				out[name] = v
			}
		}
		return out, nil
	}
}
