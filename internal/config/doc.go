// Package config loads the application configuration and manages the
// persisted policy file.
//
// # Configuration Loading
//
// Load merges JSON or JSONC (tidwall/jsonc) files in priority order, later
// sources overriding earlier ones:
//
//  1. Global config ($XDG_CONFIG_HOME/toolgate/toolgate.json or .jsonc)
//  2. Project config (<dir>/.toolgate/toolgate.json or .jsonc)
//  3. TOOLGATE_CONFIG file
//  4. TOOLGATE_CONFIG_CONTENT inline JSON
//  5. Environment variables, after loading <dir>/.env
//
// Files support {env:VAR} and {file:path} placeholders. Relative file paths
// resolve against the directory of the config file.
//
// # Environment Variable Overrides
//
//   - TOOLGATE_LOG_LEVEL - log level
//   - TOOLGATE_LISTEN - HTTP listen address
//   - TOOLGATE_POLICY_FILE - persisted policy file path
//
// # Policy File
//
// PolicyFile reads and writes the YAML file holding persisted allow, ask
// and exclude lists. Writes are atomic (temp file plus rename) on an
// afero.Fs. Watcher reports changes to the file so the owning service can
// reload it.
//
// # Path Management
//
// Paths follows the XDG Base Directory layout:
//   - Data: ~/.local/share/toolgate (XDG_DATA_HOME)
//   - Config: ~/.config/toolgate (XDG_CONFIG_HOME)
//   - State: ~/.local/state/toolgate (XDG_STATE_HOME)
package config
