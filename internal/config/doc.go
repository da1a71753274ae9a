// Package config loads the pulse project file used by the pulse CLI and the
// devtools server.
//
// The file is pulse.json, pulse.toml or pulse.yaml (first found wins) at
// the project root. The format follows the extension.
//
// # Configuration File Structure
//
//	{
//	  "name": "shop",
//	  "storage": {
//	    "backend": "bolt",
//	    "path": "./data/pulse.db",
//	    "prefix": "pulse:",
//	    "codec": "json"
//	  },
//	  "log": {
//	    "level": "info",
//	    "format": "text"
//	  },
//	  "devtools": {
//	    "addr": "localhost:7070"
//	  }
//	}
//
// The same structure in TOML:
//
//	name = "shop"
//
//	[storage]
//	backend = "sql"
//	dialect = "sqlite"
//	dsn = "file:pulse.sqlite"
//
// # Usage
//
//	cfg, err := config.LoadFromWorkingDir()
//	if err != nil {
//	    return err
//	}
//	logger := cfg.Logger(os.Stderr)
package config
