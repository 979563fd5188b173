// Package config loads and validates the lspmux server configuration.
//
// Configuration is a single JSON file declaring the language servers
// available for dispatch:
//
//	{
//	  "logLevel": "warn",
//	  "servers": [
//	    {
//	      "id": "gopls",
//	      "command": "gopls",
//	      "args": ["serve"],
//	      "languages": ["go"]
//	    }
//	  ]
//	}
//
// Environment variables in command, args, workDir and env values are
// expanded at load time, so entries like "$HOME/bin/gopls" work as
// expected. The file is looked up at an explicit path, at ./lspmux.json,
// or under the user configuration directory, in that order.
package config
