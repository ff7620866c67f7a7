// Package config loads the dagflow server settings from environment
// variables. Every value has a development default, and an LLM API key is
// only needed when workflows contain model-call nodes.
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Storage.Backend, cfg.Timeouts.Run)
package config
