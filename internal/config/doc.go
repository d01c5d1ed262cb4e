// Package config provides the proxy's configuration document, its
// loading with defaults and type coercion, and file watching for hot
// reload.
//
// Loading is tolerant: misstated ambient fields fall back to their
// defaults and malformed rule entries are skipped with a warning. Only a
// document that is not YAML at all fails with ErrParse.
//
//	cfg, err := config.Load("avaproxy.yaml")
//	if err != nil {
//	    return err
//	}
//	for _, w := range cfg.Warnings {
//	    logger.Warn("skipping rule", observability.Error(w))
//	}
//
// Environment variables in the document are substituted with the
// ${VAR} and ${VAR:-default} syntax before parsing.
//
// A Watcher reports every change to the file; debouncing belongs to the
// caller.
//
//	w, err := config.NewWatcher(path, controller.Notify)
//	if err != nil {
//	    return err
//	}
//	if err := w.Start(ctx); err != nil {
//	    return err
//	}
//	defer w.Stop()
package config
