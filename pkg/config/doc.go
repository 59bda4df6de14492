/*
Package config builds the explicit application context every process
starts from.

Configuration is layered: built-in defaults rooted at CASPARIAN_HOME
(default ~/.casparian), an optional config.yaml in that directory, and a
small set of environment overrides (CASPARIAN_HOME, CASPARIAN_DB_BACKEND,
AUTH_MODE). The merged result is validated with struct tags before any
component is constructed.

There are no configuration singletons. cmd/casparian loads a Config
once and threads it (or its sub-structs) through component constructors,
so tests can instantiate any component with a fresh Config per test.
*/
package config
