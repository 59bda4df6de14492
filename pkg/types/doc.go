/*
Package types defines the Casparian Flow data model and error taxonomy.

The model is a DAG keyed by int64 ids: SourceRoot owns FileLocations,
each FileLocation points at its current immutable FileVersion, and
ProcessingJobs pin a FileVersion as their input. RoutingRules map file
paths to tags, PluginConfigs map tags to plugins, and TopicConfigs map a
plugin's named outputs (topics) to one or more destination sinks.

All cross-references are by id; no shared mutable pointer graphs. Types
here carry no behaviour beyond small predicates (JobStatus.Terminal,
ErrorKind.Retryable) so every component can depend on this package
without cycles.

The error taxonomy (ErrorKind) matches what workers write into job
records and what sandboxes serialize into ERROR frames: config,
validation, artifact_drift, plugin_error, transient_io, timeout,
lease_lost, protocol, commit.
*/
package types
