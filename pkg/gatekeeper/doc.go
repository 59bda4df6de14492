/*
Package gatekeeper performs static safety analysis and signature
verification of plugin source artifacts.

Plugin source is Python. The analysis parses it with tree-sitter and
walks the syntax tree for four classes of violation: source that does
not parse, imports from the banned capability modules (process,
filesystem at large, raw sockets, serialization of executable objects),
calls to banned builtins (eval, exec, compile, __import__, open), and
the absence of a class deriving from BasePlugin. Validation never
raises for unsafe input; it returns the accumulated violations, which
become the REJECTED manifest's message.

Identity is content addressed: SourceHash and EnvHash are SHA-256
digests of the source and the dependency lockfile, and ArtifactID
covers their concatenation. These key environment reuse and cache
invalidation.

Signatures are checked through the configured identity.Provider with a
constant-time comparison; an artifact is promoted to ACTIVE only when
both the static checks and the signature pass.
*/
package gatekeeper
