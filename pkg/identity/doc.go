/*
Package identity provides signature verification and artifact signing
for plugin manifests.

Two providers implement the same capability set. Local mode uses an
HMAC-SHA256 over a machine-local secret generated on first use, giving
single-node deployments signing with zero setup. Enterprise mode uses
Ed25519 under an identity provider's key pair, where only the publisher
holds the private key and every node can verify.

AUTH_MODE (or auth.mode in config) selects the provider; both are
constructed through NewProvider so callers never branch on the mode.
Signature comparison is constant time in both providers.
*/
package identity
