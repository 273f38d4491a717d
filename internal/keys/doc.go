// Package keys defines the key identifier and content key value types shared
// by the DRM, vault, and preparation layers.
package keys
