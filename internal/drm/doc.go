// Package drm models the DRM systems a protected track can carry: Widevine,
// PlayReady, and ClearKey. A DRM object owns a parsed protection header, the
// key IDs it resolves to, and the content keys accumulated for those IDs over
// the object's lifetime.
//
// AcquireKeys drives a CDM session through the challenge/response exchange
// with a license server, including the privacy-mode certificate step and the
// cached-key short circuit. DecryptFile shells out to shaka-packager or
// mp4decrypt once every key is known.
package drm
