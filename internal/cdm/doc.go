// Package cdm defines the content decryption module contract the license
// session protocol runs against, plus the backends that implement it: a
// local Widevine CDM, a pywidevine-serve remote, and a vendor key-service
// remote with server-side key caching.
package cdm
