// Package pssh locates and parses protection system headers (MP4 pssh boxes
// and PlayReady WRM headers) inside raw initialization-segment data, and
// recovers the key IDs they embed.
package pssh
