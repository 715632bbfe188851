// Package bitstream scans H.264 and H.265 Annex B byte streams.
//
// The encoder uses it to classify access units coming off the device
// (keyframe or not) and to derive an RFC 6381 codec string from the first
// sequence parameter set. The simulated device uses the same helpers in
// reverse to build a well-formed stream.
//
// Only the fields needed for those two jobs are parsed. Full slice header
// parsing is out of scope.
package bitstream
