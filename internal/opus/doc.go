// Package opus moves Opus frames in and out of voice sessions.
//
// Frames are stored in a minimal binary format: concatenated length-prefixed
// frames ([uint16 LE length][opus bytes]). No headers, no metadata.
//
// OggReader demuxes Ogg/Opus files into frames, Encode transcodes any audio
// to that format through FFmpeg, and StreamToSession paces frames out to a
// voice session.
package opus
