// Package stream provides the media factory, mount points and media instance
// lifecycle. A media instance runs one pipeline, receives its RTP output on
// loopback sockets and feeds a sink that serves every attached reader.
// Shared mounts keep one instance for all readers and stop it after an idle
// period; other mounts run one instance per reader.
package stream
